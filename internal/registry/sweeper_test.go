package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ajmedia/signalgw/internal/metrics"
)

func TestSweeperExpiresOldSessions(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	rel := &countingReleaser{}
	r := New(rel, metrics.New(), 0, clk.Now)

	if _, err := r.Create("s1", "pipe1", "ep1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	clk.Advance(time.Minute)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sw := NewSweeper(r, 10*time.Millisecond, 30*time.Second, logger)
	sw.Start(context.Background())
	defer sw.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.ActiveSessions() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := r.ActiveSessions(); n != 0 {
		t.Fatalf("session never swept, ActiveSessions=%d", n)
	}
	if rel.count() != 1 {
		t.Fatalf("released %d times, want 1", rel.count())
	}
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	r := New(nil, metrics.New(), 0, nil)
	sw := NewSweeper(r, time.Hour, time.Hour, nil)

	sw.Stop() // never started

	sw.Start(context.Background())
	sw.Stop()
	sw.Stop()
}
