package iceconf

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ajmedia/signalgw/internal/metrics"
)

// scriptedSource returns its queued results in order, then repeats the last.
type scriptedSource struct {
	mu      sync.Mutex
	results []fetchResult
	fetches int
}

type fetchResult struct {
	cfg Configuration
	err error
}

func (s *scriptedSource) Fetch(context.Context) (Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	i := s.fetches - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	r := s.results[i]
	return r.cfg, r.err
}

func (s *scriptedSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func snapshot(username string) Configuration {
	return Configuration{
		URLs:       []string{"turn:t.example:3478"},
		Username:   username,
		Credential: "cred-" + username,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRefresherPublishesFirstFetchImmediately(t *testing.T) {
	src := &scriptedSource{results: []fetchResult{{cfg: snapshot("u1")}}}
	r := NewRefresher(src, time.Hour, metrics.New(), discardLogger())

	if _, ok := r.Current(); ok {
		t.Fatalf("Current before Start returned a snapshot")
	}

	r.Start(context.Background())
	defer r.Stop()

	waitForCondition(t, "first snapshot", func() bool {
		_, ok := r.Current()
		return ok
	})
	cfg, _ := r.Current()
	if cfg.Username != "u1" {
		t.Fatalf("username=%q, want u1", cfg.Username)
	}
}

func TestRefresherKeepsStaleSnapshotOnFailure(t *testing.T) {
	m := metrics.New()
	src := &scriptedSource{results: []fetchResult{
		{cfg: snapshot("u1")},
		{err: errors.New("credential service down")},
	}}
	r := NewRefresher(src, 10*time.Millisecond, m, discardLogger())
	r.Start(context.Background())
	defer r.Stop()

	waitForCondition(t, "a failed refresh", func() bool {
		return m.Get(metrics.IceConfigRefreshErrors) >= 1
	})

	cfg, ok := r.Current()
	if !ok || cfg.Username != "u1" {
		t.Fatalf("stale snapshot lost: %+v ok=%v", cfg, ok)
	}
}

func TestRefresherSequentialFetches(t *testing.T) {
	// A fetch that outlasts the interval must delay the next tick, never
	// overlap it.
	var (
		mu     sync.Mutex
		active int
		max    int
	)
	src := sourceFunc(func(context.Context) (Configuration, error) {
		mu.Lock()
		active++
		if active > max {
			max = active
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return snapshot("u"), nil
	})

	r := NewRefresher(src, 5*time.Millisecond, metrics.New(), discardLogger())
	r.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	r.Stop()

	mu.Lock()
	defer mu.Unlock()
	if max > 1 {
		t.Fatalf("observed %d concurrent fetches, want at most 1", max)
	}
}

type sourceFunc func(ctx context.Context) (Configuration, error)

func (f sourceFunc) Fetch(ctx context.Context) (Configuration, error) { return f(ctx) }

func TestRefresherStopDiscardsLateFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	src := sourceFunc(func(ctx context.Context) (Configuration, error) {
		close(started)
		<-release
		return snapshot("late"), nil
	})

	r := NewRefresher(src, time.Hour, metrics.New(), discardLogger())
	r.Start(context.Background())

	<-started
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	r.Stop()

	if cfg, ok := r.Current(); ok {
		t.Fatalf("late fetch was published: %+v", cfg)
	}
}

func TestSubscribeReceivesLatestOnly(t *testing.T) {
	r := NewRefresher(nil, time.Hour, metrics.New(), discardLogger())

	ch := r.Subscribe()
	r.publish(snapshot("u1"))
	r.publish(snapshot("u2"))
	r.publish(snapshot("u3"))

	// The slow subscriber never read u1 or u2; only the newest remains.
	select {
	case cfg := <-ch:
		if cfg.Username != "u3" {
			t.Fatalf("received %q, want u3", cfg.Username)
		}
	default:
		t.Fatalf("no snapshot buffered")
	}

	// A new subscriber immediately sees the current snapshot.
	late := r.Subscribe()
	select {
	case cfg := <-late:
		if cfg.Username != "u3" {
			t.Fatalf("late subscriber received %q, want u3", cfg.Username)
		}
	default:
		t.Fatalf("late subscriber got nothing")
	}
}

func TestAsICEServers(t *testing.T) {
	cfg := Configuration{
		URLs:       []string{"turn:t.example:3478", "turns:t.example:5349"},
		Username:   "u",
		Credential: "c",
	}
	servers := cfg.AsICEServers()
	if len(servers) != 1 {
		t.Fatalf("got %d servers, want 1", len(servers))
	}
	if len(servers[0].URLs) != 2 || servers[0].Username != "u" || servers[0].Credential != "c" {
		t.Fatalf("unexpected server %+v", servers[0])
	}

	if got := (Configuration{}).AsICEServers(); got != nil {
		t.Fatalf("empty configuration produced servers: %v", got)
	}
}
