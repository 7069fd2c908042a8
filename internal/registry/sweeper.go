package registry

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires sessions older than the configured max age.
// It runs on its own schedule, independent of any connection, and uses the
// registry's synchronized removal path.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(reg *Registry, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry: reg,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With("component", "sweeper"),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.registry.SweepExpired(ctx, s.maxAge); n > 0 {
					s.logger.Info("expired sessions removed", "count", n, "max_age", s.maxAge)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
