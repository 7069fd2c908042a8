package client

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ConnectWithRetry attempts Connect up to maxAttempts times with exponential
// backoff between attempts (base delay doubling each time, no jitter). The
// last failure is propagated when every attempt is exhausted.
func (m *Manager) ConnectWithRetry(ctx context.Context, isInitiator bool, maxAttempts int) error {
	if maxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be > 0")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryBaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := bo.NextBackOff()
			m.logger.Info("retrying connect", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := m.Connect(ctx, isInitiator)
		if err == nil {
			return nil
		}
		lastErr = err
		m.Disconnect()
	}
	return lastErr
}
