// Package iceconf maintains the short-lived ICE/TURN credential configuration
// used by peers to traverse NATs.
//
// Credentials either come from an external TURN REST credential service or,
// when only a shared secret is configured, are self-issued locally with the
// same coturn-compatible algorithm.
package iceconf

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ajmedia/signalgw/internal/metrics"
)

// Configuration is one complete ICE credential snapshot. It is replaced
// wholesale on every refresh; readers never observe a partial update.
type Configuration struct {
	URLs           []string      `json:"urls"`
	Username       string        `json:"username"`
	Credential     string        `json:"credential"`
	CredentialType string        `json:"credentialType"`
	FetchedAt      time.Time     `json:"-"`
	TTL            time.Duration `json:"-"`
}

// AsICEServers converts the snapshot into the pion representation used when
// constructing PeerConnections.
func (c Configuration) AsICEServers() []webrtc.ICEServer {
	if len(c.URLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{
		URLs:       c.URLs,
		Username:   c.Username,
		Credential: c.Credential,
	}}
}

// Source produces a fresh credential configuration.
type Source interface {
	Fetch(ctx context.Context) (Configuration, error)
}

// Refresher periodically pulls a new Configuration from its Source and
// publishes it. Fetch failures keep the previous snapshot; stale-but-valid
// credentials beat none at all.
type Refresher struct {
	source   Source
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu          sync.Mutex
	current     Configuration
	hasCurrent  bool
	subscribers []chan Configuration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefresher(source Source, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		source:   source,
		interval: interval,
		metrics:  m,
		logger:   logger.With("component", "iceconf"),
	}
}

// Current returns the latest complete snapshot, if any fetch has succeeded.
func (r *Refresher) Current() (Configuration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.hasCurrent
}

// Subscribe returns a channel receiving every published snapshot. The channel
// has capacity 1 and stale snapshots are replaced, so a slow subscriber only
// ever sees the most recent configuration and never blocks publication.
func (r *Refresher) Subscribe() <-chan Configuration {
	ch := make(chan Configuration, 1)
	r.mu.Lock()
	r.subscribers = append(r.subscribers, ch)
	if r.hasCurrent {
		ch <- r.current
	}
	r.mu.Unlock()
	return ch
}

// Start begins the refresh schedule. The first fetch happens immediately.
// Ticks are strictly sequential: a fetch outlasting the interval simply
// delays the next one, overlapping fetches are never started.
func (r *Refresher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		r.refreshOnce(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.refreshOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the schedule and waits for any in-flight fetch to finish. A
// fetch completing after Stop is discarded, not published.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	cfg, err := r.source.Fetch(ctx)
	if err != nil {
		r.metrics.Inc(metrics.IceConfigRefreshErrors)
		r.logger.Warn("ice configuration refresh failed, keeping previous", "err", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	r.publish(cfg)
}

func (r *Refresher) publish(cfg Configuration) {
	r.metrics.Inc(metrics.IceConfigRefreshes)

	r.mu.Lock()
	r.current = cfg
	r.hasCurrent = true
	subs := r.subscribers
	for _, ch := range subs {
		select {
		case ch <- cfg:
		default:
			// Drop the stale snapshot the subscriber never read.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
	r.mu.Unlock()
}
