package metrics

import "sync"

// Event counter names. The set is deliberately flat; every counter is exposed
// under a single metric with an `event` label.
const (
	SessionsCreated   = "sessions_created"
	SessionsRemoved   = "sessions_removed"
	SessionsExpired   = "sessions_expired"
	SessionsDuplicate = "sessions_duplicate"

	CandidatesQueued    = "candidates_queued"
	CandidatesForwarded = "candidates_forwarded"
	CandidatesDropped   = "candidates_dropped"
	CandidatesPushed    = "candidates_pushed"

	PipelineErrors  = "pipeline_errors"
	ProtocolErrors  = "protocol_errors"
	MessagesDropped = "messages_rate_limited"

	IceConfigRefreshes     = "ice_config_refreshes"
	IceConfigRefreshErrors = "ice_config_refresh_errors"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The gateway is expected to plug into a real metrics backend eventually; this
// type keeps session and protocol accounting testable in the meantime.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
