// Package registry is the in-memory directory of active media sessions.
//
// It also owns the candidate queues for session ids that have no session yet:
// browsers routinely deliver ICE candidates before the offer round trip has
// finished, and those must be replayed in arrival order once the session's
// endpoint exists.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ajmedia/signalgw/internal/media"
	"github.com/ajmedia/signalgw/internal/metrics"
)

// ErrDuplicateSession is returned when a session id is already registered.
var ErrDuplicateSession = errors.New("session already exists")

// Session binds a negotiated connection to its engine-side resources.
type Session struct {
	ID        string
	Pipeline  media.PipelineRef
	Endpoint  media.EndpointRef
	CreatedAt time.Time
}

// Releaser releases engine-side pipelines. Satisfied by *media.Orchestrator.
type Releaser interface {
	Release(ctx context.Context, pipeline media.PipelineRef) error
}

type candidateQueue struct {
	items []media.Candidate
	since time.Time
}

// Registry holds sessions and pre-session candidate queues behind a single
// mutex. Candidate enqueue, session create and session remove interleave
// across connections; the lock granularity is the whole registry.
type Registry struct {
	releaser   Releaser
	metrics    *metrics.Metrics
	queueLimit int
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	queues   map[string]*candidateQueue
}

func New(releaser Releaser, m *metrics.Metrics, queueLimit int, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	if queueLimit <= 0 {
		queueLimit = 64
	}
	return &Registry{
		releaser:   releaser,
		metrics:    m,
		queueLimit: queueLimit,
		now:        now,
		sessions:   make(map[string]*Session),
		queues:     make(map[string]*candidateQueue),
	}
}

// Create registers a session for id. The id must not already be registered;
// the caller owns resolving what to do on ErrDuplicateSession (the original
// session is left untouched).
func (r *Registry) Create(id string, pipeline media.PipelineRef, endpoint media.EndpointRef) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		r.metrics.Inc(metrics.SessionsDuplicate)
		return nil, ErrDuplicateSession
	}

	sess := &Session{
		ID:        id,
		Pipeline:  pipeline,
		Endpoint:  endpoint,
		CreatedAt: r.now(),
	}
	r.sessions[id] = sess
	r.metrics.Inc(metrics.SessionsCreated)
	return sess, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove deletes the session and any residual candidate queue for id, and
// releases the session's pipeline. Removing an absent id is a no-op; a
// session is never released twice.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	delete(r.queues, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.Inc(metrics.SessionsRemoved)
	r.release(ctx, sess)
	return true
}

// EnqueueCandidate appends cand to the pending queue for id, whether or not a
// session exists. Returns false when the queue is full and the candidate was
// dropped.
func (r *Registry) EnqueueCandidate(id string, cand media.Candidate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[id]
	if q == nil {
		q = &candidateQueue{since: r.now()}
		r.queues[id] = q
	}
	if len(q.items) >= r.queueLimit {
		r.metrics.Inc(metrics.CandidatesDropped)
		return false
	}
	q.items = append(q.items, cand)
	r.metrics.Inc(metrics.CandidatesQueued)
	return true
}

// DrainCandidates returns the queued candidates for id in arrival order and
// removes the queue. A second drain returns nothing.
func (r *Registry) DrainCandidates(id string) []media.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[id]
	if q == nil {
		return nil
	}
	delete(r.queues, id)
	return q.items
}

// SweepExpired removes every session older than maxAge through the same
// release path as Remove, and garbage-collects candidate queues that have
// been waiting longer than maxAge for a session that never arrived (stop
// racing a late onIceCandidate leaves such queues behind).
func (r *Registry) SweepExpired(ctx context.Context, maxAge time.Duration) int {
	now := r.now()

	r.mu.Lock()
	var expired []*Session
	for id, sess := range r.sessions {
		if now.Sub(sess.CreatedAt) > maxAge {
			expired = append(expired, sess)
			delete(r.sessions, id)
			delete(r.queues, id)
		}
	}
	for id, q := range r.queues {
		if _, ok := r.sessions[id]; ok {
			continue
		}
		if now.Sub(q.since) > maxAge {
			delete(r.queues, id)
			r.metrics.Add(metrics.CandidatesDropped, uint64(len(q.items)))
		}
	}
	r.mu.Unlock()

	for _, sess := range expired {
		r.metrics.Inc(metrics.SessionsExpired)
		r.release(ctx, sess)
	}
	return len(expired)
}

func (r *Registry) release(ctx context.Context, sess *Session) {
	if r.releaser == nil {
		return
	}
	_ = r.releaser.Release(ctx, sess.Pipeline)
}
