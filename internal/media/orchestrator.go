package media

import (
	"context"
	"log/slog"

	"github.com/ajmedia/signalgw/internal/metrics"
)

// Orchestrator is a thin adapter over Engine that normalizes failures into
// *PipelineError and records pipeline accounting. It holds no per-session
// state.
type Orchestrator struct {
	engine  Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewOrchestrator(engine Engine, m *metrics.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:  engine,
		metrics: m,
		logger:  logger.With("component", "media"),
	}
}

func (o *Orchestrator) CreatePipeline(ctx context.Context) (PipelineRef, error) {
	ref, err := o.engine.CreatePipeline(ctx)
	if err != nil {
		return "", o.fail("create pipeline", err)
	}
	return ref, nil
}

func (o *Orchestrator) CreateEndpoint(ctx context.Context, pipeline PipelineRef) (EndpointRef, error) {
	ref, err := o.engine.CreateEndpoint(ctx, pipeline)
	if err != nil {
		return "", o.fail("create endpoint", err)
	}
	return ref, nil
}

func (o *Orchestrator) ProcessOffer(ctx context.Context, endpoint EndpointRef, sdpOffer string) (string, error) {
	answer, err := o.engine.ProcessOffer(ctx, endpoint, sdpOffer)
	if err != nil {
		return "", o.fail("process offer", err)
	}
	return answer, nil
}

// GatherCandidates begins asynchronous candidate discovery on the endpoint.
// Candidates arrive via the callback registered with OnCandidate.
func (o *Orchestrator) GatherCandidates(ctx context.Context, endpoint EndpointRef) error {
	if err := o.engine.GatherCandidates(ctx, endpoint); err != nil {
		return o.fail("gather candidates", err)
	}
	return nil
}

func (o *Orchestrator) AddCandidate(ctx context.Context, endpoint EndpointRef, cand Candidate) error {
	if err := o.engine.AddCandidate(ctx, endpoint, cand); err != nil {
		return o.fail("add candidate", err)
	}
	return nil
}

// ConnectElements links two processing elements inside a pipeline, optionally
// in both directions.
func (o *Orchestrator) ConnectElements(ctx context.Context, a, b ElementRef, bidirectional bool) error {
	if err := o.engine.ConnectElements(ctx, a, b, bidirectional); err != nil {
		return o.fail("connect elements", err)
	}
	return nil
}

func (o *Orchestrator) Release(ctx context.Context, pipeline PipelineRef) error {
	if err := o.engine.Release(ctx, pipeline); err != nil {
		return o.fail("release pipeline", err)
	}
	return nil
}

func (o *Orchestrator) OnCandidate(endpoint EndpointRef, fn func(Candidate)) {
	o.engine.OnCandidate(endpoint, fn)
}

func (o *Orchestrator) fail(op string, err error) error {
	o.metrics.Inc(metrics.PipelineErrors)
	o.logger.Warn("engine call failed", "op", op, "err", err)
	return &PipelineError{Op: op, Err: err}
}
