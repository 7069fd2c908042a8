// Package media is the coordination layer between the gateway and the
// external media-processing engine.
//
// The engine owns all pipeline and endpoint resources; this package only
// passes around opaque references to them. Sessions binding a negotiated
// connection to its engine resources live in the registry package, not here.
package media

import (
	"context"
	"fmt"
)

// PipelineRef is an opaque reference to an engine-side media pipeline.
type PipelineRef string

// EndpointRef is an opaque reference to an engine-side WebRTC endpoint.
type EndpointRef string

// ElementRef is an opaque reference to any engine-side processing element.
// Endpoints are elements; filters created via CreateElement are too.
type ElementRef string

// Candidate is the JSON-friendly ICE candidate representation exchanged with
// both the browser client and the engine.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// PipelineError wraps an engine-side failure. The underlying cause is carried
// verbatim; Op names the orchestrator operation that failed.
type PipelineError struct {
	Op  string
	Err error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("media engine: %s: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Engine is the wire-level client for the external media engine.
//
// Every method is one external round trip. Discovered local candidates for an
// endpoint are delivered through the callback registered with OnCandidate,
// not as return values.
type Engine interface {
	CreatePipeline(ctx context.Context) (PipelineRef, error)
	CreateEndpoint(ctx context.Context, pipeline PipelineRef) (EndpointRef, error)
	ProcessOffer(ctx context.Context, endpoint EndpointRef, sdpOffer string) (string, error)
	GatherCandidates(ctx context.Context, endpoint EndpointRef) error
	AddCandidate(ctx context.Context, endpoint EndpointRef, cand Candidate) error
	ConnectElements(ctx context.Context, a, b ElementRef, bidirectional bool) error
	Release(ctx context.Context, pipeline PipelineRef) error
	OnCandidate(endpoint EndpointRef, fn func(Candidate))
}
