package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ajmedia/signalgw/internal/config"
	"github.com/ajmedia/signalgw/internal/media"
	"github.com/ajmedia/signalgw/internal/metrics"
	"github.com/ajmedia/signalgw/internal/registry"
)

// fakeEngine is an in-memory media.Engine that records every call.
type fakeEngine struct {
	mu        sync.Mutex
	pipelines int
	endpoints int
	added     []media.Candidate
	released  []media.PipelineRef
	gathered  []media.EndpointRef
	onCand    map[media.EndpointRef]func(media.Candidate)

	processOfferErr error
	addCandidateErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{onCand: make(map[media.EndpointRef]func(media.Candidate))}
}

func (e *fakeEngine) CreatePipeline(context.Context) (media.PipelineRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelines++
	return media.PipelineRef(fmt.Sprintf("pipeline-%d", e.pipelines)), nil
}

func (e *fakeEngine) CreateEndpoint(_ context.Context, _ media.PipelineRef) (media.EndpointRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.endpoints++
	return media.EndpointRef(fmt.Sprintf("endpoint-%d", e.endpoints)), nil
}

func (e *fakeEngine) ProcessOffer(_ context.Context, _ media.EndpointRef, sdpOffer string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processOfferErr != nil {
		return "", e.processOfferErr
	}
	return "answer-for:" + sdpOffer, nil
}

func (e *fakeEngine) GatherCandidates(_ context.Context, endpoint media.EndpointRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gathered = append(e.gathered, endpoint)
	return nil
}

func (e *fakeEngine) AddCandidate(_ context.Context, _ media.EndpointRef, cand media.Candidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.addCandidateErr != nil {
		return e.addCandidateErr
	}
	e.added = append(e.added, cand)
	return nil
}

func (e *fakeEngine) ConnectElements(context.Context, media.ElementRef, media.ElementRef, bool) error {
	return nil
}

func (e *fakeEngine) Release(_ context.Context, pipeline media.PipelineRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = append(e.released, pipeline)
	return nil
}

func (e *fakeEngine) OnCandidate(endpoint media.EndpointRef, fn func(media.Candidate)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.onCand, endpoint)
		return
	}
	e.onCand[endpoint] = fn
}

func (e *fakeEngine) pushCandidate(endpoint media.EndpointRef, cand media.Candidate) bool {
	e.mu.Lock()
	fn := e.onCand[endpoint]
	e.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(cand)
	return true
}

func (e *fakeEngine) addedCandidates() []media.Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.Candidate(nil), e.added...)
}

func (e *fakeEngine) releasedPipelines() []media.PipelineRef {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.PipelineRef(nil), e.released...)
}

type testGateway struct {
	engine *fakeEngine
	reg    *registry.Registry
	server *httptest.Server
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()

	cfg := config.Config{
		MaxSignalingMessageBytes:      config.DefaultMaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: config.DefaultMaxSignalingMessagesPerSecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	engine := newFakeEngine()
	pipelines := media.NewOrchestrator(engine, m, logger)
	reg := registry.New(pipelines, m, cfg.CandidateQueueLimit, nil)

	srv := httptest.NewServer(NewServer(cfg, reg, pipelines, m, logger))
	t.Cleanup(srv.Close)
	return &testGateway{engine: engine, reg: reg, server: srv}
}

func dialGateway(t *testing.T, gw *testGateway) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(gw.server.URL, "http")
	sock, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func sendJSON(t *testing.T, sock *websocket.Conn, raw string) {
	t.Helper()
	if err := sock.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, sock *websocket.Conn) signalMessage {
	t.Helper()
	_ = sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartNegotiation(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)

	resp := readMessage(t, sock)
	if resp.ID != messageIDStartResponse {
		t.Fatalf("id=%q (message=%q), want startResponse", resp.ID, resp.Message)
	}
	if resp.SDPAnswer != "answer-for:v=0 offer" {
		t.Fatalf("sdpAnswer=%q", resp.SDPAnswer)
	}
	if n := gw.reg.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions=%d, want 1", n)
	}

	// Engine-discovered candidates reach the client asynchronously.
	waitFor(t, "candidate subscription", func() bool {
		return gw.engine.pushCandidate("endpoint-1", media.Candidate{Candidate: "candidate:relay"})
	})
	push := readMessage(t, sock)
	if push.ID != messageIDIceCandidate || push.Candidate == nil || push.Candidate.Candidate != "candidate:relay" {
		t.Fatalf("unexpected push %+v", push)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 one"}`)
	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("first start: id=%q", resp.ID)
	}

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 two"}`)
	resp := readMessage(t, sock)
	if resp.ID != messageIDError || !strings.Contains(resp.Message, "start already received") {
		t.Fatalf("second start: %+v", resp)
	}
	if n := gw.reg.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions=%d, want 1", n)
	}
}

func TestEarlyCandidatesReplayedInOrder(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"onIceCandidate","candidate":{"candidate":"c1"}}`)
	sendJSON(t, sock, `{"id":"onIceCandidate","candidate":{"candidate":"c2"}}`)
	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)

	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("id=%q", resp.ID)
	}

	added := gw.engine.addedCandidates()
	if len(added) != 2 || added[0].Candidate != "c1" || added[1].Candidate != "c2" {
		t.Fatalf("engine received %+v, want c1 then c2", added)
	}
}

func TestCandidateAfterStartForwardedDirectly(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)
	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("id=%q", resp.ID)
	}

	sendJSON(t, sock, `{"id":"onIceCandidate","candidate":{"candidate":"c-live"}}`)
	waitFor(t, "candidate forwarded", func() bool {
		return len(gw.engine.addedCandidates()) == 1
	})
	if added := gw.engine.addedCandidates(); added[0].Candidate != "c-live" {
		t.Fatalf("engine received %+v", added)
	}
}

func TestStartFailureReleasesPipeline(t *testing.T) {
	gw := newTestGateway(t, nil)
	gw.engine.processOfferErr = errors.New("codec mismatch")
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)
	resp := readMessage(t, sock)
	if resp.ID != messageIDError || !strings.Contains(resp.Message, "codec mismatch") {
		t.Fatalf("unexpected response %+v", resp)
	}
	if released := gw.engine.releasedPipelines(); len(released) != 1 || released[0] != "pipeline-1" {
		t.Fatalf("released=%v, want [pipeline-1]", released)
	}
	if n := gw.reg.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions=%d, want 0", n)
	}

	// A reset connection may start again.
	gw.engine.mu.Lock()
	gw.engine.processOfferErr = nil
	gw.engine.mu.Unlock()
	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 retry"}`)
	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("retry after failure: id=%q message=%q", resp.ID, resp.Message)
	}
}

func TestStopReleasesSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)
	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("id=%q", resp.ID)
	}

	sendJSON(t, sock, `{"id":"stop"}`)
	waitFor(t, "session removal", func() bool { return gw.reg.ActiveSessions() == 0 })
	waitFor(t, "pipeline release", func() bool { return len(gw.engine.releasedPipelines()) == 1 })
}

func TestDisconnectReleasesSession(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)
	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("id=%q", resp.ID)
	}

	sock.Close()
	waitFor(t, "session removal on disconnect", func() bool { return gw.reg.ActiveSessions() == 0 })
	waitFor(t, "pipeline release on disconnect", func() bool { return len(gw.engine.releasedPipelines()) == 1 })
}

func TestUnknownMessageKeepsConnection(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	// Extra fields on an unrecognised id must not mask it; the error names
	// the id the client sent.
	sendJSON(t, sock, `{"id":"bogus","detail":42}`)
	resp := readMessage(t, sock)
	if resp.ID != messageIDError || !strings.Contains(resp.Message, "bogus") {
		t.Fatalf("unexpected response %+v", resp)
	}

	// Connection survives the protocol error.
	sendJSON(t, sock, `{"id":"start","sdpOffer":"v=0 offer"}`)
	if resp := readMessage(t, sock); resp.ID != messageIDStartResponse {
		t.Fatalf("id=%q", resp.ID)
	}
}

func TestBinaryFrameClosesConnection(t *testing.T) {
	gw := newTestGateway(t, nil)
	sock := dialGateway(t, gw)

	if err := sock.WriteMessage(websocket.BinaryMessage, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := sock.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Fatalf("err=%v, want close %d", err, websocket.CloseUnsupportedData)
	}
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.MaxSignalingMessageBytes = 32
	})
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"start","sdpOffer":"`+strings.Repeat("x", 64)+`"}`)

	_ = sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := sock.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want close %d", err, websocket.CloseMessageTooBig)
	}
}

func TestRateLimitClosesConnection(t *testing.T) {
	gw := newTestGateway(t, func(cfg *config.Config) {
		cfg.MaxSignalingMessagesPerSecond = 1
	})
	sock := dialGateway(t, gw)

	sendJSON(t, sock, `{"id":"stop"}`)
	sendJSON(t, sock, `{"id":"stop"}`)
	sendJSON(t, sock, `{"id":"stop"}`)

	_ = sock.SetReadDeadline(time.Now().Add(5 * time.Second))
	var err error
	for err == nil {
		_, _, err = sock.ReadMessage()
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want close %d", err, websocket.ClosePolicyViolation)
	}
}
