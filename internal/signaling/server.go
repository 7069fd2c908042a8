package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"

	"github.com/ajmedia/signalgw/internal/config"
	"github.com/ajmedia/signalgw/internal/media"
	"github.com/ajmedia/signalgw/internal/metrics"
	"github.com/ajmedia/signalgw/internal/ratelimit"
	"github.com/ajmedia/signalgw/internal/registry"
)

const (
	wsWriteWait    = 1 * time.Second
	releaseTimeout = 5 * time.Second
)

// Per-connection negotiation states.
const (
	stateNew            = "new"
	stateAwaitingAnswer = "awaiting_answer"
	stateNegotiated     = "negotiated"
	stateClosed         = "closed"
)

const (
	eventStart    = "start"
	eventAnswered = "answered"
	eventReset    = "reset"
	eventClose    = "close"
)

// Server accepts per-client signaling WebSockets and runs the negotiation
// protocol against the media engine.
//
// Each connection is handled by its own goroutine and processes messages
// strictly sequentially; engine round trips suspend only the calling
// connection.
type Server struct {
	cfg       config.Config
	registry  *registry.Registry
	pipelines *media.Orchestrator
	metrics   *metrics.Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func NewServer(cfg config.Config, reg *registry.Registry, pipelines *media.Orchestrator, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	origins := newOriginChecker(cfg.AllowedOrigins)
	return &Server{
		cfg:       cfg,
		registry:  reg,
		pipelines: pipelines,
		metrics:   m,
		logger:    logger.With("component", "signaling"),
		upgrader: websocket.Upgrader{
			CheckOrigin: origins.Allow,
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	newConnection(s, sock).run()
}

// connection is the sequential handler for one client. All session-scoped
// operations for the connection's session id flow through here, which is what
// serializes removal against in-flight candidate forwarding.
type connection struct {
	server    *Server
	sock      *websocket.Conn
	sessionID string
	logger    *slog.Logger
	limiter   *ratelimit.TokenBucket
	state     *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func newConnection(s *Server, sock *websocket.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		server:    s,
		sock:      sock,
		sessionID: uuid.NewString(),
		limiter:   ratelimit.NewTokenBucket(nil, int64(s.cfg.MaxSignalingMessagesPerSecond), int64(s.cfg.MaxSignalingMessagesPerSecond)),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.logger = s.logger.With("session_id", c.sessionID)
	c.state = fsm.NewFSM(
		stateNew,
		fsm.Events{
			{Name: eventStart, Src: []string{stateNew}, Dst: stateAwaitingAnswer},
			{Name: eventAnswered, Src: []string{stateAwaitingAnswer}, Dst: stateNegotiated},
			{Name: eventReset, Src: []string{stateAwaitingAnswer}, Dst: stateNew},
			{Name: eventClose, Src: []string{stateNew, stateAwaitingAnswer, stateNegotiated}, Dst: stateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("negotiation state change", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

func (c *connection) run() {
	c.logger.Info("client connected", "remote_addr", c.sock.RemoteAddr().String())
	defer c.close()

	for {
		msgType, reader, err := c.sock.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			c.writeClose(websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !c.limiter.Allow() {
			c.server.metrics.Inc(metrics.MessagesDropped)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		data, err := readLimited(reader, c.server.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.writeClose(websocket.CloseMessageTooBig, "message too large")
			}
			return
		}

		msg, err := parseSignalMessage(data)
		if err != nil {
			c.protocolError("Invalid message: " + err.Error())
			continue
		}

		switch msg.ID {
		case messageIDStart:
			c.handleStart(msg.SDPOffer)
		case messageIDOnIceCandidate:
			c.handleCandidate(*msg.Candidate)
		case messageIDStop:
			c.handleStop()
		default:
			c.protocolError(fmt.Sprintf("Invalid message: %s", msg.ID))
		}
	}
}

// handleStart drives the whole negotiation round: pipeline, endpoint, offer
// processing, queued-candidate replay, registration, answer, then async
// candidate gathering. Any failure releases the partially built pipeline
// before the error reaches the client.
func (c *connection) handleStart(sdpOffer string) {
	if c.state.Current() != stateNew {
		c.protocolError("start already received")
		return
	}
	_ = c.state.Event(c.ctx, eventStart)

	pipelines := c.server.pipelines

	pipeline, err := pipelines.CreatePipeline(c.ctx)
	if err != nil {
		c.startFailed("", err)
		return
	}
	endpoint, err := pipelines.CreateEndpoint(c.ctx, pipeline)
	if err != nil {
		c.startFailed(pipeline, err)
		return
	}
	sdpAnswer, err := pipelines.ProcessOffer(c.ctx, endpoint, sdpOffer)
	if err != nil {
		c.startFailed(pipeline, err)
		return
	}

	if _, err := c.server.registry.Create(c.sessionID, pipeline, endpoint); err != nil {
		c.startFailed(pipeline, err)
		return
	}

	// Replay candidates that arrived before the session existed, in arrival
	// order. The registry queue cannot grow for this id while we are here:
	// only this connection enqueues under this session id.
	for _, cand := range c.server.registry.DrainCandidates(c.sessionID) {
		if err := pipelines.AddCandidate(c.ctx, endpoint, cand); err != nil {
			c.logger.Warn("failed to forward queued candidate", "err", err)
			continue
		}
		c.server.metrics.Inc(metrics.CandidatesForwarded)
	}

	// Subscribe before gathering starts so no discovered candidate is missed.
	pipelines.OnCandidate(endpoint, c.pushCandidate)

	if err := c.writeMessage(startResponseMessage(sdpAnswer)); err != nil {
		return
	}
	_ = c.state.Event(c.ctx, eventAnswered)

	if err := pipelines.GatherCandidates(c.ctx, endpoint); err != nil {
		_ = c.writeMessage(errorMessage(err.Error()))
	}
}

func (c *connection) startFailed(pipeline media.PipelineRef, cause error) {
	if pipeline != "" {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		_ = c.server.pipelines.Release(ctx, pipeline)
		cancel()
	}
	_ = c.state.Event(c.ctx, eventReset)
	_ = c.writeMessage(errorMessage(cause.Error()))
}

func (c *connection) handleCandidate(cand media.Candidate) {
	if sess, ok := c.server.registry.Get(c.sessionID); ok {
		if err := c.server.pipelines.AddCandidate(c.ctx, sess.Endpoint, cand); err != nil {
			_ = c.writeMessage(errorMessage(err.Error()))
			return
		}
		c.server.metrics.Inc(metrics.CandidatesForwarded)
		return
	}
	c.server.registry.EnqueueCandidate(c.sessionID, cand)
}

func (c *connection) handleStop() {
	c.teardownSession()
	if c.state.Current() != stateClosed {
		_ = c.state.Event(c.ctx, eventClose)
	}
}

// close runs when the socket goes away for any reason and performs the same
// cleanup as an explicit stop.
func (c *connection) close() {
	c.handleStop()
	c.cancel()
	c.logger.Info("client disconnected")
}

func (c *connection) teardownSession() {
	if sess, ok := c.server.registry.Get(c.sessionID); ok {
		c.server.pipelines.OnCandidate(sess.Endpoint, nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	c.server.registry.Remove(ctx, c.sessionID)
}

// pushCandidate delivers an engine-discovered candidate to the client. It is
// invoked from the engine client's read loop, decoupled from this
// connection's request/response cycle; the write mutex keeps frames whole.
func (c *connection) pushCandidate(cand media.Candidate) {
	c.server.metrics.Inc(metrics.CandidatesPushed)
	_ = c.writeMessage(iceCandidateMessage(cand))
}

func (c *connection) protocolError(text string) {
	c.server.metrics.Inc(metrics.ProtocolErrors)
	_ = c.writeMessage(errorMessage(text))
}

func (c *connection) writeMessage(msg signalMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.sock.WriteMessage(websocket.TextMessage, payload)
}

func (c *connection) writeClose(code int, reason string) {
	_ = c.sock.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
