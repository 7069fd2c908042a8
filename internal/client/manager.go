// Package client implements the browser-equivalent side of the signaling
// protocol: a hybrid connection that negotiates a direct WebRTC data channel
// through the signaling WebSocket and falls back to relaying payloads over
// that WebSocket when the direct path is unavailable.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
)

const defaultDataChannelLabel = "data"

var (
	// ErrConnectTimeout is returned when no terminal connection state is
	// reached within the configured establishment timeout.
	ErrConnectTimeout = errors.New("connection establishment timed out")

	// ErrAlreadyConnected is returned when Connect is called while a previous
	// connection attempt is still live.
	ErrAlreadyConnected = errors.New("already connected")
)

type Config struct {
	SignalingURL     string
	ICEServers       []webrtc.ICEServer
	ConnectTimeout   time.Duration
	RetryBaseDelay   time.Duration
	EnableFallback   bool
	DataChannelLabel string
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = defaultDataChannelLabel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Manager drives one hybrid connection. All exported methods are safe for
// concurrent use; Connect itself must not be called concurrently with
// another Connect.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	state  *fsm.FSM

	dcState atomic.Int32

	onDataMu sync.Mutex
	onData   func([]byte)

	mu                sync.Mutex
	ws                *websocket.Conn
	pc                *webrtc.PeerConnection
	dc                *webrtc.DataChannel
	connectTimer      *time.Timer
	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
	result            chan error

	wsWriteMu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "client"),
	}
	m.state = fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: "dial", Src: []string{string(StateDisconnected), string(StateFailed)}, Dst: string(StateConnecting)},
			{Name: "ws_open", Src: []string{string(StateConnecting)}, Dst: string(StateWebSocketConnected)},
			{Name: "negotiate", Src: []string{string(StateWebSocketConnected)}, Dst: string(StateWebRTCConnecting)},
			{Name: "established", Src: []string{string(StateWebRTCConnecting)}, Dst: string(StateWebRTCConnected)},
			{Name: "fail", Src: []string{
				string(StateConnecting), string(StateWebSocketConnected),
				string(StateWebRTCConnecting), string(StateWebRTCConnected),
			}, Dst: string(StateFailed)},
			{Name: "disconnect", Src: []string{
				string(StateDisconnected), string(StateConnecting), string(StateWebSocketConnected),
				string(StateWebRTCConnecting), string(StateWebRTCConnected), string(StateFailed),
			}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("connection state change", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return m
}

// State returns the current connection state.
func (m *Manager) State() ConnectionState {
	return ConnectionState(m.state.Current())
}

// DataState returns the current data channel state.
func (m *Manager) DataState() DataChannelState {
	return DataChannelState(m.dcState.Load())
}

// OnData registers the callback for payloads received over either path.
func (m *Manager) OnData(fn func([]byte)) {
	m.onDataMu.Lock()
	m.onData = fn
	m.onDataMu.Unlock()
}

// Connect opens the signaling WebSocket and establishes the peer transport.
// The initiator creates the data channel and sends the offer; the responder
// waits for the remote offer and data channel. Connect blocks until the
// transport is established, the establishment timeout expires, or ctx is
// cancelled.
func (m *Manager) Connect(ctx context.Context, isInitiator bool) error {
	switch m.State() {
	case StateDisconnected, StateFailed:
	default:
		return ErrAlreadyConnected
	}
	_ = m.state.Event(ctx, "dial")

	result := make(chan error, 1)
	m.mu.Lock()
	m.result = result
	m.remoteSet = false
	m.pendingCandidates = nil
	m.mu.Unlock()

	timer := time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.finish(ErrConnectTimeout)
	})
	m.mu.Lock()
	m.connectTimer = timer
	m.mu.Unlock()

	if err := m.establish(ctx, isInitiator); err != nil {
		m.finish(err)
	}

	select {
	case err := <-result:
		m.stopConnectTimer()
		if err != nil {
			_ = m.state.Event(ctx, "fail")
			m.teardown()
			return err
		}
		return nil
	case <-ctx.Done():
		m.stopConnectTimer()
		_ = m.state.Event(ctx, "fail")
		m.teardown()
		return ctx.Err()
	}
}

func (m *Manager) establish(ctx context.Context, isInitiator bool) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.SignalingURL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}
	m.mu.Lock()
	m.ws = ws
	m.mu.Unlock()
	_ = m.state.Event(ctx, "ws_open")

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	m.mu.Lock()
	m.pc = pc
	m.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = m.sendSignal(signalMessage{ID: "onIceCandidate", Candidate: candidateFromPion(c.ToJSON())})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.stopConnectTimer()
			_ = m.state.Event(context.Background(), "established")
			m.finish(nil)
		case webrtc.PeerConnectionStateFailed:
			m.transportFailed(errors.New("peer transport failed"))
		}
	})

	if isInitiator {
		dc, err := pc.CreateDataChannel(m.cfg.DataChannelLabel, nil)
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		m.adoptDataChannel(dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			return fmt.Errorf("set local description: %w", err)
		}
		if err := m.sendSignal(signalMessage{ID: "start", SDPOffer: offer.SDP}); err != nil {
			return err
		}
	} else {
		pc.OnDataChannel(m.adoptDataChannel)
	}
	_ = m.state.Event(ctx, "negotiate")

	go m.readLoop(ws)
	return nil
}

func (m *Manager) adoptDataChannel(dc *webrtc.DataChannel) {
	m.mu.Lock()
	m.dc = dc
	m.mu.Unlock()
	m.dcState.Store(int32(DataChannelOpening))

	dc.OnOpen(func() {
		m.logger.Debug("data channel open", "label", dc.Label())
		m.dcState.Store(int32(DataChannelOpen))
	})
	dc.OnClose(func() {
		m.dcState.Store(int32(DataChannelClosed))
	})
	dc.OnError(func(err error) {
		m.logger.Warn("data channel error", "err", err)
		m.dcState.Store(int32(DataChannelFailed))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.deliver(msg.Data)
	})
}

func (m *Manager) readLoop(ws *websocket.Conn) {
	for {
		var msg signalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			m.transportFailed(fmt.Errorf("signaling connection lost: %w", err))
			return
		}

		switch msg.ID {
		case "startResponse":
			m.applyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDPAnswer})
		case "start":
			// Relayed offer from a remote peer (responder role): answer it.
			m.applyRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDPOffer})
			m.answerRemoteOffer()
		case "iceCandidate":
			if msg.Candidate == nil {
				continue
			}
			m.addRemoteCandidate(msg.Candidate.toPion())
		case "error":
			m.logger.Warn("signaling error from server", "message", msg.Message)
			m.finish(fmt.Errorf("signaling error: %s", msg.Message))
		case "data":
			m.deliver(msg.Payload)
		default:
			m.logger.Debug("ignoring unknown signaling message", "message_id", msg.ID)
		}
	}
}

// applyRemoteDescription sets the remote SDP and flushes candidates that
// arrived before it.
func (m *Manager) applyRemoteDescription(desc webrtc.SessionDescription) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		m.finish(fmt.Errorf("set remote description: %w", err))
		return
	}

	m.mu.Lock()
	m.remoteSet = true
	pending := m.pendingCandidates
	m.pendingCandidates = nil
	m.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			m.logger.Warn("failed to add buffered candidate", "err", err)
		}
	}
}

func (m *Manager) answerRemoteOffer() {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.finish(fmt.Errorf("create answer: %w", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.finish(fmt.Errorf("set local description: %w", err))
		return
	}
	_ = m.sendSignal(signalMessage{ID: "startResponse", SDPAnswer: answer.SDP})
}

// addRemoteCandidate buffers candidates that race ahead of the remote
// description; delivery order is preserved.
func (m *Manager) addRemoteCandidate(cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	pc := m.pc
	if pc == nil || !m.remoteSet {
		m.pendingCandidates = append(m.pendingCandidates, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		m.logger.Warn("failed to add remote candidate", "err", err)
	}
}

// SendData sends payload over the direct data channel when it is open,
// falling back to the signaling WebSocket when enabled. It reports success
// as a boolean and never panics on a dead transport.
func (m *Manager) SendData(payload []byte) bool {
	if m.DataState() == DataChannelOpen {
		m.mu.Lock()
		dc := m.dc
		m.mu.Unlock()
		if dc != nil {
			if err := dc.Send(payload); err == nil {
				return true
			}
			m.logger.Warn("data channel send failed, trying fallback")
		}
	}

	if !m.cfg.EnableFallback {
		return false
	}
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return false
	}
	return m.sendSignal(signalMessage{ID: "data", Payload: payload}) == nil
}

// Disconnect closes the data channel, the peer transport and the WebSocket,
// in that order, clears the establishment timer and unconditionally returns
// to StateDisconnected. It is safe to call from any state, repeatedly.
func (m *Manager) Disconnect() {
	m.stopConnectTimer()
	m.finish(errors.New("disconnected"))
	m.teardown()
	_ = m.state.Event(context.Background(), "disconnect")
}

func (m *Manager) teardown() {
	m.mu.Lock()
	dc, pc, ws := m.dc, m.pc, m.ws
	m.dc, m.pc, m.ws = nil, nil, nil
	m.remoteSet = false
	m.pendingCandidates = nil
	m.mu.Unlock()

	if dc != nil {
		_ = dc.Close()
	}
	if pc != nil {
		_ = pc.Close()
	}
	if ws != nil {
		_ = ws.Close()
	}
	m.dcState.Store(int32(DataChannelClosed))
}

func (m *Manager) stopConnectTimer() {
	m.mu.Lock()
	timer := m.connectTimer
	m.connectTimer = nil
	m.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

// transportFailed handles a transport-level loss. During establishment it
// resolves the in-flight Connect, which owns the cleanup; after establishment
// it performs the same teardown as an explicit Disconnect and parks the
// connection in StateFailed.
func (m *Manager) transportFailed(err error) {
	m.stopConnectTimer()
	if m.finish(err) {
		return
	}
	m.logger.Warn("transport lost", "err", err)
	_ = m.state.Event(context.Background(), "fail")
	m.teardown()
}

// finish resolves the in-flight Connect exactly once and reports whether
// there was one to resolve; later results are dropped.
func (m *Manager) finish(err error) bool {
	m.mu.Lock()
	result := m.result
	m.result = nil
	m.mu.Unlock()
	if result == nil {
		return false
	}
	result <- err
	return true
}

func (m *Manager) deliver(payload []byte) {
	m.onDataMu.Lock()
	fn := m.onData
	m.onDataMu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (m *Manager) sendSignal(msg signalMessage) error {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return errors.New("signaling connection not open")
	}
	m.wsWriteMu.Lock()
	defer m.wsWriteMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteJSON(msg)
}
