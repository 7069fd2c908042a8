package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const engineWriteWait = 5 * time.Second

// ErrEngineClosed is returned for calls issued, or still in flight, after the
// engine connection has gone away.
var ErrEngineClosed = errors.New("media engine connection closed")

// Client speaks JSON-RPC 2.0 to the media engine over a single WebSocket.
//
// Calls are correlated by request id. Candidate discovery events arrive as
// `onCandidate` notifications and are dispatched to the callback registered
// for the event's endpoint. A connection-level failure fails every pending
// call with ErrEngineClosed.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration
	logger      *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	nextID      uint64
	pending     map[uint64]chan rpcResponse
	subscribers map[EndpointRef]func(Candidate)
	closed      bool

	done chan struct{}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage
	Err    error
}

// rpcEnvelope covers both call responses (ID set) and event notifications
// (Method set).
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type candidateEvent struct {
	Endpoint  EndpointRef `json:"endpoint"`
	Candidate Candidate   `json:"candidate"`
}

// Dial connects to the media engine's control WebSocket.
func Dial(ctx context.Context, url string, callTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial media engine %s: %w", url, err)
	}
	return NewClient(conn, callTimeout, logger), nil
}

// NewClient wraps an established engine connection. It takes ownership of
// conn and starts the read loop.
func NewClient(conn *websocket.Conn, callTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:        conn,
		callTimeout: callTimeout,
		logger:      logger.With("component", "engine_client"),
		pending:     make(map[uint64]chan rpcResponse),
		subscribers: make(map[EndpointRef]func(Candidate)),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the engine connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() error {
	c.poison()
	return c.conn.Close()
}

func (c *Client) CreatePipeline(ctx context.Context) (PipelineRef, error) {
	var out struct {
		Pipeline PipelineRef `json:"pipeline"`
	}
	if err := c.call(ctx, "createPipeline", nil, &out); err != nil {
		return "", err
	}
	return out.Pipeline, nil
}

func (c *Client) CreateEndpoint(ctx context.Context, pipeline PipelineRef) (EndpointRef, error) {
	params := map[string]any{"pipeline": pipeline}
	var out struct {
		Endpoint EndpointRef `json:"endpoint"`
	}
	if err := c.call(ctx, "createEndpoint", params, &out); err != nil {
		return "", err
	}
	return out.Endpoint, nil
}

func (c *Client) ProcessOffer(ctx context.Context, endpoint EndpointRef, sdpOffer string) (string, error) {
	params := map[string]any{"endpoint": endpoint, "sdpOffer": sdpOffer}
	var out struct {
		SDPAnswer string `json:"sdpAnswer"`
	}
	if err := c.call(ctx, "processOffer", params, &out); err != nil {
		return "", err
	}
	return out.SDPAnswer, nil
}

func (c *Client) GatherCandidates(ctx context.Context, endpoint EndpointRef) error {
	return c.call(ctx, "gatherCandidates", map[string]any{"endpoint": endpoint}, nil)
}

func (c *Client) AddCandidate(ctx context.Context, endpoint EndpointRef, cand Candidate) error {
	params := map[string]any{"endpoint": endpoint, "candidate": cand}
	return c.call(ctx, "addCandidate", params, nil)
}

func (c *Client) ConnectElements(ctx context.Context, a, b ElementRef, bidirectional bool) error {
	params := map[string]any{"from": a, "to": b, "bidirectional": bidirectional}
	return c.call(ctx, "connectElements", params, nil)
}

func (c *Client) Release(ctx context.Context, pipeline PipelineRef) error {
	return c.call(ctx, "release", map[string]any{"pipeline": pipeline}, nil)
}

// OnCandidate registers fn for candidate notifications on endpoint. A nil fn
// removes the registration.
func (c *Client) OnCandidate(endpoint EndpointRef, fn func(Candidate)) {
	c.mu.Lock()
	if fn == nil {
		delete(c.subscribers, endpoint)
	} else {
		c.subscribers[endpoint] = fn
	}
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrEngineClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(engineWriteWait))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return fmt.Errorf("%s: %w", method, resp.Err)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.dropPending(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	defer c.poison()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("discarding unparseable engine frame", "err", err)
			continue
		}

		switch {
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			delete(c.pending, *env.ID)
			c.mu.Unlock()
			if !ok {
				continue
			}
			if env.Error != nil {
				ch <- rpcResponse{Err: env.Error}
			} else {
				ch <- rpcResponse{Result: env.Result}
			}
		case env.Method == "onCandidate":
			var ev candidateEvent
			if err := json.Unmarshal(env.Params, &ev); err != nil {
				c.logger.Warn("discarding malformed candidate event", "err", err)
				continue
			}
			c.mu.Lock()
			fn := c.subscribers[ev.Endpoint]
			c.mu.Unlock()
			if fn != nil {
				fn(ev.Candidate)
			}
		default:
			c.logger.Debug("ignoring engine notification", "method", env.Method)
		}
	}
}

// poison fails every pending call and rejects future ones.
func (c *Client) poison() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan rpcResponse)
	c.subscribers = make(map[EndpointRef]func(Candidate))
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResponse{Err: ErrEngineClosed}
	}
	close(c.done)
}
