package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MethodHandler serves one inbound request. Returning a *Error preserves
// its classification; any other error is wrapped as CodeInternal.
type MethodHandler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// EventHandler consumes one inbound event. Handlers run sequentially on
// the client's event worker, preserving each publisher's publication
// order; panics are recovered and logged, never propagated.
type EventHandler func(name string, payload json.RawMessage)

// ClientConfig configures a service client.
type ClientConfig struct {
	// URL is the hub endpoint, e.g. "ws://127.0.0.1:9000/ws".
	URL string

	Registration Registration

	OnMethod MethodHandler
	OnEvent  EventHandler

	// ReconnectBase and ReconnectMax bound the dial backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	Logger *slog.Logger
}

// Client is the base every service extends: it opens the transport, sends
// gateway.register on each (re)open, queues outbound frames while
// disconnected, dispatches inbound requests and events, and provides Call
// and Emit.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	outbox    []Frame
	pending   map[string]chan Frame
	closed    bool
	writeMu   sync.Mutex

	reqSeq atomic.Uint64
	events chan Frame
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewClient creates a client. Call Connect to open the transport.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 2 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With("service", cfg.Registration.Service),
		pending: make(map[string]chan Frame),
		events:  make(chan Frame, 256),
		stop:    make(chan struct{}),
	}
}

// Service returns the registered service name.
func (c *Client) Service() string { return c.cfg.Registration.Service }

// Connect dials the hub, registers, and starts the reconnect loop. It
// blocks until the first connection attempt resolves so callers fail fast
// on an unreachable hub.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.wg.Add(2)
	go c.reconnectLoop()
	go c.eventLoop()
	return nil
}

// Close stops the client and fails any in-flight calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.stop)
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	c.wg.Wait()
	c.failPending(Errorf(CodeDisconnected, "client closed"))
}

// Call issues a request and waits for its response, the request deadline,
// or ctx cancellation, whichever comes first.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	raw, err := marshalParams(params)
	if err != nil {
		return nil, Errorf(CodeInvalidArgument, "marshal params for %s: %v", method, err)
	}

	id := fmt.Sprintf("%s-%d", c.cfg.Registration.Service, c.reqSeq.Add(1))
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, Errorf(CodeDisconnected, "client closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.send(Frame{
		Kind:      KindRequest,
		ID:        id,
		Method:    method,
		Params:    raw,
		TimeoutMs: timeout.Milliseconds(),
	})

	timer := time.NewTimer(timeout + time.Second)
	defer timer.Stop()
	select {
	case f := <-ch:
		if f.Error != nil {
			return nil, f.Error
		}
		return f.Result, nil
	case <-timer.C:
		return nil, Errorf(CodeTimeout, "request %s timed out after %s", method, timeout)
	case <-ctx.Done():
		return nil, Errorf(CodeDisconnected, "request %s canceled: %v", method, ctx.Err())
	}
}

// CallInto is Call plus unmarshaling of the result.
func (c *Client) CallInto(ctx context.Context, method string, params, out any, timeout time.Duration) error {
	raw, err := c.Call(ctx, method, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Errorf(CodeInternal, "decode %s result: %v", method, err)
	}
	return nil
}

// Emit publishes an event. Events queue while disconnected and flush on
// reconnect.
func (c *Client) Emit(event string, payload any) error {
	raw, err := marshalParams(payload)
	if err != nil {
		return Errorf(CodeInvalidArgument, "marshal payload for %s: %v", event, err)
	}
	c.send(Frame{Kind: KindEvent, Name: event, Payload: raw})
	return nil
}

// send writes a frame or queues it for the next reconnect flush.
func (c *Client) send(f Frame) {
	c.mu.Lock()
	ws := c.ws
	connected := c.connected
	if !connected || ws == nil {
		c.outbox = append(c.outbox, f)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		c.outbox = append(c.outbox, f)
		c.mu.Unlock()
	}
}

// dial opens the socket, registers, flushes the outbox, and starts the read
// pump for this connection.
func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return Errorf(CodeDisconnected, "dial gateway %s: %v", c.cfg.URL, err)
	}
	ws.SetPingHandler(func(appData string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	regParams, _ := json.Marshal(c.cfg.Registration)
	regID := fmt.Sprintf("%s-reg-%d", c.cfg.Registration.Service, c.reqSeq.Add(1))
	regCh := make(chan Frame, 1)

	c.mu.Lock()
	c.ws = ws
	c.pending[regID] = regCh
	c.mu.Unlock()

	c.writeMu.Lock()
	err = ws.WriteJSON(Frame{Kind: KindRequest, ID: regID, Method: "gateway.register", Params: regParams})
	c.writeMu.Unlock()
	if err != nil {
		_ = ws.Close()
		return Errorf(CodeDisconnected, "register: %v", err)
	}

	c.wg.Add(1)
	go c.readPump(ws)

	select {
	case f := <-regCh:
		c.mu.Lock()
		delete(c.pending, regID)
		c.mu.Unlock()
		if f.Error != nil {
			_ = ws.Close()
			return f.Error
		}
	case <-time.After(10 * time.Second):
		_ = ws.Close()
		return Errorf(CodeTimeout, "registration timed out")
	case <-ctx.Done():
		_ = ws.Close()
		return ctx.Err()
	}

	c.mu.Lock()
	c.connected = true
	queued := c.outbox
	c.outbox = nil
	c.mu.Unlock()
	for _, f := range queued {
		c.send(f)
	}
	c.logger.Debug("connected to gateway", "url", c.cfg.URL)
	return nil
}

func (c *Client) readPump(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			if c.ws == ws {
				c.ws = nil
				c.connected = false
			}
			c.mu.Unlock()
			return
		}
		switch f.Kind {
		case KindResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case KindRequest:
			go c.dispatchRequest(f)
		case KindEvent:
			// Events go through one ordered worker so each publisher's
			// events are handled in publication order; per-event
			// goroutines would let the scheduler reorder them.
			select {
			case c.events <- f:
			case <-c.stop:
			default:
				c.logger.Warn("event buffer full, dropping event", "event", f.Name)
			}
		}
	}
}

// eventLoop is the single consumer of inbound events. Handlers run
// sequentially; panics are recovered inside dispatchEvent.
func (c *Client) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case f := <-c.events:
			c.dispatchEvent(f)
		}
	}
}

func (c *Client) dispatchRequest(f Frame) {
	resp := Frame{Kind: KindResponse, ID: f.ID}
	if c.cfg.OnMethod == nil {
		resp.Error = Errorf(CodeNoRoute, "service %s handles no methods", c.cfg.Registration.Service)
		c.send(resp)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("method handler panicked", "method", f.Method, "panic", r)
			resp.Error = Errorf(CodeInternal, "handler panic in %s", f.Method)
			c.send(resp)
		}
	}()

	result, err := c.cfg.OnMethod(context.Background(), f.Method, f.Params)
	if err != nil {
		resp.Error = AsError(err)
	} else if raw, merr := marshalParams(result); merr != nil {
		resp.Error = Errorf(CodeInternal, "marshal %s result: %v", f.Method, merr)
	} else {
		resp.Result = raw
	}
	c.send(resp)
}

func (c *Client) dispatchEvent(f Frame) {
	if c.cfg.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", "event", f.Name, "panic", r)
		}
	}()
	c.cfg.OnEvent(f.Name, f.Payload)
}

// reconnectLoop re-dials with exponential backoff after an unexpected
// disconnect. Pending calls from the dropped connection fail with
// Disconnected; queued frames flush once the new connection registers.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	attempt := 0
	for {
		select {
		case <-c.stop:
			return
		case <-time.After(250 * time.Millisecond):
		}

		c.mu.Lock()
		connected := c.connected && c.ws != nil
		c.mu.Unlock()
		if connected {
			attempt = 0
			continue
		}

		c.failPending(Errorf(CodeDisconnected, "gateway connection lost"))

		delay := c.cfg.ReconnectBase << attempt
		if delay > c.cfg.ReconnectMax || delay <= 0 {
			delay = c.cfg.ReconnectMax
		}
		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			attempt++
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}
		attempt = 0
	}
}

func (c *Client) failPending(e *Error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Frame)
	c.mu.Unlock()
	for id, ch := range pending {
		select {
		case ch <- Frame{Kind: KindResponse, ID: id, Error: e}:
		default:
		}
	}
}
