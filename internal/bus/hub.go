package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultRequestTimeout bounds a routed request when the caller sets
	// no explicit deadline.
	DefaultRequestTimeout = 300 * time.Second

	hubPingInterval   = 15 * time.Second
	hubMaxMissedPings = 3
	hubWriteWait      = 10 * time.Second
	hubMaxPayload     = 8 << 20
	hubSendBuffer     = 256
)

// HubConfig configures the gateway hub.
type HubConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9000".
	Addr string

	// PingInterval overrides the liveness ping cadence.
	PingInterval time.Duration

	// MaxMissedPings is how many unanswered pings drop a connection.
	MaxMissedPings int

	Logger *slog.Logger
}

// Hub is the gateway: service registry, method router, event bus, and
// request-timeout manager. One hub runs per data directory, enforced by the
// process lock in lock.go.
type Hub struct {
	cfg      HubConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	conns   map[*hubConn]struct{}
	methods map[string]*hubConn          // method name -> owning connection
	subs    map[string]map[*hubConn]bool // event name -> subscribers

	fwdSeq atomic.Uint64
	closed atomic.Bool
}

// hubConn is one registered service connection. All writes to the socket go
// through the send channel so per-subscriber event order is publication
// order.
type hubConn struct {
	hub     *Hub
	ws      *websocket.Conn
	send    chan Frame
	done    chan struct{}
	service string

	mu      sync.Mutex
	serving map[string]*pendingRoute // forwarded id -> originating caller
	reg     *Registration
}

// pendingRoute tracks a request the hub forwarded to a responder.
type pendingRoute struct {
	caller *hubConn
	origID string
	method string
	timer  *time.Timer
}

// NewHub creates a hub. Call Start to begin accepting connections.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9000"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = hubPingInterval
	}
	if cfg.MaxMissedPings <= 0 {
		cfg.MaxMissedPings = hubMaxMissedPings
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:   make(map[*hubConn]struct{}),
		methods: make(map[string]*hubConn),
		subs:    make(map[string]map[*hubConn]bool),
	}
}

// Start binds the listen socket and serves connections until Shutdown.
func (h *Hub) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return Errorf(CodeFatal, "gateway listen %s: %v", h.cfg.Addr, err)
	}
	h.listener = ln
	h.server = &http.Server{Handler: mux}

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("hub serve failed", "error", err)
		}
	}()
	h.logger.Info("gateway hub listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.cfg.Addr
	}
	return h.listener.Addr().String()
}

// Shutdown closes all connections and stops the listener.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.closed.Store(true)
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	if h.server != nil {
		return h.server.Shutdown(ctx)
	}
	return nil
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &hubConn{
		hub:     h,
		ws:      ws,
		send:    make(chan Frame, hubSendBuffer),
		done:    make(chan struct{}),
		serving: make(map[string]*pendingRoute),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	c.readPump()
}

// register installs a connection's method and subscription tables. Method
// names already owned by another live connection fail the whole
// registration.
func (h *Hub) register(c *hubConn, reg *Registration) *Error {
	if reg.Service == "" {
		return Errorf(CodeInvalidArgument, "registration requires a service name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range reg.Methods {
		if owner, ok := h.methods[m]; ok && owner != c {
			return Errorf(CodeAlreadyExists, "method %s already registered by service %s", m, owner.service)
		}
	}

	h.dropRegistrationLocked(c)
	c.service = reg.Service
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
	for _, m := range reg.Methods {
		h.methods[m] = c
	}
	for _, e := range reg.Subscriptions {
		set := h.subs[e]
		if set == nil {
			set = make(map[*hubConn]bool)
			h.subs[e] = set
		}
		set[c] = true
	}
	h.logger.Info("service registered",
		"service", reg.Service,
		"methods", len(reg.Methods),
		"subscriptions", len(reg.Subscriptions))
	return nil
}

func (h *Hub) dropRegistrationLocked(c *hubConn) {
	for m, owner := range h.methods {
		if owner == c {
			delete(h.methods, m)
		}
	}
	for e, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, e)
		}
	}
}

// unregister removes a dead connection and fails everything routed through
// it with Disconnected.
func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.dropRegistrationLocked(c)
	h.mu.Unlock()

	c.mu.Lock()
	serving := c.serving
	c.serving = make(map[string]*pendingRoute)
	c.mu.Unlock()
	for _, route := range serving {
		route.timer.Stop()
		route.caller.enqueue(Frame{
			Kind:  KindResponse,
			ID:    route.origID,
			Error: Errorf(CodeDisconnected, "service %s disconnected while handling %s", c.service, route.method),
		})
	}
	if c.service != "" {
		h.logger.Info("service disconnected", "service", c.service)
	}
}

// route forwards a request frame from caller to the method's owner and arms
// its deadline. The forwarded frame carries a hub-scoped id so responses
// from distinct callers can never collide at the responder.
func (h *Hub) route(caller *hubConn, f Frame) {
	h.mu.Lock()
	target, ok := h.methods[f.Method]
	h.mu.Unlock()
	if !ok {
		caller.enqueue(Frame{
			Kind:  KindResponse,
			ID:    f.ID,
			Error: Errorf(CodeNoRoute, "no service registered for method %s", f.Method),
		})
		return
	}

	timeout := DefaultRequestTimeout
	if f.TimeoutMs > 0 {
		timeout = time.Duration(f.TimeoutMs) * time.Millisecond
	}

	fwdID := fmt.Sprintf("g-%d", h.fwdSeq.Add(1))
	route := &pendingRoute{caller: caller, origID: f.ID, method: f.Method}
	route.timer = time.AfterFunc(timeout, func() {
		target.mu.Lock()
		_, live := target.serving[fwdID]
		delete(target.serving, fwdID)
		target.mu.Unlock()
		if !live {
			return
		}
		caller.enqueue(Frame{
			Kind:  KindResponse,
			ID:    f.ID,
			Error: Errorf(CodeTimeout, "request %s timed out after %s", f.Method, timeout),
		})
	})

	target.mu.Lock()
	target.serving[fwdID] = route
	target.mu.Unlock()

	fwd := f
	fwd.ID = fwdID
	target.enqueue(fwd)
}

// respond returns a responder's answer to the original caller. Late
// responses for timed-out or disconnected requests are discarded.
func (h *Hub) respond(responder *hubConn, f Frame) {
	responder.mu.Lock()
	route, ok := responder.serving[f.ID]
	delete(responder.serving, f.ID)
	responder.mu.Unlock()
	if !ok {
		return
	}
	route.timer.Stop()
	f.ID = route.origID
	route.caller.enqueue(f)
}

// publish fans an event out to every subscriber. Delivery is best-effort
// per subscriber; a full or dead subscriber never affects its peers.
func (h *Hub) publish(f Frame) {
	h.mu.Lock()
	targets := make([]*hubConn, 0, len(h.subs[f.Name]))
	for c := range h.subs[f.Name] {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.enqueue(f)
	}
}

// inspect answers the hub's own gateway.inspect method.
func (h *Hub) inspect() json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	type serviceInfo struct {
		Service       string   `json:"service"`
		Version       string   `json:"version,omitempty"`
		Methods       []string `json:"methods,omitempty"`
		Subscriptions []string `json:"subscriptions,omitempty"`
	}
	var services []serviceInfo
	for c := range h.conns {
		c.mu.Lock()
		reg := c.reg
		c.mu.Unlock()
		if reg == nil {
			continue
		}
		services = append(services, serviceInfo{
			Service:       reg.Service,
			Version:       reg.Version,
			Methods:       reg.Methods,
			Subscriptions: reg.Subscriptions,
		})
	}
	out, _ := json.Marshal(map[string]any{"services": services})
	return out
}

// handleControl serves the hub's own gateway.* methods in place of routing.
// Returns false when the method is not a hub method.
func (h *Hub) handleControl(c *hubConn, f Frame) bool {
	switch f.Method {
	case "gateway.register":
		var reg Registration
		if err := json.Unmarshal(f.Params, &reg); err != nil {
			c.enqueue(Frame{Kind: KindResponse, ID: f.ID, Error: Errorf(CodeInvalidArgument, "bad registration: %v", err)})
			return true
		}
		if rerr := h.register(c, &reg); rerr != nil {
			c.enqueue(Frame{Kind: KindResponse, ID: f.ID, Error: rerr})
			return true
		}
		c.enqueue(Frame{Kind: KindResponse, ID: f.ID, Result: json.RawMessage(`{"ok":true}`)})
		return true
	case "gateway.inspect":
		c.enqueue(Frame{Kind: KindResponse, ID: f.ID, Result: h.inspect()})
		return true
	}
	return false
}

func (c *hubConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	pongWait := time.Duration(c.hub.cfg.MaxMissedPings) * c.hub.cfg.PingInterval
	c.ws.SetReadLimit(hubMaxPayload)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.logger.Warn("dropping malformed frame", "service", c.service, "error", err)
			continue
		}
		switch f.Kind {
		case KindRegister:
			reg := &Registration{
				Service:       f.Service,
				Version:       f.Version,
				Methods:       f.Methods,
				Events:        f.Events,
				Subscriptions: f.Subscriptions,
			}
			if rerr := c.hub.register(c, reg); rerr != nil {
				c.hub.logger.Warn("registration rejected", "service", reg.Service, "error", rerr)
			}
		case KindRequest:
			if !c.hub.handleControl(c, f) {
				c.hub.route(c, f)
			}
		case KindResponse:
			c.hub.respond(c, f)
		case KindEvent:
			c.hub.publish(f)
		default:
			c.hub.logger.Warn("dropping frame with unknown kind", "kind", f.Kind)
		}
	}
}

func (c *hubConn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue hands a frame to the connection's writer. A subscriber that falls
// more than a full send buffer behind loses the frame rather than stalling
// the publisher.
func (c *hubConn) enqueue(f Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		c.hub.logger.Warn("send buffer full, dropping frame",
			"service", c.service, "kind", f.Kind, "method", f.Method, "event", f.Name)
	}
}

func (c *hubConn) close() {
	c.mu.Lock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.mu.Unlock()
	_ = c.ws.Close()
}
