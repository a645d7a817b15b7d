// Package hub exposes the terminal and build supervisors to UI clients over
// WebSocket and fans supervisor events out to them.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/peacock0803sz/orthrus/internal/event"
)

const broadcastBuffer = 1024

type Hub struct {
	clients    map[string]*Client
	register   chan *clientRegistration
	unregister chan *Client
	broadcast  chan hubBroadcast
	token      string
	backend    Backend
	log        *slog.Logger
	mu         sync.RWMutex
	ctxWrap    *ctxWrapper
	ctxMu      sync.RWMutex
	running    atomic.Bool
	dropped    atomic.Int64
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client  *Client
	initial []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

func New(token string, backend Backend, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan hubBroadcast, broadcastBuffer),
		token:      token,
		backend:    backend,
		ctxWrap:    &ctxWrapper{ctx: context.Background()},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "hub")
	return h
}

// SetBackend replaces the dispatch target. It must be called before Run and
// before the hub serves any connection.
func (h *Hub) SetBackend(b Backend) {
	h.backend = b
}

func (h *Hub) getContext() context.Context {
	h.ctxMu.RLock()
	defer h.ctxMu.RUnlock()
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxMu.Lock()
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.ctxMu.Unlock()
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.clients {
				c.closeSend()
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			if reg.initial != nil {
				reg.client.enqueue(reg.initial)
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			h.log.Info("client connected", "client_id", reg.client.id, "total", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.log.Info("client disconnected", "client_id", client.id, "total", h.ClientCount())

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

func (h *Hub) broadcastToClients(msg hubBroadcast) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wantsSession(msg.sessionID) {
			continue
		}
		if !c.enqueue(msg.data) {
			h.log.Warn("client send buffer full, dropping message", "client_id", c.id, "session_id", msg.sessionID)
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept error", "error", err)
		return
	}

	client := newClient(conn, h)
	initial, err := json.Marshal(h.snapshot())
	if err != nil {
		h.log.Warn("failed to marshal session snapshot", "error", err)
		initial = nil
	}

	select {
	case h.register <- &clientRegistration{client: client, initial: initial}:
	default:
		h.log.Warn("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
		return
	}
}

// Emit implements event.Sink. It never blocks; events are dropped when the
// broadcast queue is full.
func (h *Hub) Emit(e event.Event) {
	data, err := json.Marshal(newEventMessage(e))
	if err != nil {
		h.log.Warn("failed to marshal event", "type", e.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- hubBroadcast{data: data, sessionID: e.SessionID}:
	default:
		if n := h.dropped.Add(1); n == 1 || n%100 == 0 {
			h.log.Warn("broadcast channel full, dropping events", "dropped", n)
		}
	}
}

func (h *Hub) reply(c *Client, res ResultMessage) {
	data, err := json.Marshal(res)
	if err != nil {
		h.log.Warn("failed to marshal result", "error", err)
		return
	}
	if !c.enqueue(data) {
		h.log.Warn("client send buffer full, dropping result", "client_id", c.id, "request_id", res.ID)
	}
}

func (h *Hub) SendError(client *Client, message string) {
	data, err := json.Marshal(ErrorMessage{Type: "error", Message: message})
	if err != nil {
		return
	}
	client.enqueue(data)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		h.log.Warn("unregister channel full, forcing close", "client_id", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

var _ event.Sink = (*Hub)(nil)
