package live

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"newsbeat/internal/eventbus"
	logx "newsbeat/pkg/logx"
)

type HubConfig struct {
	// AllowedOrigins lists accepted Origin headers. "*" accepts any origin;
	// an empty list accepts only same-host requests.
	AllowedOrigins []string
	MaxClients     int // 0 means unlimited
}

// Hub broadcasts every published message to all connected WebSocket clients.
type Hub struct {
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
	max   int

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*clientWriter
	closed  bool
}

func NewHub(cfg HubConfig, log logx.Logger, bus eventbus.Bus, clock clockwork.Clock) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	h := &Hub{
		log:     log.With(logx.String("comp", "live")),
		bus:     bus,
		clock:   clock,
		max:     cfg.MaxClients,
		clients: map[string]*clientWriter{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		// gorilla's default same-host check
		return nil
	}
	set := map[string]struct{}{}
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[strings.ToLower(o)] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// ServeHTTP upgrades the request and blocks until the client goes away.
// Incoming messages are read and discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	full := h.max > 0 && len(h.clients) >= h.max
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "too many live clients", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug("websocket upgrade failed", logx.String("remote", r.RemoteAddr), logx.Err(err))
		return
	}

	cw := newClientWriter(uuid.NewString(), r.RemoteAddr, conn, h.clock)
	if !h.register(cw) {
		cw.stop("shutting down")
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		cw.extendReadDeadline()
	}
	h.unregister(cw, "client closed")
}

func (h *Hub) register(cw *clientWriter) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[cw.id] = cw
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Debug("live client connected", logx.String("client", cw.id), logx.String("remote", cw.remote), logx.Int("clients", n))
	h.emit(eventbus.LiveConnected, ClientEvent{ID: cw.id, Remote: cw.remote, Clients: n})
	return true
}

func (h *Hub) unregister(cw *clientWriter, reason string) {
	h.mu.Lock()
	_, ok := h.clients[cw.id]
	delete(h.clients, cw.id)
	n := len(h.clients)
	h.mu.Unlock()

	cw.stop(reason)
	if !ok {
		return
	}
	h.log.Debug("live client disconnected", logx.String("client", cw.id), logx.String("reason", reason), logx.Int("clients", n))
	h.emit(eventbus.LiveDisconnected, ClientEvent{ID: cw.id, Remote: cw.remote, Clients: n, Reason: reason})
}

// Publish queues the message for every client without blocking. Clients whose
// buffer is full are disconnected.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encode(topic, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	var slow []*clientWriter
	for _, cw := range h.clients {
		if !cw.enqueue(msg) {
			slow = append(slow, cw)
		}
	}
	h.mu.Unlock()

	for _, cw := range slow {
		h.log.Warn("disconnecting slow live client", logx.String("client", cw.id))
		go h.unregister(cw, "too slow")
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*clientWriter, 0, len(h.clients))
	for id, cw := range h.clients {
		clients = append(clients, cw)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, cw := range clients {
		cw.stop("server shutting down")
	}
	h.log.Info("live hub closed", logx.Int("disconnected", len(clients)))
}

func (h *Hub) emit(typ string, data ClientEvent) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Time: h.clock.Now(), Data: data})
}
