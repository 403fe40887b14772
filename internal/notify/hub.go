// Package notify delivers best-effort push events to users over a single
// websocket connection per user.
package notify

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/fcastrocs/steamidler/internal/domain"
	"github.com/fcastrocs/steamidler/internal/metrics"
)

const (
	writeTimeout   = 5 * time.Second
	sendBufferSize = 32
)

// Event is the wire shape of one notification.
type Event struct {
	Route   string            `json:"route"`
	Kind    domain.NotifyKind `json:"kind"`
	Payload any               `json:"payload,omitempty"`
}

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	userID uuid.UUID
	conn   *websocket.Conn
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	userID uuid.UUID
	conn   *websocket.Conn
}

func (cmdUnregister) hubCmd() {}

type cmdSend struct {
	userID uuid.UUID
	data   []byte
}

func (cmdSend) hubCmd() {}

type cmdPong struct {
	userID uuid.UUID
}

func (cmdPong) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// --- Per-connection writer ---

type clientWriter struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
}

func newClientWriter(conn *websocket.Conn) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	cw.conn.Close()
}

// --- Hub ---

type client struct {
	conn         *websocket.Conn
	writer       *clientWriter
	awaitingPong bool
}

// Hub maintains at most one active connection per user id. A new
// connection for a user forcibly replaces any prior one. A periodic probe
// pings every connection; missing the acknowledgement window gets the
// connection evicted.
type Hub struct {
	cmdCh        chan hubCmd
	clock        clockwork.Clock
	pingInterval time.Duration
	clients      map[uuid.UUID]*client
}

var _ domain.Notifier = (*Hub)(nil)

func NewHub(clock clockwork.Clock, pingInterval time.Duration) *Hub {
	h := &Hub{
		cmdCh:        make(chan hubCmd, 256),
		clock:        clock,
		pingInterval: pingInterval,
		clients:      make(map[uuid.UUID]*client),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	ticker := h.clock.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case cmdRegister:
				h.handleRegister(c)
			case cmdUnregister:
				h.handleUnregister(c)
			case cmdSend:
				h.handleSend(c)
			case cmdPong:
				if cl, exists := h.clients[c.userID]; exists {
					cl.awaitingPong = false
				}
			case cmdStop:
				h.handleStop()
				return
			}
		case <-ticker.Chan():
			h.probe()
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	// Single-writer invariant: a user only ever listens from one place.
	if prior, exists := h.clients[c.userID]; exists {
		prior.writer.stop()
		slog.Info("Replaced notification connection", "user_id", c.userID.String())
	}
	h.clients[c.userID] = &client{conn: c.conn, writer: newClientWriter(c.conn)}
	metrics.NotifyClientsConnected.Set(float64(len(h.clients)))
}

func (h *Hub) handleUnregister(c cmdUnregister) {
	current, exists := h.clients[c.userID]
	if !exists || current.conn != c.conn {
		// A replacement already happened; leave the fresh connection alone.
		return
	}
	current.writer.stop()
	delete(h.clients, c.userID)
	metrics.NotifyClientsConnected.Set(float64(len(h.clients)))
}

func (h *Hub) handleSend(c cmdSend) {
	cl, exists := h.clients[c.userID]
	if !exists {
		// Notifications are advisory, not transactional.
		metrics.NotifySendsTotal.WithLabelValues("dropped").Inc()
		return
	}

	select {
	case cl.writer.sendCh <- c.data:
		metrics.NotifySendsTotal.WithLabelValues("delivered").Inc()
	default:
		// Slow client: evict rather than block the hub.
		slog.Warn("Evicting slow notification client", "user_id", c.userID.String())
		cl.writer.stop()
		delete(h.clients, c.userID)
		metrics.NotifyClientsConnected.Set(float64(len(h.clients)))
		metrics.NotifySendsTotal.WithLabelValues("dropped").Inc()
	}
}

func (h *Hub) probe() {
	for userID, cl := range h.clients {
		if cl.awaitingPong {
			// No acknowledgement within one probe interval: presumed dead.
			slog.Info("Evicting unresponsive notification client", "user_id", userID.String())
			cl.writer.stop()
			delete(h.clients, userID)
			metrics.NotifyEvictionsTotal.Inc()
			continue
		}
		cl.awaitingPong = true
		_ = cl.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
	}
	metrics.NotifyClientsConnected.Set(float64(len(h.clients)))
}

func (h *Hub) handleStop() {
	for userID, cl := range h.clients {
		cl.writer.stop()
		delete(h.clients, userID)
	}
	metrics.NotifyClientsConnected.Set(0)
}

// --- Public API ---

// Register attaches conn as the user's single notification connection,
// replacing any prior one.
func (h *Hub) Register(userID uuid.UUID, conn *websocket.Conn) {
	h.cmdCh <- cmdRegister{userID: userID, conn: conn}
}

// Unregister detaches conn if it is still the user's current connection.
func (h *Hub) Unregister(userID uuid.UUID, conn *websocket.Conn) {
	h.cmdCh <- cmdUnregister{userID: userID, conn: conn}
}

// Pong records a liveness acknowledgement from the user's connection.
func (h *Hub) Pong(userID uuid.UUID) {
	h.cmdCh <- cmdPong{userID: userID}
}

// Send delivers a fire-and-forget event to the user's connection, if any.
func (h *Hub) Send(userID uuid.UUID, route string, kind domain.NotifyKind, payload any) {
	data, err := json.Marshal(Event{Route: route, Kind: kind, Payload: payload})
	if err != nil {
		slog.Error("Failed to marshal notification", "route", route, "error", err)
		return
	}
	h.cmdCh <- cmdSend{userID: userID, data: data}
}

// Stop tears down all connections and exits the hub loop.
func (h *Hub) Stop() {
	h.cmdCh <- cmdStop{}
}
