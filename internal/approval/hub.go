// Package approval connects an agent's owner to its inbound traffic. Owner
// consoles attach over WebSocket, receive approval requests for senders
// under approval-mode access control, and answer them with decisions. The
// same connection carries a feed of accepted messages.
package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Frame types.
const (
	TypeConnection       = "connection"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalResolved = "approval_resolved"
	TypeDecision         = "decision"
	TypeEvent            = "event"
)

// Frame is the envelope for everything exchanged with an owner console.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Request   *access.Request `json:"request,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Approve   *bool           `json:"approve,omitempty"`
	Event     *exchange.Event `json:"event,omitempty"`
	Pending   int             `json:"pending,omitempty"`
}

type pendingApproval struct {
	frame    []byte
	decision chan bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected owner consoles and outstanding approvals. It
// implements access.Approver and is an http.Handler for the console
// endpoint.
type Hub struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	pending map[string]*pendingApproval
}

// NewHub returns an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
		pending: make(map[string]*pendingApproval),
	}
}

// Clients returns the number of attached consoles.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Pending returns the number of unanswered approval requests.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Approve asks every attached console about req and returns the first
// decision. It fails with access.ErrNoOwner when no console is attached
// and with ctx's error when the deadline passes first.
func (h *Hub) Approve(ctx context.Context, req access.Request) (bool, error) {
	id := "apr_" + crypto.NewNonce()
	frame := Frame{Type: TypeApprovalRequest, ID: id, Request: &req}
	if deadline, ok := ctx.Deadline(); ok {
		frame.ExpiresAt = &deadline
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false, err
	}
	p := &pendingApproval{frame: data, decision: make(chan bool, 1)}

	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		metrics.ApprovalRequests.WithLabelValues("no_owner").Inc()
		return false, access.ErrNoOwner
	}
	h.pending[id] = p
	h.broadcastLocked(data)
	h.mu.Unlock()

	h.logger.Info().Str("approval_id", id).Str("sender", req.Sender).Msg("Approval requested")

	select {
	case approved := <-p.decision:
		result := "denied"
		if approved {
			result = "approved"
		}
		metrics.ApprovalRequests.WithLabelValues(result).Inc()
		return approved, nil
	case <-ctx.Done():
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
		metrics.ApprovalRequests.WithLabelValues("timeout").Inc()
		h.announce(id, false)
		return false, ctx.Err()
	}
}

// Resolve records a decision for the approval id. It reports whether the
// id was still pending.
func (h *Hub) Resolve(id string, approve bool) bool {
	h.mu.Lock()
	p, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	p.decision <- approve
	h.announce(id, approve)
	return true
}

// Publish forwards an exchange event to every console. It matches the
// signature of exchange.WithObserver.
func (h *Hub) Publish(ev exchange.Event) {
	data, err := json.Marshal(Frame{Type: TypeEvent, Event: &ev})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}
	h.mu.Lock()
	h.broadcastLocked(data)
	h.mu.Unlock()
}

// Close disconnects every console.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and attaches a console.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade owner connection")
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	hello, _ := json.Marshal(Frame{Type: TypeConnection, Pending: len(h.pending)})
	c.send <- hello
	for _, p := range h.pending {
		select {
		case c.send <- p.frame:
		default:
		}
	}
	h.mu.Unlock()

	h.logger.Info().Str("remote", r.RemoteAddr).Msg("Owner console attached")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) announce(id string, approve bool) {
	data, _ := json.Marshal(Frame{Type: TypeApprovalResolved, ID: id, Approve: &approve})
	h.mu.Lock()
	h.broadcastLocked(data)
	h.mu.Unlock()
}

// broadcastLocked must be called with h.mu held. Consoles that cannot
// keep up are dropped.
func (h *Hub) broadcastLocked(data []byte) {
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info().Msg("Owner console detached")
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn().Err(err).Msg("Owner console read error")
			}
			return
		}
		if f.Type != TypeDecision || f.ID == "" || f.Approve == nil {
			c.hub.logger.Debug().Str("type", f.Type).Msg("Ignoring owner frame")
			continue
		}
		if !c.hub.Resolve(f.ID, *f.Approve) {
			c.hub.logger.Debug().Str("approval_id", f.ID).Msg("Decision for unknown approval")
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
