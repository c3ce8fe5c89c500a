package approval

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/squadklaw/squadklaw/internal/access"
)

// DecideFunc answers an approval request on the owner's side.
type DecideFunc func(ctx context.Context, id string, req access.Request) (bool, error)

// Console is the owner end of the hub connection.
type Console struct {
	conn *websocket.Conn

	// Decide is called for each approval request. Requests are left
	// unanswered when it is nil or returns an error.
	Decide DecideFunc
	// Observe, when set, sees every frame received.
	Observe func(Frame)
}

// Dial connects to a hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Console, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to owner channel: %w", err)
	}
	return &Console{conn: conn}, nil
}

// Run reads frames until ctx is cancelled or the hub goes away.
func (c *Console) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	defer c.conn.Close()

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if c.Observe != nil {
			c.Observe(f)
		}
		if f.Type != TypeApprovalRequest || f.Request == nil || c.Decide == nil {
			continue
		}

		approve, err := c.Decide(ctx, f.ID, *f.Request)
		if err != nil {
			continue
		}
		if err := c.Answer(f.ID, approve); err != nil {
			return err
		}
	}
}

// Answer sends a decision for approval id.
func (c *Console) Answer(id string, approve bool) error {
	if id == "" {
		return errors.New("approval id is required")
	}
	return c.conn.WriteJSON(Frame{Type: TypeDecision, ID: id, Approve: &approve})
}

// Close drops the connection.
func (c *Console) Close() error {
	return c.conn.Close()
}
