package access

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/models"
)

// DefaultApprovalTTL bounds how long a pending message waits for its owner.
const DefaultApprovalTTL = 5 * time.Minute

// ErrNoOwner is returned by approvers when nobody is available to decide.
var ErrNoOwner = errors.New("no owner reachable")

// Request is what the owner is asked to decide on.
type Request struct {
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Message   *models.Message `json:"message"`
}

// Approver resolves pending decisions. Implementations must respect ctx,
// which carries the approval deadline.
type Approver interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req Request) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// Gate evaluates policies and resolves approval-mode decisions through
// the host's Approver. With RememberApprovals set, an approved sender is
// not asked about again for the life of the gate.
type Gate struct {
	Approver          Approver
	TTL               time.Duration
	RememberApprovals bool
	Logger            zerolog.Logger

	mu       sync.Mutex
	approved map[string]bool
}

// NewGate returns a gate with the default TTL and a no-op logger.
func NewGate(approver Approver) *Gate {
	return &Gate{Approver: approver, TTL: DefaultApprovalTTL, Logger: zerolog.Nop()}
}

// Check returns nil when msg may be processed under policy, otherwise the
// error response to send back.
func (g *Gate) Check(ctx context.Context, policy *models.AccessControl, msg *models.Message) *models.ErrorResponse {
	result := Evaluate(msg.From, policy)
	switch result.Decision {
	case Accept:
		return nil
	case Reject:
		return result.Error
	}

	if g.RememberApprovals && g.wasApproved(msg.From) {
		return nil
	}
	if g.Approver == nil {
		return models.NewError(models.CodeOwnerRejected, "approval required but no owner channel configured")
	}

	ttl := g.TTL
	if ttl <= 0 {
		ttl = DefaultApprovalTTL
	}
	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	ok, err := g.Approver.Approve(ctx, Request{Sender: msg.From, Recipient: msg.To, Message: msg})
	if err != nil {
		g.Logger.Warn().Err(err).Str("sender", msg.From).Str("message_id", msg.MessageID).Msg("Approval unresolved")
		if errors.Is(err, context.DeadlineExceeded) {
			return models.NewError(models.CodeAgentUnavailable, "owner did not respond in time")
		}
		return models.NewError(models.CodeAgentUnavailable, "owner unavailable")
	}
	if !ok {
		g.Logger.Info().Str("sender", msg.From).Str("message_id", msg.MessageID).Msg("Owner rejected message")
		return models.NewError(models.CodeOwnerRejected, "owner declined the request")
	}

	if g.RememberApprovals {
		g.remember(msg.From)
	}
	return nil
}

func (g *Gate) wasApproved(sender string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approved[sender]
}

func (g *Gate) remember(sender string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.approved == nil {
		g.approved = make(map[string]bool)
	}
	g.approved[sender] = true
}
