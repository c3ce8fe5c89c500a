package client

import (
	"context"
	"fmt"

	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/models"
)

// CardSource finds the card, and so the endpoint, of a peer.
type CardSource interface {
	Card(ctx context.Context, agentID string) (*models.AgentCard, error)
}

// Messenger is the send path of an agent: it builds messages with the
// coordinator, delivers them to the peer's endpoint and records the
// message together with the reply. Undelivered messages are not recorded.
type Messenger struct {
	Coordinator *exchange.Coordinator
	Cards       CardSource
	Peer        *Peer
}

// Start opens a conversation with to and returns the peer's reply.
func (m *Messenger) Start(ctx context.Context, to, intent string, payload map[string]any) (*models.Message, error) {
	card, err := m.Cards.Card(ctx, to)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", to, err)
	}
	msg, err := m.Coordinator.Compose(ctx, to, intent, payload)
	if err != nil {
		return nil, err
	}
	return m.exchange(ctx, card, msg)
}

// Reply answers in and returns the peer's reply to that.
func (m *Messenger) Reply(ctx context.Context, in *models.Message, payload map[string]any) (*models.Message, error) {
	card, err := m.Cards.Card(ctx, in.From)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", in.From, err)
	}
	msg, err := m.Coordinator.ComposeReply(ctx, in, payload)
	if err != nil {
		return nil, err
	}
	return m.exchange(ctx, card, msg)
}

func (m *Messenger) exchange(ctx context.Context, card *models.AgentCard, msg *models.Message) (*models.Message, error) {
	reply, err := m.Peer.Send(ctx, card.Endpoint, msg)
	if err != nil {
		return nil, err
	}
	if err := m.Coordinator.Record(ctx, msg); err != nil {
		return nil, fmt.Errorf("record delivered message %s: %w", msg.MessageID, err)
	}
	if reply.ConversationID != msg.ConversationID || reply.From != msg.To || reply.To != msg.From {
		return nil, models.Errorf(models.CodeInvalidMessage,
			"reply %s from %s does not answer message %s", reply.MessageID, card.AgentID, msg.MessageID).AsError()
	}
	if _, err := m.Coordinator.Accept(ctx, reply); err != nil {
		return nil, fmt.Errorf("rejected reply from %s: %w", card.AgentID, err)
	}
	return reply, nil
}
