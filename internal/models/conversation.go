package models

import (
	"slices"
	"time"
)

// ConversationState is the negotiation state of one conversation.
type ConversationState string

const (
	StateOpen      ConversationState = "open"
	StateProposed  ConversationState = "proposed"
	StateCountered ConversationState = "countered"
	StateAccepted  ConversationState = "accepted"
	StateRejected  ConversationState = "rejected"
	StateExpired   ConversationState = "expired"
)

// Terminal reports whether no further negotiation is possible.
func (s ConversationState) Terminal() bool {
	return s == StateAccepted || s == StateRejected || s == StateExpired
}

// Negotiating reports whether an offer is on the table.
func (s ConversationState) Negotiating() bool {
	return s == StateProposed || s == StateCountered
}

// Conversation is the ID-linked, signed audit trail between two agents.
type Conversation struct {
	ID          string            `json:"conversation_id"`
	Initiator   string            `json:"initiator"`
	Responder   string            `json:"responder"`
	Intent      string            `json:"intent"`
	State       ConversationState `json:"state"`
	LastOfferBy string            `json:"last_offer_by,omitempty"`
	Messages    []*Message        `json:"messages"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
}

// Involves reports whether agentID is one of the two parties.
func (c *Conversation) Involves(agentID string) bool {
	return c.Initiator == agentID || c.Responder == agentID
}

// HasMessage reports whether messageID is already part of the trail.
func (c *Conversation) HasMessage(messageID string) bool {
	return slices.ContainsFunc(c.Messages, func(m *Message) bool {
		return m.MessageID == messageID
	})
}

// Turns counts the messages that are not delivery receipts.
func (c *Conversation) Turns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Action() != ActionAcknowledged {
			n++
		}
	}
	return n
}

// Last returns the most recent message, or nil.
func (c *Conversation) Last() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// Clone copies the conversation. Messages are shared: they are
// immutable once sent.
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = slices.Clone(c.Messages)
	return &out
}
