// Package exchange runs the request/response cycle between two agents:
// it threads messages by conversation, enforces the negotiation state
// machine and gates inbound traffic on schema, signature, rate and access
// checks.
package exchange

import (
	"github.com/squadklaw/squadklaw/internal/models"
)

// Transition applies msg to conv and returns the next conversation value.
// conv is nil for a conversation not seen before. Neither argument is
// modified. Timestamps are left to the caller.
//
// Delivery receipts (action "acknowledged") are appended in any state,
// terminal ones included, and never change the state.
func Transition(conv *models.Conversation, msg *models.Message) (*models.Conversation, *models.ErrorResponse) {
	action := msg.Action()

	if conv == nil {
		switch action {
		case models.ActionCounter, models.ActionAccept, models.ActionReject:
			return nil, models.Errorf(models.CodeInvalidMessage,
				"cannot %s in unknown conversation %s", action, msg.ConversationID)
		case models.ActionAcknowledged:
			return nil, models.Errorf(models.CodeInvalidMessage,
				"receipt for unknown conversation %s", msg.ConversationID)
		}
		next := &models.Conversation{
			ID:        msg.ConversationID,
			Initiator: msg.From,
			Responder: msg.To,
			Intent:    msg.Intent,
			State:     models.StateOpen,
			Messages:  []*models.Message{msg},
			Version:   1,
		}
		if action == models.ActionPropose {
			next.State = models.StateProposed
			next.LastOfferBy = msg.From
		}
		return next, nil
	}

	if conv.HasMessage(msg.MessageID) {
		return nil, models.Errorf(models.CodeInvalidMessage, "message %s was already received", msg.MessageID)
	}
	if !conv.Involves(msg.From) || !conv.Involves(msg.To) || msg.From == msg.To {
		return nil, models.Errorf(models.CodeUnauthorized,
			"%s and %s are not the parties of conversation %s", msg.From, msg.To, conv.ID)
	}

	next := conv.Clone()
	next.Messages = append(next.Messages, msg)
	next.Version++

	if action == models.ActionAcknowledged {
		return next, nil
	}
	if conv.State.Terminal() {
		return nil, models.Errorf(models.CodeConversationClosed, "conversation %s is %s", conv.ID, conv.State)
	}

	switch action {
	case models.ActionPropose:
		if conv.State != models.StateOpen {
			return nil, models.Errorf(models.CodeInvalidMessage,
				"conversation %s already has an offer; counter it instead", conv.ID)
		}
		next.State = models.StateProposed
		next.LastOfferBy = msg.From

	case models.ActionCounter, models.ActionAccept, models.ActionReject:
		if !conv.State.Negotiating() {
			return nil, models.Errorf(models.CodeInvalidMessage, "nothing to %s in conversation %s", action, conv.ID)
		}
		if conv.LastOfferBy == msg.From {
			return nil, models.Errorf(models.CodeInvalidMessage, "cannot %s your own offer", action)
		}
		switch action {
		case models.ActionCounter:
			next.State = models.StateCountered
			next.LastOfferBy = msg.From
		case models.ActionAccept:
			next.State = models.StateAccepted
		case models.ActionReject:
			next.State = models.StateRejected
		}
	}

	return next, nil
}

// Expire moves a live conversation to expired. Terminal conversations are
// returned unchanged with false.
func Expire(conv *models.Conversation) (*models.Conversation, bool) {
	if conv.State.Terminal() {
		return conv, false
	}
	next := conv.Clone()
	next.State = models.StateExpired
	next.Version++
	return next, true
}
