package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"slices"

	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
)

var messageFields = map[string]bool{
	"squadklaw":       true,
	"message_id":      true,
	"conversation_id": true,
	"from":            true,
	"to":              true,
	"timestamp":       true,
	"intent":          true,
	"payload":         true,
	"signature":       true,
}

// Message validates a decoded message, signature presence included.
func Message(m *models.Message) error {
	if m == nil {
		return Errors{{Field: "message", Reason: "is required"}}
	}
	return Check(
		Field{Name: "squadklaw", Value: m.Protocol, Rules: []Rule{NonBlank()}},
		Field{Name: "message_id", Value: m.MessageID, Rules: []Rule{HasPrefix(crypto.MessageIDPrefix)}},
		Field{Name: "conversation_id", Value: m.ConversationID, Rules: []Rule{HasPrefix(crypto.ConversationIDPrefix)}},
		Field{Name: "from", Value: m.From, Rules: []Rule{HasPrefix(crypto.AgentIDPrefix)}},
		Field{Name: "to", Value: m.To, Rules: []Rule{HasPrefix(crypto.AgentIDPrefix)}},
		Field{Name: "timestamp", Value: m.Timestamp, Rules: []Rule{Timestamp()}},
		Field{Name: "intent", Value: m.Intent, Rules: []Rule{NonBlank()}},
		Field{Name: "payload", Value: m.Payload},
		Field{Name: "signature", Value: m.Signature, Rules: []Rule{NonBlank()}},
	)
}

// DecodeMessage is the structural pass over wire bytes. Unknown top-level
// fields, null fields and wrongly typed fields are rejected before the
// schema rules run, so a message that passes decodes losslessly.
func DecodeMessage(raw []byte) (*models.Message, *models.ErrorResponse) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, models.NewError(models.CodeInvalidMessage, "message must be a JSON object")
	}

	for _, name := range slices.Sorted(maps.Keys(fields)) {
		if !messageFields[name] {
			return nil, models.Errorf(models.CodeInvalidMessage, "unknown field %q", name)
		}
		if bytes.Equal(bytes.TrimSpace(fields[name]), []byte("null")) {
			return nil, models.Errorf(models.CodeInvalidMessage, "field %q must not be null", name)
		}
	}

	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, models.Errorf(models.CodeInvalidMessage, "field %q has the wrong type", typeErr.Field)
		}
		return nil, models.NewError(models.CodeInvalidMessage, "malformed message")
	}

	if err := Message(&msg); err != nil {
		return nil, models.Errorf(models.CodeInvalidMessage, "invalid message: %v", err)
	}
	return &msg, nil
}
