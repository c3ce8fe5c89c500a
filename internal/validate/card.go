package validate

import (
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
)

// Card field limits.
const (
	MaxNameLength        = 256
	MaxDescriptionLength = 1024
)

func publicKey() Rule {
	return Satisfies(func(v any) bool {
		s, _ := v.(string)
		_, err := crypto.ParsePublicKey(s)
		return err == nil
	}, "must be an Ed25519 public key (PEM or base64)")
}

// Card validates an Agent Card.
func Card(card *models.AgentCard) error {
	if card == nil {
		return Errors{{Field: "card", Reason: "is required"}}
	}

	fields := []Field{
		{Name: "squadklaw", Value: card.Protocol, Rules: []Rule{NonBlank()}},
		{Name: "agent_id", Value: card.AgentID, Rules: []Rule{HasPrefix(crypto.AgentIDPrefix)}},
		{Name: "name", Value: card.Name, Rules: []Rule{MinLen(1), MaxLen(MaxNameLength)}},
		{Name: "description", Value: card.Description, Optional: true, Rules: []Rule{MaxLen(MaxDescriptionLength)}},
		{Name: "endpoint", Value: card.Endpoint, Rules: []Rule{HTTPURL()}},
		{Name: "public_key", Value: card.PublicKey, Rules: []Rule{publicKey()}},
		{Name: "capabilities", Value: card.Capabilities, Rules: []Rule{MinItems(1), EachString(NonBlank())}},
		{Name: "intents", Value: card.Intents, Rules: []Rule{MinItems(1), EachString(NonBlank())}},
	}

	if card.Owner != nil {
		fields = append(fields,
			Field{Name: "owner.name", Value: card.Owner.Name, Rules: []Rule{MinLen(1)}},
		)
	}
	if ac := card.AccessControl; ac != nil {
		fields = append(fields,
			Field{Name: "access_control.mode", Value: ac.Mode,
				Rules: []Rule{OneOf(models.AccessOpen, models.AccessAllowlist, models.AccessApproval)}},
			Field{Name: "access_control.allowlist", Value: ac.Allowlist, Optional: true,
				Rules: []Rule{EachString(NonBlank())}},
			Field{Name: "access_control.block", Value: ac.Block, Optional: true,
				Rules: []Rule{EachString(NonBlank())}},
		)
	}

	return Check(fields...)
}
