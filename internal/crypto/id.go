package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ID prefixes. The validator enforces them as structure, not convention.
const (
	AgentIDPrefix        = "sk_"
	MessageIDPrefix      = "msg_"
	ConversationIDPrefix = "conv_"
)

// idEntropy is the number of random bytes behind every minted ID.
const idEntropy = 16

// GenerateID returns prefix followed by 16 random bytes in hex.
// It panics if the system entropy source fails.
func GenerateID(prefix string) string {
	b := make([]byte, idEntropy)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto: entropy source failed: %v", err))
	}
	return prefix + hex.EncodeToString(b)
}

// NewAgentID mints an agent ID.
func NewAgentID() string { return GenerateID(AgentIDPrefix) }

// NewMessageID mints a message ID.
func NewMessageID() string { return GenerateID(MessageIDPrefix) }

// NewConversationID mints a conversation ID.
func NewConversationID() string { return GenerateID(ConversationIDPrefix) }

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewNonce returns 24 hex characters for request authentication.
func NewNonce() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto: entropy source failed: %v", err))
	}
	return hex.EncodeToString(b)
}
