package store

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
)

var (
	// ErrDuplicateKey is returned when a public key is already registered.
	ErrDuplicateKey = errors.New("public key already registered")
	// ErrNotFound is returned by updates and deletes of unknown agents.
	ErrNotFound = errors.New("registration not found")
)

// Filter selects active registrations. Tokens must all appear in the
// agent's searchable text. After is the listing key to continue from.
type Filter struct {
	Capability string
	Intent     string
	Tokens     []string
	After      string
	Limit      int
	Now        time.Time
}

// CapabilityCount is one row of the capability histogram.
type CapabilityCount struct {
	Capability string `json:"capability"`
	Agents     int64  `json:"agents"`
}

// DataStore defines the interface for persistent storage of directory
// registrations. Both PostgresStore and SQLiteStore implement it.
// Lookups return nil, nil when nothing matches.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Registration operations
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	GetRegistration(ctx context.Context, agentID string) (*models.Registration, error)
	GetRegistrationByPublicKey(ctx context.Context, publicKey string) (*models.Registration, error)
	UpdateRegistration(ctx context.Context, reg *models.Registration) error
	DeleteRegistration(ctx context.Context, agentID string) error
	QueryRegistrations(ctx context.Context, f Filter) ([]*models.Registration, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// Stats
	CountRegistrations(ctx context.Context, now time.Time) (int64, error)
	TopCapabilities(ctx context.Context, now time.Time, limit int) ([]CapabilityCount, error)
	GetMostRecentRegistration(ctx context.Context) (*time.Time, error)
}

// NormalizeKey maps any accepted public key encoding to raw base64 so one
// key is stored once regardless of how it was submitted.
func NormalizeKey(publicKey string) (string, error) {
	pub, err := crypto.ParsePublicKey(publicKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// searchText is the lowercase text free-text queries match against.
func searchText(card *models.AgentCard) string {
	parts := []string{card.AgentID, card.Name, card.Description}
	if card.Owner != nil {
		parts = append(parts, card.Owner.Name)
	}
	parts = append(parts, card.Capabilities...)
	parts = append(parts, card.Intents...)
	return strings.ToLower(strings.Join(parts, " "))
}

// joinSet encodes a string set so that membership is a substring test on
// "|item|".
func joinSet(items []string) string {
	if len(items) == 0 {
		return "|"
	}
	clean := make([]string, len(items))
	for i, item := range items {
		clean[i] = strings.ReplaceAll(item, "|", "")
	}
	return "|" + strings.Join(clean, "|") + "|"
}

func setMember(item string) string {
	return "|" + strings.ReplaceAll(item, "|", "") + "|"
}
