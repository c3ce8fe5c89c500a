package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/squadklaw/squadklaw/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the registrations table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS registrations (
			agent_id TEXT PRIMARY KEY,
			listing_key TEXT UNIQUE NOT NULL,
			public_key TEXT UNIQUE NOT NULL,
			card JSONB NOT NULL,
			capabilities TEXT[] NOT NULL,
			intents TEXT[] NOT NULL,
			search_text TEXT NOT NULL,
			token_hash TEXT NOT NULL,
			registered_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_registrations_expires ON registrations(expires_at);
		CREATE INDEX IF NOT EXISTS idx_registrations_capabilities ON registrations USING GIN (capabilities);
		CREATE INDEX IF NOT EXISTS idx_registrations_intents ON registrations USING GIN (intents);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const pgColumns = `card, listing_key, token_hash, registered_at, updated_at, expires_at`

func scanPostgres(row pgx.Row) (*models.Registration, error) {
	var (
		cardJSON []byte
		reg      models.Registration
	)
	err := row.Scan(&cardJSON, &reg.ListingKey, &reg.TokenHash, &reg.RegisteredAt, &reg.UpdatedAt, &reg.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cardJSON, &reg.Card); err != nil {
		return nil, err
	}
	return &reg, nil
}

// CreateRegistration inserts a new registration.
func (s *PostgresStore) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	key, err := NormalizeKey(reg.Card.PublicKey)
	if err != nil {
		return err
	}
	cardJSON, err := json.Marshal(reg.Card)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO registrations (agent_id, listing_key, public_key, card, capabilities, intents,
			search_text, token_hash, registered_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, reg.Card.AgentID, reg.ListingKey, key, cardJSON, reg.Card.Capabilities, reg.Card.Intents,
		searchText(reg.Card), reg.TokenHash, reg.RegisteredAt, reg.UpdatedAt, reg.ExpiresAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

// GetRegistration retrieves a registration by agent ID.
func (s *PostgresStore) GetRegistration(ctx context.Context, agentID string) (*models.Registration, error) {
	reg, err := scanPostgres(s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM registrations WHERE agent_id = $1`, agentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return reg, err
}

// GetRegistrationByPublicKey retrieves a registration by public key.
func (s *PostgresStore) GetRegistrationByPublicKey(ctx context.Context, publicKey string) (*models.Registration, error) {
	key, err := NormalizeKey(publicKey)
	if err != nil {
		return nil, err
	}
	reg, err := scanPostgres(s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM registrations WHERE public_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return reg, err
}

// UpdateRegistration replaces the card and lease of an existing agent.
func (s *PostgresStore) UpdateRegistration(ctx context.Context, reg *models.Registration) error {
	cardJSON, err := json.Marshal(reg.Card)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE registrations
		SET card = $1, capabilities = $2, intents = $3, search_text = $4, token_hash = $5,
			updated_at = $6, expires_at = $7
		WHERE agent_id = $8
	`, cardJSON, reg.Card.Capabilities, reg.Card.Intents, searchText(reg.Card), reg.TokenHash,
		reg.UpdatedAt, reg.ExpiresAt, reg.Card.AgentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRegistration removes an agent.
func (s *PostgresStore) DeleteRegistration(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM registrations WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryRegistrations returns active registrations in listing-key order.
func (s *PostgresStore) QueryRegistrations(ctx context.Context, f Filter) ([]*models.Registration, error) {
	where := []string{"expires_at > $1"}
	args := []any{f.Now}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Capability != "" {
		where = append(where, arg(f.Capability)+" = ANY(capabilities)")
	}
	if f.Intent != "" {
		where = append(where, arg(f.Intent)+" = ANY(intents)")
	}
	for _, token := range f.Tokens {
		where = append(where, "strpos(search_text, "+arg(strings.ToLower(token))+") > 0")
	}
	if f.After != "" {
		where = append(where, "listing_key > "+arg(f.After))
	}
	limit := arg(f.Limit)

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgColumns+`
		FROM registrations
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY listing_key
		LIMIT `+limit, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []*models.Registration
	for rows.Next() {
		reg, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// PurgeExpired deletes registrations whose lease ended before now.
func (s *PostgresStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM registrations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountRegistrations returns the number of active registrations.
func (s *PostgresStore) CountRegistrations(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM registrations WHERE expires_at > $1`, now).Scan(&count)
	return count, err
}

// TopCapabilities returns the most advertised capabilities among active agents.
func (s *PostgresStore) TopCapabilities(ctx context.Context, now time.Time, limit int) ([]CapabilityCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT capability, COUNT(*) AS agents
		FROM registrations, unnest(capabilities) AS capability
		WHERE expires_at > $1
		GROUP BY capability
		ORDER BY agents DESC, capability
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CapabilityCount
	for rows.Next() {
		var c CapabilityCount
		if err := rows.Scan(&c.Capability, &c.Agents); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetMostRecentRegistration returns the latest update time, or nil.
func (s *PostgresStore) GetMostRecentRegistration(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(updated_at) FROM registrations`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}
