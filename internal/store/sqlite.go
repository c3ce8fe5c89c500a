package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/squadklaw/squadklaw/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/squadklaw.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/squadklaw.db"
	}

	// Ensure directory exists
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist. Times are unix milliseconds.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS registrations (
		agent_id TEXT PRIMARY KEY,
		listing_key TEXT UNIQUE NOT NULL,
		public_key TEXT UNIQUE NOT NULL,
		card TEXT NOT NULL,
		capabilities TEXT NOT NULL,
		intents TEXT NOT NULL,
		search_text TEXT NOT NULL,
		token_hash TEXT NOT NULL,
		registered_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_registrations_listing ON registrations(listing_key);
	CREATE INDEX IF NOT EXISTS idx_registrations_expires ON registrations(expires_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const sqliteColumns = `card, listing_key, token_hash, registered_at, updated_at, expires_at`

func scanSQLite(scan func(dest ...any) error) (*models.Registration, error) {
	var (
		cardJSON                 string
		reg                      models.Registration
		registered, updated, exp int64
	)
	if err := scan(&cardJSON, &reg.ListingKey, &reg.TokenHash, &registered, &updated, &exp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cardJSON), &reg.Card); err != nil {
		return nil, err
	}
	reg.RegisteredAt = time.UnixMilli(registered).UTC()
	reg.UpdatedAt = time.UnixMilli(updated).UTC()
	reg.ExpiresAt = time.UnixMilli(exp).UTC()
	return &reg, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateRegistration inserts a new registration.
func (s *SQLiteStore) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	key, err := NormalizeKey(reg.Card.PublicKey)
	if err != nil {
		return err
	}
	cardJSON, err := json.Marshal(reg.Card)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO registrations (agent_id, listing_key, public_key, card, capabilities, intents,
			search_text, token_hash, registered_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, reg.Card.AgentID, reg.ListingKey, key, string(cardJSON),
		joinSet(reg.Card.Capabilities), joinSet(reg.Card.Intents), searchText(reg.Card), reg.TokenHash,
		reg.RegisteredAt.UnixMilli(), reg.UpdatedAt.UnixMilli(), reg.ExpiresAt.UnixMilli())
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

// GetRegistration retrieves a registration by agent ID.
func (s *SQLiteStore) GetRegistration(ctx context.Context, agentID string) (*models.Registration, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM registrations WHERE agent_id = ?`, agentID)
	reg, err := scanSQLite(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return reg, err
}

// GetRegistrationByPublicKey retrieves a registration by public key in
// any accepted encoding.
func (s *SQLiteStore) GetRegistrationByPublicKey(ctx context.Context, publicKey string) (*models.Registration, error) {
	key, err := NormalizeKey(publicKey)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM registrations WHERE public_key = ?`, key)
	reg, err := scanSQLite(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return reg, err
}

// UpdateRegistration replaces the card and lease of an existing agent.
// The public key column is not touched.
func (s *SQLiteStore) UpdateRegistration(ctx context.Context, reg *models.Registration) error {
	cardJSON, err := json.Marshal(reg.Card)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE registrations
		SET card = ?, capabilities = ?, intents = ?, search_text = ?, token_hash = ?,
			updated_at = ?, expires_at = ?
		WHERE agent_id = ?
	`, string(cardJSON), joinSet(reg.Card.Capabilities), joinSet(reg.Card.Intents), searchText(reg.Card),
		reg.TokenHash, reg.UpdatedAt.UnixMilli(), reg.ExpiresAt.UnixMilli(), reg.Card.AgentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRegistration removes an agent.
func (s *SQLiteStore) DeleteRegistration(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// QueryRegistrations returns active registrations in listing-key order.
func (s *SQLiteStore) QueryRegistrations(ctx context.Context, f Filter) ([]*models.Registration, error) {
	var (
		where = []string{"expires_at > ?"}
		args  = []any{f.Now.UnixMilli()}
	)
	if f.Capability != "" {
		where = append(where, "instr(capabilities, ?) > 0")
		args = append(args, setMember(f.Capability))
	}
	if f.Intent != "" {
		where = append(where, "instr(intents, ?) > 0")
		args = append(args, setMember(f.Intent))
	}
	for _, token := range f.Tokens {
		where = append(where, "instr(search_text, ?) > 0")
		args = append(args, strings.ToLower(token))
	}
	if f.After != "" {
		where = append(where, "listing_key > ?")
		args = append(args, f.After)
	}
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteColumns+`
		FROM registrations
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY listing_key
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []*models.Registration
	for rows.Next() {
		reg, err := scanSQLite(rows.Scan)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// PurgeExpired deletes registrations whose lease ended before now.
func (s *SQLiteStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM registrations WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountRegistrations returns the number of active registrations.
func (s *SQLiteStore) CountRegistrations(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE expires_at > ?`, now.UnixMilli()).Scan(&count)
	return count, err
}

// TopCapabilities returns the most advertised capabilities among active agents.
func (s *SQLiteStore) TopCapabilities(ctx context.Context, now time.Time, limit int) ([]CapabilityCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT capabilities FROM registrations WHERE expires_at > ?`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var set string
		if err := rows.Scan(&set); err != nil {
			return nil, err
		}
		for _, c := range strings.Split(strings.Trim(set, "|"), "|") {
			if c != "" {
				counts[c]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankCapabilities(counts, limit), nil
}

// GetMostRecentRegistration returns the latest update time, or nil.
func (s *SQLiteStore) GetMostRecentRegistration(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM registrations`).Scan(&ms); err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}

func rankCapabilities(counts map[string]int64, limit int) []CapabilityCount {
	out := make([]CapabilityCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, CapabilityCount{Capability: c, Agents: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agents != out[j].Agents {
			return out[i].Agents > out[j].Agents
		}
		return out[i].Capability < out[j].Capability
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
