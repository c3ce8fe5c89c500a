package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
)

// Signed request headers.
const (
	HeaderAgent     = "X-Squadklaw-Agent"
	HeaderNonce     = "X-Squadklaw-Nonce"
	HeaderTimestamp = "X-Squadklaw-Timestamp"
	HeaderSignature = "X-Squadklaw-Signature"
)

type contextKey string

const RegistrationContextKey contextKey = "registration"

// NonceStore records nonces so each one authenticates a single request.
type NonceStore interface {
	UseNonce(ctx context.Context, agentID, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is a NonceStore for single-process deployments.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore creates an empty nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// UseNonce reports false when the nonce was used before and has not expired.
func (s *MemoryNonceStore) UseNonce(_ context.Context, agentID, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := agentID + ":" + nonce
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	if len(s.seen) > 10000 {
		for k, exp := range s.seen {
			if !now.Before(exp) {
				delete(s.seen, k)
			}
		}
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// AuthMiddleware handles signature verification for authenticated endpoints.
type AuthMiddleware struct {
	store  store.DataStore
	nonces NonceStore
	window time.Duration
	now    func() time.Time
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(ds store.DataStore, nonces NonceStore) *AuthMiddleware {
	return &AuthMiddleware{
		store:  ds,
		nonces: nonces,
		window: 30 * time.Second, // Tight window to minimize replay attack surface
		now:    time.Now,
	}
}

// RequireAuth verifies that the request was signed with the key of the
// registered agent named in the headers.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := r.Header.Get(HeaderAgent)
		nonce := r.Header.Get(HeaderNonce)
		timestamp := r.Header.Get(HeaderTimestamp)
		signature := r.Header.Get(HeaderSignature)

		if agentID == "" || nonce == "" || timestamp == "" || signature == "" {
			jsonError(w, http.StatusUnauthorized, "missing auth headers")
			return
		}

		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid timestamp format")
			return
		}
		if !m.isTimestampValid(ts) {
			jsonError(w, http.StatusUnauthorized, "timestamp expired or too far in future")
			return
		}

		// Validate nonce format (min 24 chars for adequate entropy)
		if len(nonce) < 24 {
			jsonError(w, http.StatusUnauthorized, "nonce must be at least 24 characters")
			return
		}

		reg, err := m.store.GetRegistration(r.Context(), agentID)
		if err != nil || reg == nil || reg.Expired(m.now()) {
			jsonError(w, http.StatusUnauthorized, "agent not found")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(body)) // Reset for handler

		pubkey, err := crypto.ParsePublicKey(reg.Card.PublicKey)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid agent public key")
			return
		}
		signedData := crypto.SignaturePayload(crypto.BodyHash(body), nonce, ts)
		if err := crypto.VerifySignature(pubkey, signedData, signature); err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		// Consume the nonce only after the signature checks out.
		fresh, err := m.nonces.UseNonce(r.Context(), agentID, nonce, 3*m.window)
		if err != nil {
			jsonError(w, http.StatusServiceUnavailable, "nonce store unavailable")
			return
		}
		if !fresh {
			jsonError(w, http.StatusUnauthorized, "nonce already used")
			return
		}

		ctx := context.WithValue(r.Context(), RegistrationContextKey, reg)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) isTimestampValid(ts int64) bool {
	now := m.now().UnixMilli()
	windowMs := m.window.Milliseconds()
	// Only accept timestamps from the past (within window), reject future timestamps
	return ts > now-windowMs && ts <= now
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetRegistrationFromContext retrieves the authenticated registration from
// the request context.
func GetRegistrationFromContext(ctx context.Context) *models.Registration {
	reg, ok := ctx.Value(RegistrationContextKey).(*models.Registration)
	if !ok {
		return nil
	}
	return reg
}
