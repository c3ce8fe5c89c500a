package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/squadklaw/squadklaw/internal/store"
)

// DefaultRegistrationTTL is how long a registration stays listed without renewal.
const DefaultRegistrationTTL = 30 * 24 * time.Hour

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	redis  *store.RedisStore // optional card cache
	logger zerolog.Logger
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(ds store.DataStore, redis *store.RedisStore, logger zerolog.Logger, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = DefaultRegistrationTTL
	}
	return &Handler{
		store:  ds,
		redis:  redis,
		logger: logger,
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// decodeJSON decodes a single JSON document and rejects unknown fields.
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

// bearerToken extracts the registration token from the Authorization header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func (h *Handler) hashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func tokenMatches(hash, token string) bool {
	return token != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
