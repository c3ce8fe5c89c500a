package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
	"github.com/squadklaw/squadklaw/internal/validate"
)

// registerSkew bounds how far a registration timestamp may drift from the
// directory clock.
const registerSkew = 5 * time.Minute

// Token length limits. bcrypt only reads the first 72 bytes.
const (
	minTokenLength = 16
	maxTokenLength = 72
)

// Register handles agent registration and renewal.
//
// The request is signed with the card's own key, which proves possession.
// A key that is already listed keeps its agent ID; if the caller presents a
// token it must match the stored one.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Card == nil {
		h.Error(w, http.StatusBadRequest, "card is required")
		return
	}
	if err := validate.Check(
		validate.Field{Name: "token", Value: req.Token, Optional: true,
			Rules: []validate.Rule{validate.MinLen(minTokenLength), validate.MaxLen(maxTokenLength)}},
		validate.Field{Name: "timestamp", Value: req.Timestamp, Rules: []validate.Rule{validate.Timestamp()}},
		validate.Field{Name: "signature", Value: req.Signature, Rules: []validate.Rule{validate.NonBlank()}},
	); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.now()
	ts, _ := time.Parse(time.RFC3339Nano, req.Timestamp)
	if d := now.Sub(ts); d > registerSkew || d < -registerSkew {
		h.Error(w, http.StatusUnauthorized, "timestamp outside allowed window")
		return
	}
	if !crypto.Verify(&req, req.Signature, req.Card.PublicKey) {
		h.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	existing, err := h.store.GetRegistrationByPublicKey(r.Context(), req.Card.PublicKey)
	if err != nil {
		h.logger.Error().Err(err).Msg("lookup by public key failed")
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil && existing.Expired(now) {
		if err := h.store.DeleteRegistration(r.Context(), existing.Card.AgentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		existing = nil
	}

	if existing != nil {
		h.renew(w, r, existing, &req, now)
		return
	}

	card := req.Card.Clone()
	card.AgentID = crypto.NewAgentID()
	if err := validate.Card(card); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	token := req.Token
	if token == "" {
		token = crypto.NewUUIDv7().String()
	}
	hash, err := h.hashToken(token)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to hash token")
		return
	}

	reg := &models.Registration{
		Card:         card,
		ListingKey:   ulid.Make().String(),
		TokenHash:    hash,
		RegisteredAt: now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(h.ttl),
	}
	if err := h.store.CreateRegistration(r.Context(), reg); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			h.Error(w, http.StatusConflict, "public key already registered")
			return
		}
		h.logger.Error().Err(err).Msg("create registration failed")
		h.Error(w, http.StatusInternalServerError, "failed to create registration")
		return
	}

	metrics.AgentsRegistered.WithLabelValues("new").Inc()
	h.logger.Info().Str("agent_id", card.AgentID).Str("name", card.Name).Msg("agent registered")

	h.JSON(w, http.StatusCreated, models.RegisterResponse{
		AgentID:   card.AgentID,
		Token:     token,
		ExpiresAt: reg.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *Handler) renew(w http.ResponseWriter, r *http.Request, existing *models.Registration, req *models.RegisterRequest, now time.Time) {
	token := req.Token
	hash := existing.TokenHash
	switch {
	case token != "" && !tokenMatches(existing.TokenHash, token):
		h.Error(w, http.StatusUnauthorized, "token does not match registration")
		return
	case token == "":
		token = crypto.NewUUIDv7().String()
		var err error
		if hash, err = h.hashToken(token); err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to hash token")
			return
		}
	}

	card := req.Card.Clone()
	card.AgentID = existing.Card.AgentID
	if err := validate.Card(card); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	reg := &models.Registration{
		Card:         card,
		ListingKey:   existing.ListingKey,
		TokenHash:    hash,
		RegisteredAt: existing.RegisteredAt,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(h.ttl),
	}
	if err := h.store.UpdateRegistration(r.Context(), reg); err != nil {
		h.logger.Error().Err(err).Str("agent_id", card.AgentID).Msg("renew registration failed")
		h.Error(w, http.StatusInternalServerError, "failed to renew registration")
		return
	}
	h.invalidate(r, card.AgentID)

	metrics.AgentsRegistered.WithLabelValues("renewal").Inc()
	h.logger.Info().Str("agent_id", card.AgentID).Msg("agent registration renewed")

	h.JSON(w, http.StatusOK, models.RegisterResponse{
		AgentID:   card.AgentID,
		Token:     token,
		ExpiresAt: reg.ExpiresAt.Format(time.RFC3339),
	})
}
