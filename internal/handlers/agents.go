package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/squadklaw/squadklaw/internal/api/middleware"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
	"github.com/squadklaw/squadklaw/internal/validate"
)

func validAgentID(id string) bool {
	return validate.Check(validate.Field{
		Name: "agent_id", Value: id,
		Rules: []validate.Rule{validate.HasPrefix(crypto.AgentIDPrefix), validate.MaxLen(128)},
	}) == nil
}

// GetAgent handles card lookup by agent ID.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validAgentID(id) {
		h.Error(w, http.StatusBadRequest, "invalid agent ID format")
		return
	}

	if h.redis != nil {
		if card, err := h.redis.GetCachedCard(r.Context(), id); err == nil && card != nil {
			h.JSON(w, http.StatusOK, card)
			return
		}
	}

	reg, err := h.store.GetRegistration(r.Context(), id)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if reg == nil || reg.Expired(h.now()) {
		h.Error(w, http.StatusNotFound, "agent not found")
		return
	}

	if h.redis != nil {
		if err := h.redis.CacheCard(r.Context(), reg.Card); err != nil {
			h.logger.Warn().Err(err).Str("agent_id", id).Msg("card cache write failed")
		}
	}
	h.JSON(w, http.StatusOK, reg.Card)
}

// authorize checks that the signed-in agent owns the path ID and presented
// its registration token.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (*models.Registration, bool) {
	id := chi.URLParam(r, "id")
	reg := middleware.GetRegistrationFromContext(r.Context())
	if reg == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if reg.Card.AgentID != id {
		h.Error(w, http.StatusForbidden, "agents may only modify their own registration")
		return nil, false
	}
	if !tokenMatches(reg.TokenHash, bearerToken(r)) {
		h.Error(w, http.StatusUnauthorized, "invalid registration token")
		return nil, false
	}
	return reg, true
}

// UpdateAgent replaces the card of a registered agent and renews its
// lease. The agent ID and public key cannot change.
func (h *Handler) UpdateAgent(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.authorize(w, r)
	if !ok {
		return
	}

	var card models.AgentCard
	if err := decodeJSON(r.Body, &card); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if card.AgentID == "" {
		card.AgentID = reg.Card.AgentID
	}
	if card.AgentID != reg.Card.AgentID {
		h.Error(w, http.StatusBadRequest, "agent_id is immutable")
		return
	}
	if strings.TrimSpace(card.PublicKey) == "" {
		card.PublicKey = reg.Card.PublicKey
	}
	if !crypto.SamePublicKey(card.PublicKey, reg.Card.PublicKey) {
		h.Error(w, http.StatusBadRequest, "public_key is immutable")
		return
	}
	if err := validate.Card(&card); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.now()
	updated := &models.Registration{
		Card:         &card,
		ListingKey:   reg.ListingKey,
		TokenHash:    reg.TokenHash,
		RegisteredAt: reg.RegisteredAt,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(h.ttl),
	}
	if err := h.store.UpdateRegistration(r.Context(), updated); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "agent not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to update registration")
		return
	}
	h.invalidate(r, card.AgentID)

	h.logger.Info().Str("agent_id", card.AgentID).Msg("agent card updated")
	h.JSON(w, http.StatusOK, &card)
}

// DeleteAgent removes a registration.
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.authorize(w, r)
	if !ok {
		return
	}

	if err := h.store.DeleteRegistration(r.Context(), reg.Card.AgentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "agent not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to delete registration")
		return
	}
	h.invalidate(r, reg.Card.AgentID)

	metrics.AgentsUnregistered.Inc()
	h.logger.Info().Str("agent_id", reg.Card.AgentID).Msg("agent unregistered")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) invalidate(r *http.Request, agentID string) {
	if h.redis == nil {
		return
	}
	if err := h.redis.InvalidateCard(r.Context(), agentID); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID).Msg("card cache invalidation failed")
	}
}
