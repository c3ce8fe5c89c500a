package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
	"github.com/squadklaw/squadklaw/internal/validate"
)

var searchWordRegex = regexp.MustCompile(`[a-z0-9_\-]+`)

// stopWords are common words to exclude from search
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"it": true, "that": true, "this": true, "with": true, "at": true,
	"by": true, "from": true, "as": true, "into": true, "like": true,
	"agent": true, "agents": true,
}

// tokenize extracts searchable words from text.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	words := searchWordRegex.FindAllString(lower, -1)

	// Deduplicate and filter
	seen := make(map[string]bool)
	result := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) >= 2 && !seen[w] && !stopWords[w] {
			seen[w] = true
			result = append(result, w)
		}
	}

	// Limit to 5 tokens
	if len(result) > 5 {
		result = result[:5]
	}

	return result
}

// QueryAgents handles directory queries. Results are ordered by listing
// key; next_cursor is set when more results follow.
func (h *Handler) QueryAgents(w http.ResponseWriter, r *http.Request) {
	q, err := validate.ParseQuery(r.URL.Query())
	if err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Cursor != "" {
		if _, err := ulid.ParseStrict(q.Cursor); err != nil {
			h.Error(w, http.StatusBadRequest, "invalid cursor")
			return
		}
	}
	metrics.DirectoryQueries.Inc()

	page := models.DirectoryPage{Agents: []*models.AgentCard{}}

	tokens := tokenize(q.Q)
	if q.Q != "" && len(tokens) == 0 {
		h.JSON(w, http.StatusOK, page)
		return
	}

	regs, err := h.store.QueryRegistrations(r.Context(), store.Filter{
		Capability: q.Capability,
		Intent:     q.Intent,
		Tokens:     tokens,
		After:      q.Cursor,
		Limit:      q.Limit + 1,
		Now:        h.now(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("directory query failed")
		h.Error(w, http.StatusInternalServerError, "query failed")
		return
	}

	if len(regs) > q.Limit {
		regs = regs[:q.Limit]
		page.NextCursor = regs[len(regs)-1].ListingKey
	}
	for _, reg := range regs {
		page.Agents = append(page.Agents, reg.Card)
	}

	h.JSON(w, http.StatusOK, page)
}
