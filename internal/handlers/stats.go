package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/squadklaw/squadklaw/internal/store"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalAgents     int64                   `json:"total_agents"`
	LastActivity    string                  `json:"last_activity"`
	TopCapabilities []store.CapabilityCount `json:"top_capabilities"`
}

// Stats returns directory statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := h.now()

	totalAgents, err := h.store.CountRegistrations(ctx, now)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count agents")
		return
	}

	lastActivityTime, err := h.store.GetMostRecentRegistration(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get last activity")
		return
	}

	lastActivity := "no activity yet"
	if lastActivityTime != nil {
		lastActivity = formatTimeAgo(now.Sub(*lastActivityTime))
	}

	top, err := h.store.TopCapabilities(ctx, now, 10)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to get top capabilities")
		return
	}
	if top == nil {
		top = []store.CapabilityCount{}
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalAgents:     totalAgents,
		LastActivity:    lastActivity,
		TopCapabilities: top,
	})
}

// formatTimeAgo formats an age as a human-readable "X ago" string.
func formatTimeAgo(diff time.Duration) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit + " ago"
		}
		return strconv.Itoa(n) + " " + unit + "s ago"
	}

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute")
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour")
	default:
		return plural(int(diff.Hours()/24), "day")
	}
}
