// Package inbound serves an agent's protocol endpoint: peers POST signed
// messages to it and the owner console attaches to it over WebSocket.
package inbound

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/api/middleware"
	"github.com/squadklaw/squadklaw/internal/approval"
	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
)

// DefaultMaxBodySize caps inbound message bodies.
const DefaultMaxBodySize = 64 * 1024

// Options configures the agent endpoint.
type Options struct {
	// Hub serves GET /owner when set.
	Hub         *approval.Hub
	MaxBodySize int64
}

type server struct {
	coord   *exchange.Coordinator
	hub     *approval.Hub
	logger  zerolog.Logger
	started time.Time
}

// NewRouter creates the HTTP router for an agent endpoint backed by coord.
func NewRouter(logger zerolog.Logger, coord *exchange.Coordinator, opts Options) *chi.Mux {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	s := &server{coord: coord, hub: opts.Hub, logger: logger, started: time.Now()}

	r := chi.NewRouter()
	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(opts.MaxBodySize))
	r.Use(middleware.ValidateRequest)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	r.Get("/", s.status)
	r.Post("/", s.receive)
	if s.hub != nil {
		r.Handle("/owner", s.hub)
	}
	return r
}

// StatusResponse is returned by GET /.
type StatusResponse struct {
	Protocol string   `json:"squadklaw"`
	Agent    string   `json:"agent"`
	AgentID  string   `json:"agent_id"`
	Status   string   `json:"status"`
	Intents  []string `json:"intents"`
	Owners   int      `json:"owners"`
	Uptime   string   `json:"uptime"`
}

func (s *server) status(w http.ResponseWriter, r *http.Request) {
	card := s.coord.Card()
	resp := StatusResponse{
		Protocol: models.ProtocolVersion,
		Agent:    card.Name,
		AgentID:  card.AgentID,
		Status:   "online",
		Intents:  card.Intents,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if s.hub != nil {
		resp.Owners = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) receive(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, "", models.NewError(models.CodeInvalidMessage, "message too large"))
			return
		}
		s.fail(w, "", models.NewError(models.CodeInvalidMessage, "could not read message"))
		return
	}

	reply, errResp := s.coord.Receive(r.Context(), raw)
	intent := s.intentLabel(raw)
	if errResp != nil {
		s.fail(w, intent, errResp)
		return
	}
	metrics.MessagesReceived.WithLabelValues(intent, "accepted").Inc()
	writeJSON(w, http.StatusOK, reply)
}

func (s *server) fail(w http.ResponseWriter, intent string, errResp *models.ErrorResponse) {
	if intent == "" {
		intent = "unknown"
	}
	metrics.MessagesReceived.WithLabelValues(intent, string(errResp.Error.Code)).Inc()
	if errResp.Error.Code == models.CodeRateLimited {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, errResp.Error.Code.HTTPStatus(), errResp)
}

// intentLabel keeps metric cardinality bounded to the card's own intents.
func (s *server) intentLabel(raw []byte) string {
	var probe struct {
		Intent string `json:"intent"`
	}
	if json.Unmarshal(raw, &probe) != nil || probe.Intent == "" {
		return "unknown"
	}
	if !s.coord.Card().HasIntent(probe.Intent) {
		return "other"
	}
	return probe.Intent
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
