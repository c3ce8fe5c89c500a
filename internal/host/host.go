// Package host assembles a running agent: the exchange coordinator, its
// inbound HTTP endpoint, the owner approval hub and the send path to peers.
package host

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/approval"
	"github.com/squadklaw/squadklaw/internal/client"
	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/inbound"
	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
)

const shutdownTimeout = 10 * time.Second

// Options configures a Host. Zero values fall back to package defaults.
type Options struct {
	DirectoryURL     string
	ApprovalTTL      time.Duration
	MaxClockSkew     time.Duration
	InboundRateLimit int
	ConversationIdle time.Duration
	ExpireInterval   time.Duration

	// Redis, when set, holds conversations and inbound rate counters,
	// both keyed by the agent ID so that agents can share a database.
	Redis *store.RedisStore
	// Keys overrides the directory as the source of peer keys.
	Keys     exchange.KeyResolver
	Handlers map[string]exchange.IntentHandler
	Retry    *client.RetryConfig
}

// Host is one agent identity wired for sending and receiving.
type Host struct {
	Coordinator *exchange.Coordinator
	Hub         *approval.Hub
	Resolver    *client.Resolver
	Messenger   *client.Messenger

	handler        http.Handler
	logger         zerolog.Logger
	idle           time.Duration
	expireInterval time.Duration
	writeTimeout   time.Duration // outlives the approval TTL
}

// New builds the host for card, signing with privateKey.
func New(card *models.AgentCard, privateKey string, opts Options, logger zerolog.Logger) (*Host, error) {
	resolver := client.NewResolver(client.NewDirectory(opts.DirectoryURL), client.DefaultCardTTL)
	hub := approval.NewHub(logger)

	gate := access.NewGate(hub)
	gate.Logger = logger
	if opts.ApprovalTTL > 0 {
		gate.TTL = opts.ApprovalTTL
	}

	limit := opts.InboundRateLimit
	if limit <= 0 {
		limit = exchange.DefaultRateLimit
	}
	var (
		limiter exchange.RateLimiter = exchange.NewWindowLimiter(limit, exchange.DefaultRateWindow)
		convs   exchange.Store       = exchange.NewMemoryStore()
	)
	if opts.Redis != nil {
		limiter = opts.Redis.Limiter("inbound:"+card.AgentID, limit, exchange.DefaultRateWindow)
		convs = opts.Redis.Conversations(card.AgentID)
	}

	var keys exchange.KeyResolver = resolver
	if opts.Keys != nil {
		keys = opts.Keys
	}

	exOpts := []exchange.Option{
		exchange.WithKeyResolver(keys),
		exchange.WithGate(gate),
		exchange.WithRateLimiter(limiter),
		exchange.WithStore(convs),
		exchange.WithObserver(hub.Publish),
		exchange.WithLogger(logger),
	}
	if opts.MaxClockSkew > 0 {
		exOpts = append(exOpts, exchange.WithMaxClockSkew(opts.MaxClockSkew))
	}
	for intent, h := range opts.Handlers {
		exOpts = append(exOpts, exchange.WithHandler(intent, h))
	}
	coord, err := exchange.New(card, privateKey, exOpts...)
	if err != nil {
		return nil, err
	}

	peer := client.NewPeer(logger)
	if opts.Retry != nil {
		peer.Retry = *opts.Retry
	}

	idle := opts.ConversationIdle
	if idle <= 0 {
		idle = 24 * time.Hour
	}
	interval := opts.ExpireInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return &Host{
		Coordinator:    coord,
		Hub:            hub,
		Resolver:       resolver,
		Messenger:      &client.Messenger{Coordinator: coord, Cards: resolver, Peer: peer},
		handler:        inbound.NewRouter(logger, coord, inbound.Options{Hub: hub}),
		logger:         logger,
		idle:           idle,
		expireInterval: interval,
		writeTimeout:   gate.TTL + 15*time.Second,
	}, nil
}

// Handler is the agent endpoint: status, message intake and /owner.
func (h *Host) Handler() http.Handler { return h.handler }

// Serve accepts connections on ln until ctx is cancelled, expiring idle
// conversations in the background.
func (h *Host) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      h.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: h.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	expireCtx, stopExpiry := context.WithCancel(ctx)
	defer stopExpiry()
	go h.expireLoop(expireCtx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info().
			Str("agent_id", h.Coordinator.Card().AgentID).
			Str("addr", ln.Addr().String()).
			Msg("agent listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	h.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	h.logger.Info().Msg("agent stopped")
	return nil
}

func (h *Host) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(h.expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := h.Coordinator.Expire(ctx, h.idle)
			metrics.ConversationsExpired.Add(float64(n))
			if err != nil && ctx.Err() == nil {
				h.logger.Error().Err(err).Msg("conversation expiry failed")
			}
		}
	}
}
