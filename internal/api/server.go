package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/config"
	"github.com/squadklaw/squadklaw/internal/metrics"
	"github.com/squadklaw/squadklaw/internal/store"
)

// DefaultSQLitePath is used when neither DATABASE_URL nor SQLITE_PATH is set.
const DefaultSQLitePath = "squadklaw-directory.db"

const shutdownTimeout = 30 * time.Second

// Server is a runnable directory: storage, router and the purge janitor.
type Server struct {
	Store store.DataStore
	Redis *store.RedisStore

	http          *http.Server
	logger        zerolog.Logger
	purgeInterval time.Duration
}

// NewServer opens the stores named by cfg and builds the HTTP server.
// Postgres is used when DATABASE_URL is set, SQLite otherwise.
func NewServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	var (
		ds  store.DataStore
		err error
	)
	if cfg.DatabaseURL != "" {
		ds, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		path := cfg.SQLitePath
		if path == "" {
			path = DefaultSQLitePath
		}
		ds, err = store.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", path).Msg("opened SQLite store")
	}

	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			ds.Close()
			return nil, err
		}
		logger.Info().Msg("connected to Redis")
	}

	router := NewRouter(logger, ds, redisStore, Options{
		RegistrationTTL:    cfg.RegistrationTTL,
		RateLimitWhitelist: cfg.RateLimitWhitelist,
		AutoBlockEnabled:   cfg.AutoBlockEnabled,
	})

	return &Server{
		Store: ds,
		Redis: redisStore,
		http: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:        logger,
		purgeInterval: cfg.PurgeInterval,
	}, nil
}

// Run listens on the configured port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	if s.purgeInterval > 0 {
		go s.janitor(janitorCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("starting Squad Klaw directory")
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down directory...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("directory stopped")
	return nil
}

// Close releases the stores.
func (s *Server) Close() {
	if s.Redis != nil {
		s.Redis.Close()
	}
	s.Store.Close()
}

func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(s.purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			PurgeExpired(ctx, s.Store, time.Now(), s.logger)
		}
	}
}

// PurgeExpired deletes registrations whose lease ended before now.
func PurgeExpired(ctx context.Context, ds store.DataStore, now time.Time, logger zerolog.Logger) int64 {
	n, err := ds.PurgeExpired(ctx, now)
	if err != nil {
		logger.Error().Err(err).Msg("purge of expired registrations failed")
		return 0
	}
	if n > 0 {
		metrics.RegistrationsPurged.Add(float64(n))
		logger.Info().Int64("count", n).Msg("purged expired registrations")
	}
	return n
}
