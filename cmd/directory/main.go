package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/squadklaw/squadklaw/internal/api"
	"github.com/squadklaw/squadklaw/internal/config"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := api.NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open directory stores")
	}
	defer srv.Close()

	logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("directory configured")
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("directory server failed")
		srv.Close()
		os.Exit(1)
	}
}
