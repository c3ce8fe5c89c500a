package api

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/config"
	"github.com/squadklaw/squadklaw/internal/models"
)

func TestServer_ServeAndShutdown(t *testing.T) {
	cfg := &config.Config{
		Port:            "0",
		Env:             "test",
		SQLitePath:      filepath.Join(t.TempDir(), "directory.db"),
		RegistrationTTL: time.Hour,
		PurgeInterval:   time.Hour,
	}
	srv, err := NewServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()
	assert.Nil(t, srv.Redis)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestPurgeExpired(t *testing.T) {
	cfg := &config.Config{SQLitePath: filepath.Join(t.TempDir(), "directory.db")}
	srv, err := NewServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer srv.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	for i, expires := range []time.Time{now.Add(-time.Minute), now.Add(time.Hour)} {
		agent := newTestAgent(t, "agent"+string(rune('a'+i)), []string{"coffee"}, models.IntentMessage)
		require.NoError(t, srv.Store.CreateRegistration(ctx, &models.Registration{
			Card:         agent.card,
			ListingKey:   ulid.Make().String(),
			TokenHash:    "hash",
			RegisteredAt: now.Add(-time.Hour),
			UpdatedAt:    now.Add(-time.Hour),
			ExpiresAt:    expires,
		}))
	}

	assert.Equal(t, int64(1), PurgeExpired(ctx, srv.Store, now, zerolog.Nop()))
	assert.Zero(t, PurgeExpired(ctx, srv.Store, now, zerolog.Nop()))

	count, err := srv.Store.CountRegistrations(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestNewServer_BadRedis(t *testing.T) {
	cfg := &config.Config{
		SQLitePath: filepath.Join(t.TempDir(), "directory.db"),
		RedisURL:   "not a redis url",
	}
	_, err := NewServer(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
