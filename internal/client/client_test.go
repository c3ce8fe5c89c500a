package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/api"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/home"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
)

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	srv := httptest.NewServer(api.NewRouter(zerolog.Nop(), ds, nil, api.Options{}))
	t.Cleanup(srv.Close)
	return srv
}

func newCard(t *testing.T, name, endpoint string) (*models.AgentCard, crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	card := home.DefaultCard(name, endpoint)
	card.AgentID = crypto.NewAgentID()
	card.PublicKey = kp.PublicKey
	return card, kp
}

func TestDirectory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	srv := newDirectoryServer(t)
	dir := NewDirectory(srv.URL + "/")

	card, kp := newCard(t, "Barista", "https://barista.example.com/")
	resp, err := dir.Register(ctx, card, kp.PrivateKey, "")
	require.NoError(t, err)
	assert.Regexp(t, `^sk_[0-9a-f]{32}$`, resp.AgentID)
	assert.NotEqual(t, card.AgentID, resp.AgentID)
	require.NotEmpty(t, resp.Token)

	got, err := dir.Get(ctx, resp.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "Barista", got.Name)
	assert.True(t, crypto.SamePublicKey(kp.PublicKey, got.PublicKey))

	page, err := dir.Discover(ctx, models.DirectoryQuery{Capability: "scheduling", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Agents, 1)
	assert.Equal(t, resp.AgentID, page.Agents[0].AgentID)

	_, err = dir.Update(ctx, got)
	assert.ErrorIs(t, err, ErrNoCredentials)

	signedIn := dir.WithCredentials(resp.AgentID, kp.PrivateKey, resp.Token)
	got.Description = "Pour-over and flat whites"
	updated, err := signedIn.Update(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, "Pour-over and flat whites", updated.Description)

	wrongToken := dir.WithCredentials(resp.AgentID, kp.PrivateKey, "not-the-token-at-all")
	err = wrongToken.Delete(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	require.NoError(t, signedIn.Delete(ctx))
	_, err = dir.Get(ctx, resp.AgentID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDirectory_RenewalKeepsID(t *testing.T) {
	ctx := context.Background()
	dir := NewDirectory(newDirectoryServer(t).URL)

	card, kp := newCard(t, "Renewer", "https://renewer.example.com/")
	first, err := dir.Register(ctx, card, kp.PrivateKey, "a-long-enough-token")
	require.NoError(t, err)
	assert.Equal(t, "a-long-enough-token", first.Token)

	second, err := dir.Register(ctx, card, kp.PrivateKey, "a-long-enough-token")
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)
}

func TestResolver_Caches(t *testing.T) {
	card, _ := newCard(t, "Cached", "https://cached.example.com/")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v1/agents/"+card.AgentID {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "agent not found"})
			return
		}
		json.NewEncoder(w).Encode(card)
	}))
	defer srv.Close()

	clock := time.Now()
	r := NewResolver(NewDirectory(srv.URL), time.Minute)
	r.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		key, err := r.ResolveKey(ctx, card.AgentID)
		require.NoError(t, err)
		assert.Equal(t, card.PublicKey, key)
	}
	assert.Equal(t, int32(1), hits.Load())

	clock = clock.Add(2 * time.Minute)
	_, err := r.ResolveKey(ctx, card.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())

	r.Forget(card.AgentID)
	_, err = r.Card(ctx, card.AgentID)
	require.NoError(t, err)
	assert.Equal(t, int32(3), hits.Load())

	_, err = r.ResolveKey(ctx, "sk_missing")
	assert.ErrorIs(t, err, exchange.ErrUnknownAgent)
}

func replyMessage() *models.Message {
	return &models.Message{
		Protocol:       models.ProtocolVersion,
		MessageID:      crypto.NewMessageID(),
		ConversationID: crypto.NewConversationID(),
		From:           "sk_peer",
		To:             "sk_me",
		Timestamp:      models.FormatTimestamp(time.Now()),
		Intent:         models.IntentMessage,
		Payload:        exchange.Receipt(),
		Signature:      "c2lnbmF0dXJl",
	}
}

func TestPeer_Send(t *testing.T) {
	fastRetry := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		name     string
		respond  func(attempt int32, w http.ResponseWriter)
		attempts int32
		code     models.ErrorCode
		ok       bool
	}{
		{
			name: "first attempt succeeds",
			respond: func(_ int32, w http.ResponseWriter) {
				json.NewEncoder(w).Encode(replyMessage())
			},
			attempts: 1, ok: true,
		},
		{
			name: "retryable error then success",
			respond: func(attempt int32, w http.ResponseWriter) {
				if attempt == 1 {
					w.WriteHeader(http.StatusServiceUnavailable)
					json.NewEncoder(w).Encode(models.NewError(models.CodeAgentUnavailable, "busy"))
					return
				}
				json.NewEncoder(w).Encode(replyMessage())
			},
			attempts: 2, ok: true,
		},
		{
			name: "permanent protocol error",
			respond: func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(models.NewError(models.CodeUnauthorized, "not on the allowlist"))
			},
			attempts: 1, code: models.CodeUnauthorized,
		},
		{
			name: "retries exhausted",
			respond: func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(models.NewError(models.CodeRateLimited, "slow down"))
			},
			attempts: 3, code: models.CodeRateLimited,
		},
		{
			name: "bad request without envelope",
			respond: func(_ int32, w http.ResponseWriter) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte("nope"))
			},
			attempts: 1,
		},
		{
			name: "malformed reply",
			respond: func(_ int32, w http.ResponseWriter) {
				w.Write([]byte(`{"squadklaw":"0.1.0"}`))
			},
			attempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				tt.respond(hits.Add(1), w)
			}))
			defer srv.Close()

			p := NewPeer(zerolog.Nop())
			p.Retry = fastRetry
			reply, err := p.Send(context.Background(), srv.URL, replyMessage())
			assert.Equal(t, tt.attempts, hits.Load())

			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, models.ActionAcknowledged, reply.Action())
				return
			}
			require.Error(t, err)
			if tt.code != "" {
				var pe *models.ProtocolError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, tt.code, pe.Response.Error.Code)
			}
		})
	}
}

func TestPeer_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewPeer(zerolog.Nop())
	p.Retry = RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1}
	_, err := p.Send(context.Background(), url, replyMessage())

	var exceeded ErrMaxRetriesExceeded
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 2, exceeded.Attempts)
}

func TestPeer_NoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(models.NewError(models.CodeAgentUnavailable, "busy"))
	}))
	defer srv.Close()

	p := NewPeer(zerolog.Nop())
	p.Retry = NoRetry()
	_, err := p.Send(context.Background(), srv.URL, replyMessage())
	var pe *models.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Response.Error.Retry)
	assert.Equal(t, int32(1), hits.Load())
}
