package host

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/api"
	"github.com/squadklaw/squadklaw/internal/approval"
	"github.com/squadklaw/squadklaw/internal/client"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/home"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
)

func newDirectory(t *testing.T) string {
	t.Helper()
	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	srv := httptest.NewServer(api.NewRouter(zerolog.Nop(), ds, nil, api.Options{}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// startHost registers a fresh agent with the directory and serves it.
func startHost(t *testing.T, dirURL, name string, policy *models.AccessControl) (*Host, string) {
	t.Helper()
	return startHostWith(t, dirURL, name, policy, Options{})
}

func startHostWith(t *testing.T, dirURL, name string, policy *models.AccessControl, opts Options) (*Host, string) {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	card := home.DefaultCard(name, srv.URL+"/")
	card.AgentID = crypto.NewAgentID()
	card.PublicKey = kp.PublicKey
	if policy != nil {
		card.AccessControl = policy
	}

	resp, err := client.NewDirectory(dirURL).Register(context.Background(), card, kp.PrivateKey, "")
	require.NoError(t, err)
	card.AgentID = resp.AgentID

	noRetry := client.NoRetry()
	opts.DirectoryURL = dirURL
	opts.ApprovalTTL = 2 * time.Second
	opts.Retry = &noRetry
	h, err := New(card, kp.PrivateKey, opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(h.Hub.Close)
	handler = h.Handler()
	return h, srv.URL
}

func TestHost_MessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)
	alice, _ := startHost(t, dir, "Alice", nil)
	bob, _ := startHost(t, dir, "Bob", nil)

	reply, err := alice.Messenger.Start(ctx, bob.Coordinator.Card().AgentID, models.IntentMessage,
		map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionAcknowledged, reply.Action())

	conv, err := bob.Coordinator.Conversation(ctx, reply.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, 1, conv.Turns())
}

func TestHost_SharedRedis(t *testing.T) {
	url := os.Getenv("SQUADKLAW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SQUADKLAW_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rs, err := store.NewRedisStore(ctx, url)
	require.NoError(t, err)
	require.NoError(t, rs.Client().FlushDB(ctx).Err())
	t.Cleanup(func() { rs.Close() })

	dir := newDirectory(t)
	alice, _ := startHostWith(t, dir, "Alice", nil, Options{Redis: rs})
	bob, _ := startHostWith(t, dir, "Bob", nil, Options{Redis: rs})

	reply, err := alice.Messenger.Start(ctx, bob.Coordinator.Card().AgentID, models.IntentMessage,
		map[string]any{"text": "same database"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionAcknowledged, reply.Action())

	for _, h := range []*Host{alice, bob} {
		conv, err := h.Coordinator.Conversation(ctx, reply.ConversationID)
		require.NoError(t, err)
		require.NotNil(t, conv)
		assert.Len(t, conv.Messages, 2)
	}

	n, err := alice.Coordinator.Expire(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	conv, err := bob.Coordinator.Conversation(ctx, reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.StateOpen, conv.State)
}

func TestHost_OwnerApproval(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t)
	alice, _ := startHost(t, dir, "Alice", nil)
	bob, bobURL := startHost(t, dir, "Bob", &models.AccessControl{Mode: models.AccessApproval})

	console, err := approval.Dial(ctx, "ws"+strings.TrimPrefix(bobURL, "http")+"/owner")
	require.NoError(t, err)
	asked := make(chan string, 1)
	console.Decide = func(_ context.Context, _ string, req access.Request) (bool, error) {
		asked <- req.Sender
		return true, nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go console.Run(runCtx)
	require.Eventually(t, func() bool { return bob.Hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	reply, err := alice.Messenger.Start(ctx, bob.Coordinator.Card().AgentID, models.IntentMessage,
		map[string]any{"text": "may I?"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionAcknowledged, reply.Action())
	assert.Equal(t, alice.Coordinator.Card().AgentID, <-asked)
}

func TestHost_ApprovalWithoutOwner(t *testing.T) {
	dir := newDirectory(t)
	alice, _ := startHost(t, dir, "Alice", nil)
	bob, _ := startHost(t, dir, "Bob", &models.AccessControl{Mode: models.AccessApproval})

	_, err := alice.Messenger.Start(context.Background(), bob.Coordinator.Card().AgentID, models.IntentMessage, nil)
	var pe *models.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.CodeAgentUnavailable, pe.Response.Error.Code)
}

func TestHost_ServeAndShutdown(t *testing.T) {
	dir := newDirectory(t)
	h, _ := startHost(t, dir, "Server", nil)
	h.expireInterval = 10 * time.Millisecond

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not shut down")
	}
}
