package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/api"
	"github.com/squadklaw/squadklaw/internal/client"
	"github.com/squadklaw/squadklaw/internal/config"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/home"
	"github.com/squadklaw/squadklaw/internal/host"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/store"
)

// syncBuffer is written from console goroutines and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newDirectory(t *testing.T) string {
	t.Helper()
	ds, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "directory.db"))
	require.NoError(t, err)
	t.Cleanup(ds.Close)
	srv := httptest.NewServer(api.NewRouter(zerolog.Nop(), ds, nil, api.Options{}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newCLI(dirURL string) (*cli, *syncBuffer) {
	out := &syncBuffer{}
	return &cli{
		cfg: &config.Config{
			DirectoryURL:     dirURL,
			ListenAddr:       config.DefaultListenAddr,
			ApprovalTTL:      2 * time.Second,
			InboundRateLimit: config.DefaultInboundRateLimit,
		},
		out:    out,
		in:     strings.NewReader(""),
		logger: zerolog.Nop(),
	}, out
}

// startPeer serves a registered agent that the CLI can talk to.
func startPeer(t *testing.T, dirURL, name string, policy *models.AccessControl) (*host.Host, string) {
	t.Helper()
	var handler http.Handler = http.NotFoundHandler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	card := home.DefaultCard(name, srv.URL+"/")
	card.AgentID = crypto.NewAgentID()
	card.PublicKey = keys.PublicKey
	if policy != nil {
		card.AccessControl = policy
	}

	resp, err := client.NewDirectory(dirURL).Register(context.Background(), card, keys.PrivateKey, "")
	require.NoError(t, err)
	card.AgentID = resp.AgentID

	h, err := host.New(card, keys.PrivateKey, host.Options{DirectoryURL: dirURL, ApprovalTTL: 2 * time.Second}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(h.Hub.Close)
	handler = h.Handler()
	return h, srv.URL
}

func TestRun_Usage(t *testing.T) {
	c, out := newCLI("http://localhost:3141")
	err := c.run(context.Background(), nil)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "Usage: sklaw")

	err = c.run(context.Background(), []string{"-home", t.TempDir(), "fly"})
	assert.ErrorContains(t, err, `unknown command "fly"`)
}

func TestAgentLifecycle(t *testing.T) {
	ctx := context.Background()
	dirURL := newDirectory(t)
	homeDir := t.TempDir()
	c, out := newCLI(dirURL)
	run := func(args ...string) string {
		t.Helper()
		before := len(out.String())
		require.NoError(t, c.run(ctx, append([]string{"-home", homeDir}, args...)))
		return out.String()[before:]
	}

	initOut := run("init", "-name", "Barista", "-endpoint", "https://barista.example.com/", "-directory", dirURL+"/")
	assert.Contains(t, initOut, `Initialized agent "Barista"`)

	h := home.Home{Dir: homeDir}
	settings, err := h.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, dirURL, settings.DirectoryURL)

	assert.Contains(t, run("status"), "not registered")

	regOut := run("register")
	id := regexp.MustCompile(`sk_[0-9a-f]{32}`).FindString(regOut)
	require.NotEmpty(t, id)

	card, err := h.LoadCard()
	require.NoError(t, err)
	assert.Equal(t, id, card.AgentID)
	settings, err = h.LoadSettings()
	require.NoError(t, err)
	assert.NotEmpty(t, settings.Token)

	assert.Contains(t, run("status"), "Listing:      active")

	// Renewal keeps the ID.
	assert.Contains(t, run("register"), id)

	found := run("discover", "-c", "scheduling")
	assert.Contains(t, found, id)
	assert.Contains(t, found, "Barista")
	assert.Contains(t, run("discover", "-q", "nobody-matches-this"), "No agents found")

	assert.Contains(t, run("unregister"), id)
	assert.Contains(t, run("status"), "not registered")
	_, err = client.NewDirectory(dirURL).Get(ctx, id)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestInit_Profile(t *testing.T) {
	profilePath := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(profilePath, []byte(`
name: Brew Bot
endpoint: https://brew.example.com/squadklaw
directory: http://directory.example.com
capabilities: [scheduling, coffee]
intents: [schedule, message]
access_control:
  mode: approval
`), 0o644))

	homeDir := t.TempDir()
	c, _ := newCLI("http://localhost:3141")
	require.NoError(t, c.run(context.Background(), []string{"-home", homeDir, "init", "-profile", profilePath}))

	h := home.Home{Dir: homeDir}
	card, err := h.LoadCard()
	require.NoError(t, err)
	assert.Equal(t, "Brew Bot", card.Name)
	assert.Equal(t, models.AccessApproval, card.Policy().Mode)
	settings, err := h.LoadSettings()
	require.NoError(t, err)
	assert.Equal(t, "http://directory.example.com", settings.DirectoryURL)

	err = c.run(context.Background(), []string{"-home", homeDir, "init", "-name", "Again"})
	assert.ErrorIs(t, err, home.ErrAlreadyInitialized)
}

func TestInit_RequiresName(t *testing.T) {
	c, _ := newCLI("http://localhost:3141")
	err := c.run(context.Background(), []string{"-home", t.TempDir(), "init"})
	assert.ErrorContains(t, err, "-name or -profile")
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	dirURL := newDirectory(t)
	bob, _ := startPeer(t, dirURL, "Bob", nil)

	homeDir := t.TempDir()
	c, out := newCLI(dirURL)
	require.NoError(t, c.run(ctx, []string{"-home", homeDir, "init", "-name", "Alice", "-endpoint", "https://alice.example.com/"}))
	require.NoError(t, c.run(ctx, []string{"-home", homeDir, "register"}))

	bobID := bob.Coordinator.Card().AgentID
	require.NoError(t, c.run(ctx, []string{"-home", homeDir, "send", "-text", "hello bob", bobID}))
	assert.Contains(t, out.String(), models.ActionAcknowledged)

	err := c.run(ctx, []string{"-home", homeDir, "send", "-payload", "[1,2]", bobID})
	assert.ErrorContains(t, err, "JSON object")

	err = c.run(ctx, []string{"-home", homeDir, "send"})
	assert.ErrorContains(t, err, "usage")
}

func TestOwner_AutoApprove(t *testing.T) {
	ctx := context.Background()
	dirURL := newDirectory(t)
	bob, bobURL := startPeer(t, dirURL, "Bob", &models.AccessControl{Mode: models.AccessApproval})
	alice, _ := startPeer(t, dirURL, "Alice", nil)

	c, out := newCLI(dirURL)
	args := []string{"-home", t.TempDir(), "owner", "-auto", "approve",
		"-url", "ws" + strings.TrimPrefix(bobURL, "http") + "/owner"}
	ownerCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.run(ownerCtx, args) }()
	require.Eventually(t, func() bool { return bob.Hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	reply, err := alice.Messenger.Start(ctx, bob.Coordinator.Card().AgentID, models.IntentMessage,
		map[string]any{"text": "coffee?"})
	require.NoError(t, err)
	assert.Equal(t, models.ActionAcknowledged, reply.Action())

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Auto-approve message from "+alice.Coordinator.Card().AgentID)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("owner console did not exit")
	}
}

func TestOwner_BadAuto(t *testing.T) {
	c, _ := newCLI("http://localhost:3141")
	err := c.run(context.Background(), []string{"-home", t.TempDir(), "owner", "-auto", "maybe", "-url", "ws://localhost:1/owner"})
	assert.ErrorContains(t, err, "-auto must be approve or reject")
}

func TestPrompt(t *testing.T) {
	c, out := newCLI("http://localhost:3141")
	c.in = strings.NewReader("what\ny\nno\n")
	decide := c.prompt(bufio.NewScanner(c.in))

	req := access.Request{
		Sender:    "sk_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Recipient: "sk_bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Message:   &models.Message{Intent: models.IntentMessage},
	}
	ok, err := decide(context.Background(), "apr_1", req)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = decide(context.Background(), "apr_2", req)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = decide(context.Background(), "apr_3", req)
	assert.Error(t, err)
	assert.Equal(t, 4, strings.Count(out.String(), "[y/n]"))
}

func TestDemo(t *testing.T) {
	c, out := newCLI("")
	require.NoError(t, c.run(context.Background(), []string{"-home", t.TempDir(), "demo"}))
	assert.Contains(t, out.String(), "[counter]")
	assert.Contains(t, out.String(), ": accepted after 3 turns")
}
