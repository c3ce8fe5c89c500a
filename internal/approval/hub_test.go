package approval

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/models"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testRequest() access.Request {
	return access.Request{
		Sender:    "sk_alice",
		Recipient: "sk_bob",
		Message:   &models.Message{MessageID: "msg_1", From: "sk_alice", To: "sk_bob", Intent: models.IntentMessage},
	}
}

func attach(t *testing.T, url string, decide DecideFunc) *Console {
	t.Helper()
	c, err := Dial(context.Background(), url)
	require.NoError(t, err)
	c.Decide = decide

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestApprove_NoOwner(t *testing.T) {
	hub, _ := newTestHub(t)

	ok, err := hub.Approve(context.Background(), testRequest())
	assert.False(t, ok)
	assert.ErrorIs(t, err, access.ErrNoOwner)
}

func TestApprove_Decisions(t *testing.T) {
	for _, want := range []bool{true, false} {
		hub, url := newTestHub(t)

		seen := make(chan access.Request, 1)
		attach(t, url, func(_ context.Context, id string, req access.Request) (bool, error) {
			assert.True(t, strings.HasPrefix(id, "apr_"))
			seen <- req
			return want, nil
		})
		waitForClients(t, hub, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		got, err := hub.Approve(ctx, testRequest())
		cancel()
		require.NoError(t, err)
		assert.Equal(t, want, got)
		req := <-seen
		assert.Equal(t, "sk_alice", req.Sender)
		assert.Equal(t, "msg_1", req.Message.MessageID)
		assert.Zero(t, hub.Pending())
	}
}

func TestApprove_Timeout(t *testing.T) {
	hub, url := newTestHub(t)
	attach(t, url, nil)
	waitForClients(t, hub, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	ok, err := hub.Approve(ctx, testRequest())
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, hub.Pending())
}

func TestApprove_LateConsoleSeesPendingRequest(t *testing.T) {
	hub, url := newTestHub(t)
	attach(t, url, nil)
	waitForClients(t, hub, 1)

	result := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, _ := hub.Approve(ctx, testRequest())
		result <- ok
	}()
	require.Eventually(t, func() bool { return hub.Pending() == 1 }, 2*time.Second, 10*time.Millisecond)

	attach(t, url, func(context.Context, string, access.Request) (bool, error) { return true, nil })

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("approval never resolved")
	}
}

func TestResolve_UnknownID(t *testing.T) {
	hub, _ := newTestHub(t)
	assert.False(t, hub.Resolve("apr_missing", true))
}

func TestPublish_ReachesConsoles(t *testing.T) {
	hub, url := newTestHub(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var hello Frame
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, TypeConnection, hello.Type)
	waitForClients(t, hub, 1)

	hub.Publish(exchange.Event{
		Direction: exchange.Inbound,
		Message:   &models.Message{MessageID: "msg_42", Intent: models.IntentMessage},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, TypeEvent, f.Type)
	require.NotNil(t, f.Event)
	assert.Equal(t, exchange.Inbound, f.Event.Direction)
	assert.Equal(t, "msg_42", f.Event.Message.MessageID)
}

func TestGateWithHub(t *testing.T) {
	hub, url := newTestHub(t)
	attach(t, url, func(_ context.Context, _ string, req access.Request) (bool, error) {
		return req.Sender == "sk_alice", nil
	})
	waitForClients(t, hub, 1)

	gate := access.NewGate(hub)
	gate.TTL = 2 * time.Second
	policy := &models.AccessControl{Mode: models.AccessApproval}

	msg := testRequest().Message
	assert.Nil(t, gate.Check(context.Background(), policy, msg))

	stranger := *msg
	stranger.From = "sk_mallory"
	resp := gate.Check(context.Background(), policy, &stranger)
	require.NotNil(t, resp)
	assert.Equal(t, models.CodeOwnerRejected, resp.Error.Code)
}
