package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
)

type testAgent struct {
	*Coordinator
	card *models.AgentCard
	keys crypto.KeyPair
}

func newTestAgent(t *testing.T, registry StaticKeys, intents []string, opts ...Option) *testAgent {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	card := &models.AgentCard{
		Protocol:     models.ProtocolVersion,
		AgentID:      crypto.NewAgentID(),
		Name:         "test agent",
		Endpoint:     "http://localhost:3142",
		PublicKey:    kp.PublicKey,
		Capabilities: []string{"scheduling"},
		Intents:      intents,
	}
	registry[card.AgentID] = kp.PublicKey

	c, err := New(card, kp.PrivateKey, append([]Option{WithKeyResolver(registry)}, opts...)...)
	require.NoError(t, err)
	return &testAgent{Coordinator: c, card: card, keys: kp}
}

func wire(t *testing.T, msg *models.Message) []byte {
	t.Helper()
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return raw
}

// forge builds a correctly signed message outside any coordinator.
func forge(t *testing.T, from *testAgent, to, conversationID string, payload map[string]any) *models.Message {
	t.Helper()
	msg := &models.Message{
		Protocol:       models.ProtocolVersion,
		MessageID:      crypto.NewMessageID(),
		ConversationID: conversationID,
		From:           from.card.AgentID,
		To:             to,
		Timestamp:      models.FormatTimestamp(time.Now()),
		Intent:         models.IntentSchedule,
		Payload:        payload,
	}
	require.NoError(t, crypto.DefaultSigner.SignMessage(msg, from.keys.PrivateKey))
	return msg
}

var scheduling = []string{models.IntentSchedule}

func TestCoordinator_CoffeeNegotiation(t *testing.T) {
	ctx := context.Background()
	registry := StaticKeys{}

	alice := newTestAgent(t, registry, scheduling)
	bob := newTestAgent(t, registry, scheduling, WithHandler(models.IntentSchedule,
		HandlerFunc(func(_ context.Context, conv *models.Conversation, msg *models.Message) (map[string]any, error) {
			if msg.Action() != models.ActionPropose {
				return nil, nil
			}
			p, err := models.ParseSchedule(msg.Payload)
			if err != nil {
				return nil, err
			}
			return models.Counter(p.Event.ProposedTimes[1], "45m", "Sightglass Coffee, SoMa").Map(), nil
		})))

	propose, err := alice.Start(ctx, bob.card.AgentID, models.IntentSchedule, models.Propose("Coffee catch-up", "30m",
		"2026-02-21T10:00:00-08:00",
		"2026-02-21T14:00:00-08:00",
		"2026-02-22T11:00:00-08:00",
	).Map())
	require.NoError(t, err)
	assert.True(t, crypto.DefaultSigner.VerifyMessage(propose, alice.keys.PublicKey))

	counter, errResp := bob.Receive(ctx, wire(t, propose))
	require.Nil(t, errResp)
	assert.Equal(t, models.ActionCounter, counter.Action())
	assert.Equal(t, alice.card.AgentID, counter.To)
	assert.True(t, crypto.DefaultSigner.VerifyMessage(counter, bob.keys.PublicKey))

	event, err := models.ParseSchedule(counter.Payload)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-21T14:00:00-08:00", event.Event.SelectedTime)

	_, err = alice.Accept(ctx, counter)
	require.NoError(t, err)

	accept, err := alice.Reply(ctx, counter, models.Accept().Map())
	require.NoError(t, err)

	receipt, errResp := bob.Receive(ctx, wire(t, accept))
	require.Nil(t, errResp)
	assert.Equal(t, models.ActionAcknowledged, receipt.Action())
	_, err = alice.Accept(ctx, receipt)
	require.NoError(t, err)

	for _, party := range []*testAgent{alice, bob} {
		conv, err := party.Conversation(ctx, propose.ConversationID)
		require.NoError(t, err)
		require.NotNil(t, conv)
		assert.Equal(t, models.StateAccepted, conv.State)
		assert.Equal(t, 3, conv.Turns())
		assert.Equal(t, alice.card.AgentID, conv.Initiator)
	}

	negotiation := []*models.Message{propose, counter, accept}
	ids := map[string]bool{}
	for _, m := range negotiation {
		ids[m.MessageID] = true
		assert.Equal(t, propose.ConversationID, m.ConversationID)
	}
	assert.Len(t, ids, 3)

	_, err = alice.Reply(ctx, counter, models.Counter("2026-02-23T09:00:00-08:00", "30m", "").Map())
	var pe *models.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.CodeConversationClosed, pe.Response.Error.Code)

	late := forge(t, alice, bob.card.AgentID, propose.ConversationID, models.Counter("x", "30m", "").Map())
	_, errResp = bob.Receive(ctx, wire(t, late))
	require.NotNil(t, errResp)
	assert.Equal(t, models.CodeConversationClosed, errResp.Error.Code)
}

func TestCoordinator_ReceiveRejections(t *testing.T) {
	ctx := context.Background()
	registry := StaticKeys{}
	alice := newTestAgent(t, registry, scheduling)

	t.Run("malformed json", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		_, errResp := bob.Receive(ctx, []byte(`{not json`))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeInvalidMessage, errResp.Error.Code)
	})

	t.Run("wrong recipient", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		carol := newTestAgent(t, registry, scheduling)
		msg, err := alice.Start(ctx, carol.card.AgentID, models.IntentSchedule, nil)
		require.NoError(t, err)
		_, errResp := bob.Receive(ctx, wire(t, msg))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeInvalidMessage, errResp.Error.Code)
	})

	t.Run("tampered payload", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentSchedule, models.Propose("Coffee", "30m", "t1").Map())
		require.NoError(t, err)
		msg.Payload["action"] = "accept"
		_, errResp := bob.Receive(ctx, wire(t, msg))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeInvalidSignature, errResp.Error.Code)
		assert.False(t, errResp.Error.Retry)
	})

	t.Run("unknown sender", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		stranger := newTestAgent(t, StaticKeys{}, scheduling)
		msg, err := stranger.Start(ctx, bob.card.AgentID, models.IntentSchedule, nil)
		require.NoError(t, err)
		_, errResp := bob.Receive(ctx, wire(t, msg))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeUnauthorized, errResp.Error.Code)
	})

	t.Run("clock skew", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling,
			WithClock(func() time.Time { return time.Now().Add(10 * time.Minute) }))
		msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentSchedule, nil)
		require.NoError(t, err)
		_, errResp := bob.Receive(ctx, wire(t, msg))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeInvalidMessage, errResp.Error.Code)
	})

	t.Run("blocked sender", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		bob.card.AccessControl = &models.AccessControl{Mode: models.AccessOpen, Block: []string{alice.card.AgentID}}
		msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentSchedule, nil)
		require.NoError(t, err)
		_, errResp := bob.Receive(ctx, wire(t, msg))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeUnauthorized, errResp.Error.Code)
	})

	t.Run("intent not supported", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentHandoff, nil)
		require.NoError(t, err)
		_, errResp := bob.Receive(ctx, wire(t, msg))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeIntentNotSupported, errResp.Error.Code)
	})

	t.Run("replay", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling)
		msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentSchedule, models.Propose("Coffee", "30m", "t1").Map())
		require.NoError(t, err)
		first, errResp := bob.Receive(ctx, wire(t, msg))
		require.Nil(t, errResp)

		// An identical redelivery gets the same answer and changes nothing.
		again, errResp := bob.Receive(ctx, wire(t, msg))
		require.Nil(t, errResp)
		assert.Equal(t, first.MessageID, again.MessageID)
		conv, err := bob.Conversation(ctx, msg.ConversationID)
		require.NoError(t, err)
		assert.Len(t, conv.Messages, 2)

		reused := *msg
		reused.Payload = models.Propose("Tea", "30m", "t2").Map()
		require.NoError(t, crypto.DefaultSigner.SignMessage(&reused, alice.keys.PrivateKey))
		_, errResp = bob.Receive(ctx, wire(t, &reused))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeInvalidMessage, errResp.Error.Code)
	})

	t.Run("rate limited", func(t *testing.T) {
		bob := newTestAgent(t, registry, scheduling, WithRateLimiter(NewWindowLimiter(1, time.Minute)))
		for i, wantCode := range []models.ErrorCode{"", models.CodeRateLimited} {
			msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentSchedule, nil)
			require.NoError(t, err)
			_, errResp := bob.Receive(ctx, wire(t, msg))
			if wantCode == "" {
				require.Nil(t, errResp, "message %d", i)
				continue
			}
			require.NotNil(t, errResp)
			assert.Equal(t, wantCode, errResp.Error.Code)
			assert.True(t, errResp.Error.Retry)
		}
	})
}

func TestCoordinator_SchemaCheckedBeforeKeyLookup(t *testing.T) {
	lookups := 0
	registry := StaticKeys{}
	bob := newTestAgent(t, registry, scheduling, WithKeyResolver(KeyResolverFunc(
		func(ctx context.Context, agentID string) (string, error) {
			lookups++
			return registry.ResolveKey(ctx, agentID)
		})))

	bad := []string{
		`{"squadklaw":"0.1.0"}`,
		`{"squadklaw":"0.1.0","message_id":"msg_1","conversation_id":"conv_1","from":"sk_a","to":"bob",` +
			`"timestamp":"2026-01-01T00:00:00Z","intent":"schedule","payload":{},"signature":"c2ln"}`,
	}
	for _, raw := range bad {
		_, errResp := bob.Receive(context.Background(), []byte(raw))
		require.NotNil(t, errResp)
		assert.Equal(t, models.CodeInvalidMessage, errResp.Error.Code)
	}
	assert.Zero(t, lookups)
}

func TestCoordinator_ApprovalMode(t *testing.T) {
	ctx := context.Background()
	registry := StaticKeys{}
	alice := newTestAgent(t, registry, scheduling)

	approving := newTestAgent(t, registry, scheduling, WithGate(access.NewGate(access.ApproverFunc(
		func(context.Context, access.Request) (bool, error) { return true, nil }))))
	approving.card.AccessControl = &models.AccessControl{Mode: models.AccessApproval}

	msg, err := alice.Start(ctx, approving.card.AgentID, models.IntentSchedule, nil)
	require.NoError(t, err)
	_, errResp := approving.Receive(ctx, wire(t, msg))
	assert.Nil(t, errResp)

	unattended := newTestAgent(t, registry, scheduling)
	unattended.card.AccessControl = &models.AccessControl{Mode: models.AccessApproval}
	msg, err = alice.Start(ctx, unattended.card.AgentID, models.IntentSchedule, nil)
	require.NoError(t, err)
	_, errResp = unattended.Receive(ctx, wire(t, msg))
	require.NotNil(t, errResp)
	assert.Equal(t, models.CodeOwnerRejected, errResp.Error.Code)
}

func TestCoordinator_HandlerErrors(t *testing.T) {
	ctx := context.Background()
	registry := StaticKeys{}
	alice := newTestAgent(t, registry, scheduling)

	busy := newTestAgent(t, registry, scheduling, WithHandler(models.IntentSchedule,
		HandlerFunc(func(context.Context, *models.Conversation, *models.Message) (map[string]any, error) {
			return nil, models.NewError(models.CodeOwnerRejected, "calendar is full").AsError()
		})))
	msg, err := alice.Start(ctx, busy.card.AgentID, models.IntentSchedule, nil)
	require.NoError(t, err)
	_, errResp := busy.Receive(ctx, wire(t, msg))
	require.NotNil(t, errResp)
	assert.Equal(t, models.CodeOwnerRejected, errResp.Error.Code)
	assert.Equal(t, "calendar is full", errResp.Error.Message)

	conv, err := busy.Conversation(ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Nil(t, conv, "failed messages are not recorded")

	broken := newTestAgent(t, registry, scheduling, WithHandler(models.IntentSchedule,
		HandlerFunc(func(context.Context, *models.Conversation, *models.Message) (map[string]any, error) {
			return nil, errors.New("boom")
		})))
	msg, err = alice.Start(ctx, broken.card.AgentID, models.IntentSchedule, nil)
	require.NoError(t, err)
	_, errResp = broken.Receive(ctx, wire(t, msg))
	require.NotNil(t, errResp)
	assert.Equal(t, models.CodeAgentUnavailable, errResp.Error.Code)
}

func TestCoordinator_AcceptRejectsUnsolicited(t *testing.T) {
	ctx := context.Background()
	registry := StaticKeys{}
	alice := newTestAgent(t, registry, scheduling)
	bob := newTestAgent(t, registry, scheduling)

	stray := forge(t, bob, alice.card.AgentID, crypto.NewConversationID(), Receipt())
	_, err := alice.Accept(ctx, stray)
	var pe *models.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, models.CodeInvalidMessage, pe.Response.Error.Code)
}

func TestCoordinator_Expire(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	clock := time.Date(2026, 2, 21, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	registry := StaticKeys{}
	alice := newTestAgent(t, registry, scheduling, WithClock(now))
	msg, err := alice.Start(ctx, crypto.NewAgentID(), models.IntentSchedule, models.Propose("Coffee", "30m", "t1").Map())
	require.NoError(t, err)

	n, err := alice.Expire(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	mu.Lock()
	clock = clock.Add(2 * time.Hour)
	mu.Unlock()

	n, err = alice.Expire(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	conv, err := alice.Conversation(ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExpired, conv.State)

	n, err = alice.Expire(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCoordinator_Observer(t *testing.T) {
	ctx := context.Background()
	registry := StaticKeys{}
	alice := newTestAgent(t, registry, scheduling)

	var events []Event
	bob := newTestAgent(t, registry, scheduling, WithObserver(func(ev Event) { events = append(events, ev) }))

	msg, err := alice.Start(ctx, bob.card.AgentID, models.IntentMessage, nil)
	require.NoError(t, err)
	bob.card.Intents = append(bob.card.Intents, models.IntentMessage)
	_, errResp := bob.Receive(ctx, wire(t, msg))
	require.Nil(t, errResp)

	require.Len(t, events, 2)
	assert.Equal(t, Inbound, events[0].Direction)
	assert.Equal(t, msg.MessageID, events[0].Message.MessageID)
	assert.Equal(t, Outbound, events[1].Direction)
	assert.Equal(t, models.ActionAcknowledged, events[1].Message.Action())
}

func TestNew_KeyMismatch(t *testing.T) {
	k1, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	k2, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	card := &models.AgentCard{AgentID: crypto.NewAgentID(), PublicKey: k1.PublicKey}
	_, err = New(card, k2.PrivateKey)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = New(card, k1.PrivateKey)
	assert.NoError(t, err)
}

func TestWindowLimiter(t *testing.T) {
	ctx := context.Background()
	l := NewWindowLimiter(2, time.Minute)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "sk_a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "sk_a")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "sk_b")
	assert.True(t, ok, "keys are independent")

	clock = clock.Add(time.Minute)
	ok, _ = l.Allow(ctx, "sk_a")
	assert.True(t, ok, "new window")
}
