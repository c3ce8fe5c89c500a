package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/crypto"
	"github.com/squadklaw/squadklaw/internal/models"
	"github.com/squadklaw/squadklaw/internal/validate"
)

// DefaultMaxClockSkew is how far an inbound timestamp may drift from local time.
const DefaultMaxClockSkew = 5 * time.Minute

var (
	// ErrUnknownAgent is returned by resolvers for agents they cannot find.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrKeyMismatch means the private key does not belong to the card.
	ErrKeyMismatch = errors.New("private key does not match card public key")

	errSkip = errors.New("skip")
)

// KeyResolver looks up the public key registered for an agent.
type KeyResolver interface {
	ResolveKey(ctx context.Context, agentID string) (string, error)
}

// KeyResolverFunc adapts a function to KeyResolver.
type KeyResolverFunc func(ctx context.Context, agentID string) (string, error)

func (f KeyResolverFunc) ResolveKey(ctx context.Context, agentID string) (string, error) {
	return f(ctx, agentID)
}

// StaticKeys resolves from a fixed agent ID to public key map.
type StaticKeys map[string]string

func (k StaticKeys) ResolveKey(_ context.Context, agentID string) (string, error) {
	key, ok := k[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return key, nil
}

// IntentHandler interprets an accepted inbound message and returns the
// reply payload. conv already includes msg. A nil payload sends a
// delivery receipt; returning a *models.ProtocolError answers with it.
type IntentHandler interface {
	HandleIntent(ctx context.Context, conv *models.Conversation, msg *models.Message) (map[string]any, error)
}

// HandlerFunc adapts a function to IntentHandler.
type HandlerFunc func(ctx context.Context, conv *models.Conversation, msg *models.Message) (map[string]any, error)

func (f HandlerFunc) HandleIntent(ctx context.Context, conv *models.Conversation, msg *models.Message) (map[string]any, error) {
	return f(ctx, conv, msg)
}

// Direction tells observers which way a message travelled.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Event is emitted for every message recorded in a conversation.
type Event struct {
	Direction    Direction            `json:"direction"`
	Message      *models.Message      `json:"message"`
	Conversation *models.Conversation `json:"conversation"`
}

// Receipt is the payload sent when no handler produces a reply.
func Receipt() map[string]any {
	return map[string]any{
		"action":  models.ActionAcknowledged,
		"message": "Message received by agent",
	}
}

// Coordinator is the exchange engine for one local agent identity.
type Coordinator struct {
	card       *models.AgentCard
	privateKey string

	signer   *crypto.Signer
	store    Store
	gate     *access.Gate
	limiter  RateLimiter
	resolver KeyResolver
	handlers map[string]IntentHandler
	observer func(Event)
	now      func() time.Time
	maxSkew  time.Duration
	logger   zerolog.Logger
}

// New creates a coordinator acting as card, signing with privateKey.
func New(card *models.AgentCard, privateKey string, opts ...Option) (*Coordinator, error) {
	if card == nil {
		return nil, errors.New("exchange: card is required")
	}
	c := &Coordinator{
		card:       card,
		privateKey: privateKey,
		signer:     crypto.DefaultSigner,
		store:      NewMemoryStore(),
		gate:       access.NewGate(nil),
		handlers:   make(map[string]IntentHandler),
		now:        time.Now,
		maxSkew:    DefaultMaxClockSkew,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if crypto.IsEd25519(c.signer.Scheme) {
		derived, err := crypto.PublicKeyFor(privateKey)
		if err != nil {
			return nil, fmt.Errorf("exchange: %w", err)
		}
		if !crypto.SamePublicKey(derived, card.PublicKey) {
			return nil, ErrKeyMismatch
		}
	}
	return c, nil
}

// Card returns the local agent card.
func (c *Coordinator) Card() *models.AgentCard { return c.card }

// Conversation returns the stored conversation, or nil.
func (c *Coordinator) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	return c.store.GetConversation(ctx, id)
}

// Start opens a new conversation with to and returns the signed first message.
func (c *Coordinator) Start(ctx context.Context, to, intent string, payload map[string]any) (*models.Message, error) {
	msg, err := c.Compose(ctx, to, intent, payload)
	if err != nil {
		return nil, err
	}
	if err := c.Record(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Reply answers in on the same conversation with a fresh message.
func (c *Coordinator) Reply(ctx context.Context, in *models.Message, payload map[string]any) (*models.Message, error) {
	msg, err := c.ComposeReply(ctx, in, payload)
	if err != nil {
		return nil, err
	}
	if err := c.Record(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Compose is Start without recording the message.
func (c *Coordinator) Compose(ctx context.Context, to, intent string, payload map[string]any) (*models.Message, error) {
	return c.compose(ctx, to, crypto.NewConversationID(), intent, payload)
}

// ComposeReply is Reply without recording the message. The reply is
// checked against the stored conversation.
func (c *Coordinator) ComposeReply(ctx context.Context, in *models.Message, payload map[string]any) (*models.Message, error) {
	return c.compose(ctx, in.From, in.ConversationID, in.Intent, payload)
}

// Record appends an outbound message built by Compose or ComposeReply,
// typically once the peer has taken delivery.
func (c *Coordinator) Record(ctx context.Context, msg *models.Message) error {
	return c.record(ctx, msg, Outbound)
}

func (c *Coordinator) compose(ctx context.Context, to, conversationID, intent string, payload map[string]any) (*models.Message, error) {
	msg, err := c.newMessage(to, conversationID, intent, payload)
	if err != nil {
		return nil, err
	}
	current, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if _, errResp := Transition(current, msg); errResp != nil {
		return nil, errResp.AsError()
	}
	return msg, nil
}

// Accept authenticates a reply received on the send path and records it.
// Only replies to known conversations are accepted.
func (c *Coordinator) Accept(ctx context.Context, msg *models.Message) (*models.Conversation, error) {
	if err := validate.Message(msg); err != nil {
		return nil, models.Errorf(models.CodeInvalidMessage, "invalid message: %v", err).AsError()
	}
	if errResp := c.authenticate(ctx, msg); errResp != nil {
		return nil, errResp.AsError()
	}

	current, err := c.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if current == nil {
		return nil, models.Errorf(models.CodeInvalidMessage, "unsolicited reply for conversation %s", msg.ConversationID).AsError()
	}

	if err := c.record(ctx, msg, Inbound); err != nil {
		return nil, err
	}
	return c.store.GetConversation(ctx, msg.ConversationID)
}

// Receive runs the inbound pipeline over wire bytes and returns either the
// signed reply or the error to answer with.
func (c *Coordinator) Receive(ctx context.Context, raw []byte) (*models.Message, *models.ErrorResponse) {
	msg, errResp := validate.DecodeMessage(raw)
	if errResp != nil {
		c.logRejected(nil, errResp)
		return nil, errResp
	}
	return c.ReceiveMessage(ctx, msg)
}

// ReceiveMessage is Receive for an already decoded message.
func (c *Coordinator) ReceiveMessage(ctx context.Context, msg *models.Message) (*models.Message, *models.ErrorResponse) {
	reply, errResp := c.receive(ctx, msg)
	if errResp != nil {
		c.logRejected(msg, errResp)
	}
	return reply, errResp
}

func (c *Coordinator) receive(ctx context.Context, msg *models.Message) (*models.Message, *models.ErrorResponse) {
	if err := validate.Message(msg); err != nil {
		return nil, models.Errorf(models.CodeInvalidMessage, "invalid message: %v", err)
	}
	if errResp := c.authenticate(ctx, msg); errResp != nil {
		return nil, errResp
	}
	if reply := c.redelivered(ctx, msg); reply != nil {
		c.logger.Info().
			Str("conversation_id", msg.ConversationID).
			Str("message_id", msg.MessageID).
			Msg("Answered redelivered message")
		return reply, nil
	}

	if c.limiter != nil {
		ok, err := c.limiter.Allow(ctx, msg.From)
		if err != nil {
			c.logger.Warn().Err(err).Str("from", msg.From).Msg("Rate limiter unavailable")
		} else if !ok {
			return nil, models.Errorf(models.CodeRateLimited, "too many messages from %s", msg.From)
		}
	}

	if errResp := c.gate.Check(ctx, c.card.AccessControl, msg); errResp != nil {
		return nil, errResp
	}
	if !c.card.HasIntent(msg.Intent) {
		return nil, models.Errorf(models.CodeIntentNotSupported, "intent %q is not supported", msg.Intent)
	}

	current, err := c.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		c.logger.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to load conversation")
		return nil, models.NewError(models.CodeAgentUnavailable, "conversation store unavailable")
	}
	preview, errResp := Transition(current, msg)
	if errResp != nil {
		return nil, errResp
	}

	payload, errResp := c.handle(ctx, preview, msg)
	if errResp != nil {
		return nil, errResp
	}
	reply, err := c.newMessage(msg.From, msg.ConversationID, msg.Intent, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to build reply")
		return nil, models.NewError(models.CodeAgentUnavailable, "could not build reply")
	}

	conv, err := c.store.UpdateConversation(ctx, msg.ConversationID, func(cur *models.Conversation) (*models.Conversation, error) {
		next, errResp := Transition(cur, msg)
		if errResp != nil {
			return nil, errResp.AsError()
		}
		next, errResp = Transition(next, reply)
		if errResp != nil {
			return nil, errResp.AsError()
		}
		c.stamp(next, cur)
		return next, nil
	})
	if err != nil {
		var pe *models.ProtocolError
		if errors.As(err, &pe) {
			return nil, pe.Response
		}
		c.logger.Error().Err(err).Str("conversation_id", msg.ConversationID).Msg("Failed to record conversation")
		return nil, models.NewError(models.CodeAgentUnavailable, "conversation store unavailable")
	}

	c.logger.Info().
		Str("conversation_id", conv.ID).
		Str("from", msg.From).
		Str("intent", msg.Intent).
		Str("action", msg.Action()).
		Str("state", string(conv.State)).
		Msg("Message accepted")

	c.notify(Inbound, msg, conv)
	c.notify(Outbound, reply, conv)
	return reply, nil
}

// Expire moves conversations idle for longer than idle to expired and
// returns how many were moved.
func (c *Coordinator) Expire(ctx context.Context, idle time.Duration) (int, error) {
	convs, err := c.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := c.now().Add(-idle)

	expired := 0
	for _, conv := range convs {
		if conv.State.Terminal() || !conv.UpdatedAt.Before(cutoff) {
			continue
		}
		_, err := c.store.UpdateConversation(ctx, conv.ID, func(cur *models.Conversation) (*models.Conversation, error) {
			if cur == nil || !cur.UpdatedAt.Before(cutoff) {
				return nil, errSkip
			}
			next, changed := Expire(cur)
			if !changed {
				return nil, errSkip
			}
			next.UpdatedAt = c.now()
			return next, nil
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		c.logger.Info().Int("count", expired).Dur("idle", idle).Msg("Expired idle conversations")
	}
	return expired, nil
}

// redelivered returns the reply already sent for msg when msg is an exact
// copy of a message accepted earlier, so that a sender retrying after a
// lost response gets the same answer. Anything else reusing a known
// message ID is left to Transition, which rejects it.
func (c *Coordinator) redelivered(ctx context.Context, msg *models.Message) *models.Message {
	conv, err := c.store.GetConversation(ctx, msg.ConversationID)
	if err != nil || conv == nil {
		return nil
	}
	for i, m := range conv.Messages {
		if m.MessageID != msg.MessageID {
			continue
		}
		if m.From != msg.From || m.Signature != msg.Signature || i+1 == len(conv.Messages) {
			return nil
		}
		if next := conv.Messages[i+1]; next.From == c.card.AgentID && next.To == msg.From {
			return next
		}
		return nil
	}
	return nil
}

// authenticate covers addressing, freshness and the signature.
func (c *Coordinator) authenticate(ctx context.Context, msg *models.Message) *models.ErrorResponse {
	if msg.To != c.card.AgentID {
		return models.Errorf(models.CodeInvalidMessage, "message is addressed to %s, not %s", msg.To, c.card.AgentID)
	}

	if c.maxSkew > 0 {
		ts, err := msg.Time()
		if err != nil {
			return models.NewError(models.CodeInvalidMessage, "invalid timestamp")
		}
		skew := c.now().Sub(ts)
		if skew < 0 {
			skew = -skew
		}
		if skew > c.maxSkew {
			return models.Errorf(models.CodeInvalidMessage, "timestamp is %s away from local time", skew.Round(time.Second))
		}
	}

	if c.resolver == nil {
		return models.Errorf(models.CodeUnauthorized, "cannot resolve key for %s", msg.From)
	}
	key, err := c.resolver.ResolveKey(ctx, msg.From)
	if err != nil {
		if errors.Is(err, ErrUnknownAgent) {
			return models.Errorf(models.CodeUnauthorized, "unknown sender %s", msg.From)
		}
		c.logger.Warn().Err(err).Str("from", msg.From).Msg("Key lookup failed")
		return models.NewError(models.CodeAgentUnavailable, "sender key lookup failed")
	}

	if !c.signer.VerifyMessage(msg, key) {
		return models.NewError(models.CodeInvalidSignature, "signature verification failed")
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, conv *models.Conversation, msg *models.Message) (map[string]any, *models.ErrorResponse) {
	h, ok := c.handlers[msg.Intent]
	if !ok {
		return Receipt(), nil
	}
	payload, err := h.HandleIntent(ctx, conv, msg)
	if err != nil {
		var pe *models.ProtocolError
		if errors.As(err, &pe) {
			return nil, pe.Response
		}
		c.logger.Error().Err(err).Str("intent", msg.Intent).Msg("Intent handler failed")
		return nil, models.NewError(models.CodeAgentUnavailable, "agent could not process the request")
	}
	if payload == nil {
		return Receipt(), nil
	}
	return payload, nil
}

func (c *Coordinator) newMessage(to, conversationID, intent string, payload map[string]any) (*models.Message, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	msg := &models.Message{
		Protocol:       models.ProtocolVersion,
		MessageID:      crypto.NewMessageID(),
		ConversationID: conversationID,
		From:           c.card.AgentID,
		To:             to,
		Timestamp:      models.FormatTimestamp(c.now()),
		Intent:         intent,
		Payload:        payload,
	}
	if err := c.signer.SignMessage(msg, c.privateKey); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}
	if err := validate.Message(msg); err != nil {
		return nil, models.Errorf(models.CodeInvalidMessage, "invalid message: %v", err).AsError()
	}
	return msg, nil
}

func (c *Coordinator) record(ctx context.Context, msg *models.Message, dir Direction) error {
	conv, err := c.store.UpdateConversation(ctx, msg.ConversationID, func(cur *models.Conversation) (*models.Conversation, error) {
		next, errResp := Transition(cur, msg)
		if errResp != nil {
			return nil, errResp.AsError()
		}
		c.stamp(next, cur)
		return next, nil
	})
	if err != nil {
		return err
	}
	c.notify(dir, msg, conv)
	return nil
}

func (c *Coordinator) stamp(next, prev *models.Conversation) {
	now := c.now()
	if prev == nil {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
}

func (c *Coordinator) notify(dir Direction, msg *models.Message, conv *models.Conversation) {
	if c.observer != nil {
		c.observer(Event{Direction: dir, Message: msg, Conversation: conv})
	}
}

func (c *Coordinator) logRejected(msg *models.Message, errResp *models.ErrorResponse) {
	ev := c.logger.Warn().Str("code", string(errResp.Error.Code))
	if msg != nil {
		ev = ev.Str("from", msg.From).Str("message_id", msg.MessageID)
	}
	ev.Msg(errResp.Error.Message)
}
