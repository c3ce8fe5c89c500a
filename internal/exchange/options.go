package exchange

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/access"
	"github.com/squadklaw/squadklaw/internal/crypto"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSigner replaces the Ed25519 signer.
func WithSigner(s *crypto.Signer) Option {
	return func(c *Coordinator) { c.signer = s }
}

// WithStore replaces the in-memory conversation store.
func WithStore(s Store) Option {
	return func(c *Coordinator) { c.store = s }
}

// WithGate sets the access gate. The default gate has no approver, so
// approval-mode messages are rejected.
func WithGate(g *access.Gate) Option {
	return func(c *Coordinator) { c.gate = g }
}

// WithRateLimiter limits inbound messages per verified sender.
func WithRateLimiter(l RateLimiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithKeyResolver sets where sender public keys come from.
func WithKeyResolver(r KeyResolver) Option {
	return func(c *Coordinator) { c.resolver = r }
}

// WithHandler registers h for intent.
func WithHandler(intent string, h IntentHandler) Option {
	return func(c *Coordinator) { c.handlers[intent] = h }
}

// WithObserver receives every message recorded in a conversation.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) { c.observer = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMaxClockSkew bounds inbound timestamp drift. Zero disables the check.
func WithMaxClockSkew(d time.Duration) Option {
	return func(c *Coordinator) { c.maxSkew = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}
