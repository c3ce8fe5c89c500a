package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/squadklaw/squadklaw/internal/exchange"
	"github.com/squadklaw/squadklaw/internal/models"
)

// DefaultCardTTL is how long resolved cards are trusted.
const DefaultCardTTL = 5 * time.Minute

type cachedCard struct {
	card    *models.AgentCard
	fetched time.Time
}

// Resolver looks agents up in the directory and caches their cards. It
// implements exchange.KeyResolver.
type Resolver struct {
	dir *Directory
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cards map[string]cachedCard
}

// NewResolver returns a resolver backed by dir. A non-positive ttl uses
// DefaultCardTTL.
func NewResolver(dir *Directory, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCardTTL
	}
	return &Resolver{dir: dir, ttl: ttl, now: time.Now, cards: make(map[string]cachedCard)}
}

// Card returns the directory card for agentID. Agents the directory does
// not list yield exchange.ErrUnknownAgent.
func (r *Resolver) Card(ctx context.Context, agentID string) (*models.AgentCard, error) {
	r.mu.Lock()
	entry, ok := r.cards[agentID]
	r.mu.Unlock()
	if ok && r.now().Sub(entry.fetched) < r.ttl {
		return entry.card, nil
	}

	card, err := r.dir.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r.Forget(agentID)
			return nil, fmt.Errorf("%w: %s", exchange.ErrUnknownAgent, agentID)
		}
		return nil, err
	}

	r.mu.Lock()
	r.cards[agentID] = cachedCard{card: card, fetched: r.now()}
	r.mu.Unlock()
	return card, nil
}

// ResolveKey returns the public key listed for agentID.
func (r *Resolver) ResolveKey(ctx context.Context, agentID string) (string, error) {
	card, err := r.Card(ctx, agentID)
	if err != nil {
		return "", err
	}
	return card.PublicKey, nil
}

// Forget drops a cached card, e.g. after its key failed to verify.
func (r *Resolver) Forget(agentID string) {
	r.mu.Lock()
	delete(r.cards, agentID)
	r.mu.Unlock()
}
