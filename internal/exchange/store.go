package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/squadklaw/squadklaw/internal/models"
)

// UpdateFunc computes the next conversation from the current one, which is
// nil when the conversation does not exist yet. Returning an error aborts
// the update.
type UpdateFunc = func(current *models.Conversation) (*models.Conversation, error)

// Store persists conversations. UpdateConversation must apply fn
// atomically with respect to other updates of the same conversation.
type Store interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, fn UpdateFunc) (*models.Conversation, error)
	ListConversations(ctx context.Context) ([]*models.Conversation, error)
}

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*models.Conversation)}
}

// GetConversation returns nil, nil when id is unknown.
func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id string, fn UpdateFunc) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.Conversation
	if conv, ok := s.conversations[id]; ok {
		current = conv.Clone()
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	s.conversations[id] = next
	return next.Clone(), nil
}

// ListConversations returns every conversation, oldest first.
func (s *MemoryStore) ListConversations(_ context.Context) ([]*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
