package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/squadklaw/squadklaw/internal/models"
)

const (
	conversationTTL = 30 * 24 * time.Hour
	cardCacheTTL    = 5 * time.Minute
	maxTxRetries    = 10
)

// ErrConflict is returned when a conversation kept changing underneath an
// update for maxTxRetries attempts.
var ErrConflict = errors.New("conversation update conflict")

// RedisStore handles Redis operations for nonces, rate limits, the card
// cache and agent-side conversations.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying client for middleware that needs raw access.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// nonceKey returns the key for nonce tracking.
func nonceKey(agentID, nonce string) string {
	return fmt.Sprintf("nonce:%s:%s", agentID, nonce)
}

// rateLimitKey returns the key for one fixed rate window.
func rateLimitKey(key string, window time.Duration, now time.Time) string {
	secs := int64(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("ratelimit:%s:%d", key, now.Unix()/secs)
}

func blockKey(ip string) string {
	return fmt.Sprintf("blocked:ip:%s", ip)
}

func cardKey(agentID string) string {
	return fmt.Sprintf("card:%s", agentID)
}

func conversationKey(agentID, id string) string {
	return fmt.Sprintf("conversation:%s:%s", agentID, id)
}

func conversationIndexKey(agentID string) string {
	return fmt.Sprintf("conversations:%s", agentID)
}

// UseNonce records a nonce for an agent. It reports false when the nonce
// was already used inside ttl.
func (s *RedisStore) UseNonce(ctx context.Context, agentID, nonce string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, nonceKey(agentID, nonce), "1", ttl).Result()
}

// Hit increments the counter for key in the current window and returns the
// new count.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := rateLimitKey(key, window, time.Now())

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// AllowRate counts one event against key and reports whether it stays
// within limit for the window.
func (s *RedisStore) AllowRate(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := s.Hit(ctx, key, window)
	if err != nil {
		return false, err
	}
	return count <= int64(limit), nil
}

// RedisLimiter applies one limit to many keys.
type RedisLimiter struct {
	store  *RedisStore
	prefix string
	limit  int
	window time.Duration
}

// Limiter returns a limiter whose keys live under prefix.
func (s *RedisStore) Limiter(prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{store: s, prefix: prefix, limit: limit, window: window}
}

// Allow counts one event for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.store.AllowRate(ctx, l.prefix+":"+key, l.limit, l.window)
}

// Block blocks an IP for the specified duration.
func (s *RedisStore) Block(ctx context.Context, ip string, d time.Duration, reason string) error {
	return s.client.Set(ctx, blockKey(ip), reason, d).Err()
}

// IsBlocked checks if an IP is blocked.
func (s *RedisStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	n, err := s.client.Exists(ctx, blockKey(ip)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CacheCard stores a card for short-lived lookups.
func (s *RedisStore) CacheCard(ctx context.Context, card *models.AgentCard) error {
	data, err := json.Marshal(card)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cardKey(card.AgentID), data, cardCacheTTL).Err()
}

// GetCachedCard returns nil, nil on a cache miss.
func (s *RedisStore) GetCachedCard(ctx context.Context, agentID string) (*models.AgentCard, error) {
	data, err := s.client.Get(ctx, cardKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var card models.AgentCard
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// InvalidateCard drops a cached card.
func (s *RedisStore) InvalidateCard(ctx context.Context, agentID string) error {
	return s.client.Del(ctx, cardKey(agentID)).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadConversation(ctx context.Context, g getter, key string) (*models.Conversation, error) {
	data, err := g.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// RedisConversations is the conversation store of one local agent.
// Agents sharing a Redis database never see each other's records.
type RedisConversations struct {
	client  *redis.Client
	agentID string
}

// Conversations returns the conversation store for agentID.
func (s *RedisStore) Conversations(agentID string) *RedisConversations {
	return &RedisConversations{client: s.client, agentID: agentID}
}

// GetConversation returns nil, nil when id is unknown.
func (s *RedisConversations) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return loadConversation(ctx, s.client, conversationKey(s.agentID, id))
}

// UpdateConversation applies fn under WATCH so that concurrent updates of
// the same conversation serialize. fn may run more than once.
func (s *RedisConversations) UpdateConversation(ctx context.Context, id string, fn func(*models.Conversation) (*models.Conversation, error)) (*models.Conversation, error) {
	key := conversationKey(s.agentID, id)
	var result *models.Conversation

	txf := func(tx *redis.Tx) error {
		current, err := loadConversation(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, conversationTTL)
			pipe.SAdd(ctx, conversationIndexKey(s.agentID), id)
			return nil
		})
		if err == nil {
			result = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, ErrConflict
}

// ListConversations returns every stored conversation, oldest first.
// Index entries whose conversation has expired are dropped.
func (s *RedisConversations) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	index := conversationIndexKey(s.agentID)
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = conversationKey(s.agentID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var (
		out   []*models.Conversation
		stale []any
	)
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(str), &conv); err != nil {
			return nil, err
		}
		out = append(out, &conv)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, index, stale...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
