package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/squadklaw/squadklaw/internal/metrics"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

// Counter is the backing store for fixed-window counters and IP blocks.
// store.RedisStore and MemoryCounter implement it.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
	Block(ctx context.Context, ip string, d time.Duration, reason string) error
	IsBlocked(ctx context.Context, ip string) (bool, error)
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string             // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool                 // Enable auto-blocking after repeated violations
	Limits           map[string]RateLimit // "METHOD /path-prefix" patterns; DirectoryLimits when nil
}

// DirectoryLimits are the per-endpoint limits of the directory API.
func DirectoryLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"POST /v1/agents":    {10, time.Hour, ipKey},
		"PUT /v1/agents/":    {30, time.Minute, agentKey},
		"DELETE /v1/agents/": {10, time.Minute, agentKey},
		"GET /v1/agents":     {120, time.Minute, ipKey},
		"GET /v1/stats":      {30, time.Minute, ipKey},
	}
}

// RateLimiter implements fixed window rate limiting.
type RateLimiter struct {
	counter          Counter
	limits           map[string]RateLimit
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(counter Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		counter:          counter,
		logger:           logger,
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		limits:           cfg.Limits,
	}
	if rl.limits == nil {
		rl.limits = DirectoryLimits()
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			// Single IP
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ip:" + RealIP(r)
}

// agentKey returns rate limit key based on agent ID, falling back to IP.
func agentKey(r *http.Request) string {
	agentID := r.Header.Get(HeaderAgent)
	if agentID == "" {
		return "ip:" + RealIP(r)
	}
	return "agent:" + agentID
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	// Then X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// CheckAndIncrement counts one request against key.
// Returns (allowed, remaining, resetAt). Counter failures let the request through.
func (rl *RateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	resetAt := windowEnd(now, window)

	count, err := rl.counter.Hit(ctx, key, window)
	if err != nil {
		rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit counter unavailable")
		return true, limit, resetAt
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(limit), remaining, resetAt
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		// Check IP block first
		if blocked, _ := rl.counter.IsBlocked(r.Context(), ip); blocked {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		limit := rl.findLimit(r)
		if limit == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.CheckAndIncrement(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			rl.trackViolation(r.Context(), ip)
			metrics.RateLimitHits.WithLabelValues(normalizePath(r.URL.Path)).Inc()

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("agent", r.Header.Get(HeaderAgent)).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit returns the limit with the longest matching pattern.
func (rl *RateLimiter) findLimit(r *http.Request) *RateLimit {
	key := r.Method + " " + r.URL.Path

	var (
		best    *RateLimit
		bestLen int
	)
	for pattern, limit := range rl.limits {
		if strings.HasPrefix(key, pattern) && len(pattern) > bestLen {
			l := limit
			best, bestLen = &l, len(pattern)
		}
	}
	return best
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count, err := rl.counter.Hit(ctx, "violations:ip:"+ip, time.Hour)
	if err != nil || count < 10 {
		return
	}
	if err := rl.counter.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations"); err != nil {
		rl.logger.Error().Err(err).Str("ip", ip).Msg("failed to block IP")
		return
	}
	rl.logger.Warn().
		Str("type", "security").
		Str("event", "ip_auto_blocked").
		Str("ip", ip).
		Int64("violations", count).
		Msg("IP auto-blocked for repeated violations")
}

func windowEnd(now time.Time, window time.Duration) time.Time {
	secs := int64(window.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Unix((now.Unix()/secs+1)*secs, 0)
}

// MemoryCounter is a Counter for deployments without Redis.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	blocks  map[string]time.Time
	now     func() time.Time
}

type memoryWindow struct {
	end   time.Time
	count int64
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		windows: make(map[string]memoryWindow),
		blocks:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Hit increments key's counter for the current window.
func (c *MemoryCounter) Hit(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.end) {
		if len(c.windows) > 10000 {
			c.prune(now)
		}
		w = memoryWindow{end: windowEnd(now, window)}
	}
	w.count++
	c.windows[key] = w
	return w.count, nil
}

func (c *MemoryCounter) prune(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.end) {
			delete(c.windows, k)
		}
	}
	for ip, until := range c.blocks {
		if !now.Before(until) {
			delete(c.blocks, ip)
		}
	}
}

// Block blocks an IP for the specified duration.
func (c *MemoryCounter) Block(_ context.Context, ip string, d time.Duration, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[ip] = c.now().Add(d)
	return nil
}

// IsBlocked checks if an IP is blocked.
func (c *MemoryCounter) IsBlocked(_ context.Context, ip string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.blocks[ip]
	return ok && c.now().Before(until), nil
}
