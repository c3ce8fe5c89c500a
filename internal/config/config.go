package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the directory server and the agent host.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations

	// Directory
	RegistrationTTL time.Duration
	PurgeInterval   time.Duration

	// Agent host
	Home             string
	DirectoryURL     string
	ListenAddr       string
	ApprovalTTL      time.Duration
	MaxClockSkew     time.Duration
	InboundRateLimit int
	ConversationIdle time.Duration
}

// Defaults shared by Load and the CLI flags.
const (
	DefaultPort             = "3141"
	DefaultDirectoryURL     = "http://localhost:3141"
	DefaultListenAddr       = ":4100"
	DefaultRegistrationTTL  = 30 * 24 * time.Hour
	DefaultPurgeInterval    = time.Hour
	DefaultApprovalTTL      = 5 * time.Minute
	DefaultMaxClockSkew     = 5 * time.Minute
	DefaultInboundRateLimit = 60
	DefaultConversationIdle = 24 * time.Hour
)

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisURL:         os.Getenv("REDIS_URL"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",

		RegistrationTTL: getDurationEnv("REGISTRATION_TTL", DefaultRegistrationTTL),
		PurgeInterval:   getDurationEnv("PURGE_INTERVAL", DefaultPurgeInterval),

		Home:             os.Getenv("SQUADKLAW_HOME"),
		DirectoryURL:     strings.TrimRight(getEnv("SQUADKLAW_DIRECTORY", DefaultDirectoryURL), "/"),
		ListenAddr:       getEnv("SQUADKLAW_LISTEN", DefaultListenAddr),
		ApprovalTTL:      getDurationEnv("APPROVAL_TTL", DefaultApprovalTTL),
		MaxClockSkew:     getDurationEnv("MAX_CLOCK_SKEW", DefaultMaxClockSkew),
		InboundRateLimit: getIntEnv("INBOUND_RATE_LIMIT", DefaultInboundRateLimit),
		ConversationIdle: getDurationEnv("CONVERSATION_IDLE", DefaultConversationIdle),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production the directory needs Postgres and Redis
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
