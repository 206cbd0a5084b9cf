package backend

import (
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/convcache/drivers/badger"
	"github.com/creastat/convcache/drivers/supabase"
)

// StoreOption is a functional option for configuring a conversation store.
type StoreOption func(*storeConfig)

// storeConfig holds configuration for conversation stores.
type storeConfig struct {
	redisClient *redis.Client
	redisTTL    time.Duration
	redisPrefix string

	databaseURL string
	migrate     bool

	supabase supabase.Config
	badger   badger.Config

	retryAttempts   uint
	retryMaxElapsed time.Duration

	logger *slog.Logger
}

// WithRedisClient sets the Redis client for the Redis store.
func WithRedisClient(client *redis.Client) StoreOption {
	return func(c *storeConfig) {
		c.redisClient = client
	}
}

// WithRedisTTL sets the TTL for Redis keys.
func WithRedisTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.redisTTL = ttl
	}
}

// WithRedisPrefix sets the prefix of every Redis key.
func WithRedisPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.redisPrefix = prefix
	}
}

// WithDatabaseURL sets the PostgreSQL connection string or SQLite path.
func WithDatabaseURL(url string) StoreOption {
	return func(c *storeConfig) {
		c.databaseURL = url
	}
}

// WithMigrate creates the SQL tables when the store is opened. Default: true.
func WithMigrate(migrate bool) StoreOption {
	return func(c *storeConfig) {
		c.migrate = migrate
	}
}

// WithSupabase sets the Supabase connection settings.
func WithSupabase(cfg supabase.Config) StoreOption {
	return func(c *storeConfig) {
		c.supabase = cfg
	}
}

// WithBadger sets the BadgerDB settings.
func WithBadger(cfg badger.Config) StoreOption {
	return func(c *storeConfig) {
		c.badger = cfg
	}
}

// WithRetry wraps the store so that transient failures are retried.
// attempts <= 1 disables retrying.
func WithRetry(attempts uint, maxElapsed time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.retryAttempts = attempts
		c.retryMaxElapsed = maxElapsed
	}
}

// WithLogger sets the logger handed to drivers that log.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(c *storeConfig) {
		c.logger = logger
	}
}
