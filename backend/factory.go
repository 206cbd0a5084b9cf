// Package backend builds a convcache.Store from a store type and options,
// or from a loaded config.Config.
package backend

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/creastat/convcache"
	"github.com/creastat/convcache/config"
	"github.com/creastat/convcache/drivers/badger"
	"github.com/creastat/convcache/drivers/memory"
	redisstore "github.com/creastat/convcache/drivers/redis"
	"github.com/creastat/convcache/drivers/retry"
	"github.com/creastat/convcache/drivers/sqlstore"
	"github.com/creastat/convcache/drivers/supabase"
)

// StoreType represents the type of conversation store.
type StoreType string

const (
	StoreTypeMemory   StoreType = config.BackendMemory
	StoreTypeRedis    StoreType = config.BackendRedis
	StoreTypePostgres StoreType = config.BackendPostgres
	StoreTypeSQLite   StoreType = config.BackendSQLite
	StoreTypeSupabase StoreType = config.BackendSupabase
	StoreTypeBadger   StoreType = config.BackendBadger
)

// NewStore creates a new conversation store of the given type.
// Redis requires WithRedisClient; postgres and sqlite require
// WithDatabaseURL; supabase requires WithSupabase; badger requires
// WithBadger.
func NewStore(ctx context.Context, storeType StoreType, opts ...StoreOption) (convcache.Store, error) {
	cfg := &storeConfig{migrate: true}

	// Apply options
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := newStore(ctx, storeType, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.retryAttempts > 1 {
		retryOpts := []retry.Option{retry.WithMaxAttempts(cfg.retryAttempts)}
		if cfg.retryMaxElapsed > 0 {
			retryOpts = append(retryOpts, retry.WithMaxElapsedTime(cfg.retryMaxElapsed))
		}
		if cfg.logger != nil {
			retryOpts = append(retryOpts, retry.WithLogger(cfg.logger))
		}
		store = retry.New(store, retryOpts...)
	}
	return store, nil
}

func newStore(ctx context.Context, storeType StoreType, cfg *storeConfig) (convcache.Store, error) {
	switch storeType {
	case StoreTypeMemory:
		return memory.NewStore(), nil

	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, fmt.Errorf("%w: redis store requires a client", convcache.ErrInvalidConfig)
		}
		var opts []redisstore.Option
		if cfg.redisTTL > 0 {
			opts = append(opts, redisstore.WithTTL(cfg.redisTTL))
		}
		if cfg.redisPrefix != "" {
			opts = append(opts, redisstore.WithPrefix(cfg.redisPrefix))
		}
		return redisstore.NewStore(cfg.redisClient, opts...), nil

	case StoreTypePostgres, StoreTypeSQLite:
		if cfg.databaseURL == "" {
			return nil, fmt.Errorf("%w: %s store requires a database url", convcache.ErrInvalidConfig, storeType)
		}
		dialect := sqlstore.DialectPostgres
		if storeType == StoreTypeSQLite {
			dialect = sqlstore.DialectSQLite
		}
		store, err := sqlstore.Open(dialect, cfg.databaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.migrate {
			if err := store.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, err
			}
		}
		return store, nil

	case StoreTypeSupabase:
		client, err := supabase.New(cfg.supabase)
		if err != nil {
			return nil, err
		}
		return client, nil

	case StoreTypeBadger:
		store, err := badger.Open(cfg.badger)
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: %q", convcache.ErrInvalidStoreType, storeType)
	}
}

// FromConfig validates cfg and creates the store it describes.
func FromConfig(ctx context.Context, cfg *config.Config) (convcache.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []StoreOption{
		WithRetry(cfg.Retry.Attempts, cfg.Retry.MaxElapsed),
		WithLogger(cfg.Logger()),
	}

	switch StoreType(cfg.Backend) {
	case StoreTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts,
			WithRedisClient(client),
			WithRedisTTL(cfg.Redis.TTL),
			WithRedisPrefix(cfg.Redis.Prefix),
		)
	case StoreTypePostgres, StoreTypeSQLite:
		opts = append(opts, WithDatabaseURL(cfg.DatabaseURL))
	case StoreTypeSupabase:
		opts = append(opts, WithSupabase(supabase.Config{
			URL:               cfg.Supabase.URL,
			APIKey:            cfg.Supabase.Key,
			ConversationTable: cfg.Supabase.ConversationTable,
			MemoryTable:       cfg.Supabase.MemoryTable,
		}))
	case StoreTypeBadger:
		opts = append(opts, WithBadger(badger.Config{Path: cfg.BadgerPath}))
	}

	return NewStore(ctx, StoreType(cfg.Backend), opts...)
}

// NewCache creates the store described by cfg and a cache in front of it.
// The caller owns the returned store and must close it.
func NewCache(ctx context.Context, cfg *config.Config, opts ...convcache.Option) (*convcache.Cache, convcache.Store, error) {
	store, err := FromConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]convcache.Option{
		convcache.WithKeyScheme(cfg.KeyScheme),
		convcache.WithLogger(cfg.Logger()),
	}, opts...)

	cache, err := convcache.NewCache(cfg.CacheCapacity, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return cache, store, nil
}
