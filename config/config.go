// Package config loads conversation cache settings through viper from the
// environment, optionally seeded from a .env file, and from bound flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/creastat/convcache"
)

// Backend names accepted in CONVCACHE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendSupabase = "supabase"
	BackendBadger   = "badger"
)

// DefaultCapacity is the number of conversations kept in memory when
// CACHE_CAPACITY is unset.
const DefaultCapacity = 50

// Config holds every setting needed to build a cache and its store.
type Config struct {
	Backend       string
	CacheCapacity int
	KeyScheme     convcache.KeyScheme

	Redis    RedisConfig
	Supabase SupabaseConfig

	// DatabaseURL is a PostgreSQL connection string or a SQLite file path.
	DatabaseURL string
	BadgerPath  string

	Retry RetryConfig

	LogLevel slog.Level
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// SupabaseConfig holds Supabase connection settings.
type SupabaseConfig struct {
	URL               string
	Key               string
	ConversationTable string
	MemoryTable       string
}

// RetryConfig controls retries of transient store failures.
// Attempts <= 1 disables retrying.
type RetryConfig struct {
	Attempts   uint
	MaxElapsed time.Duration
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		Backend:       BackendMemory,
		CacheCapacity: DefaultCapacity,
		KeyScheme:     convcache.SchemeLocation,
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "convcache",
		},
		Supabase: SupabaseConfig{
			ConversationTable: "conversations",
			MemoryTable:       "memory",
		},
		Retry: RetryConfig{
			Attempts:   3,
			MaxElapsed: 30 * time.Second,
		},
		LogLevel: slog.LevelInfo,
	}
}

// Keys under which settings are read from viper. Each key is read from
// the environment variable of the same name in upper case, except
// KeyBackend which is read from CONVCACHE_BACKEND.
const (
	KeyBackend              = "backend"
	KeyCacheCapacity        = "cache_capacity"
	KeyCacheKeyScheme       = "cache_key_scheme"
	KeyRedisAddr            = "redis_addr"
	KeyRedisPassword        = "redis_password"
	KeyRedisDB              = "redis_db"
	KeyRedisPrefix          = "redis_prefix"
	KeyRedisTTL             = "redis_ttl"
	KeySupabaseURL          = "supabase_url"
	KeySupabaseKey          = "supabase_key"
	KeyConversationTable    = "conversation_table"
	KeyMemoryTable          = "memory_table"
	KeyDatabaseURL          = "database_url"
	KeyBadgerPath           = "badger_path"
	KeyStoreRetryAttempts   = "store_retry_attempts"
	KeyStoreRetryMaxElapsed = "store_retry_max_elapsed"
	KeyLogLevel             = "log_level"
	backendEnv              = "CONVCACHE_BACKEND"
	defaultLogLevel         = "info"
)

// defaults maps every key to its value in Default().
func defaults() map[string]any {
	d := Default()
	return map[string]any{
		KeyBackend:              d.Backend,
		KeyCacheCapacity:        d.CacheCapacity,
		KeyCacheKeyScheme:       string(d.KeyScheme),
		KeyRedisAddr:            d.Redis.Addr,
		KeyRedisPassword:        d.Redis.Password,
		KeyRedisDB:              d.Redis.DB,
		KeyRedisPrefix:          d.Redis.Prefix,
		KeyRedisTTL:             d.Redis.TTL,
		KeySupabaseURL:          d.Supabase.URL,
		KeySupabaseKey:          d.Supabase.Key,
		KeyConversationTable:    d.Supabase.ConversationTable,
		KeyMemoryTable:          d.Supabase.MemoryTable,
		KeyDatabaseURL:          d.DatabaseURL,
		KeyBadgerPath:           d.BadgerPath,
		KeyStoreRetryAttempts:   int(d.Retry.Attempts),
		KeyStoreRetryMaxElapsed: d.Retry.MaxElapsed,
		KeyLogLevel:             defaultLogLevel,
	}
}

// Bind registers defaults and environment lookups on v. Flags bound
// afterwards with v.BindPFlag take precedence over the environment when
// they are set on the command line.
func Bind(v *viper.Viper) {
	for key, val := range defaults() {
		v.SetDefault(key, val)
	}
	_ = v.BindEnv(KeyBackend, backendEnv)
	v.AutomaticEnv()
}

// LoadEnvFiles reads the given .env files, or ./.env if none are named and
// it exists, into the process environment. Variables already set take
// precedence over file values.
func LoadEnvFiles(files ...string) error {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	return nil
}

// Load seeds the environment from .env files as LoadEnvFiles does, then
// builds a Config from it.
func Load(files ...string) (*Config, error) {
	if err := LoadEnvFiles(files...); err != nil {
		return nil, err
	}
	v := viper.New()
	Bind(v)
	return FromViper(v)
}

// FromViper builds a Config from a viper instance prepared with Bind.
// Conversion failures are joined and each wraps convcache.ErrInvalidConfig.
func FromViper(v *viper.Viper) (*Config, error) {
	r := reader{v: v, defaults: defaults()}
	cfg := &Config{
		Backend:       r.getString(KeyBackend),
		CacheCapacity: r.getInt(KeyCacheCapacity),
		Redis: RedisConfig{
			Addr:     r.getString(KeyRedisAddr),
			Password: r.getString(KeyRedisPassword),
			DB:       r.getInt(KeyRedisDB),
			Prefix:   r.getString(KeyRedisPrefix),
			TTL:      r.getDuration(KeyRedisTTL),
		},
		Supabase: SupabaseConfig{
			URL:               r.getString(KeySupabaseURL),
			Key:               r.getString(KeySupabaseKey),
			ConversationTable: r.getString(KeyConversationTable),
			MemoryTable:       r.getString(KeyMemoryTable),
		},
		DatabaseURL: r.getString(KeyDatabaseURL),
		BadgerPath:  r.getString(KeyBadgerPath),
		Retry: RetryConfig{
			MaxElapsed: r.getDuration(KeyStoreRetryMaxElapsed),
		},
		LogLevel: parseLevel(r.getString(KeyLogLevel)),
	}

	scheme, err := convcache.ParseKeyScheme(r.getString(KeyCacheKeyScheme))
	if err != nil {
		r.errs = append(r.errs, err)
	}
	cfg.KeyScheme = scheme

	if attempts := r.getInt(KeyStoreRetryAttempts); attempts < 0 {
		r.fail(KeyStoreRetryAttempts, errors.New("must not be negative"))
	} else {
		cfg.Retry.Attempts = uint(attempts)
	}

	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("%w: CACHE_CAPACITY must be positive, got %d", convcache.ErrInvalidConfig, c.CacheCapacity)
	}
	if c.KeyScheme != convcache.SchemeLocation && c.KeyScheme != convcache.SchemeConversation {
		return fmt.Errorf("%w: unknown key scheme %q", convcache.ErrInvalidConfig, c.KeyScheme)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis backend", convcache.ErrInvalidConfig)
		}
	case BackendPostgres, BackendSQLite:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the %s backend", convcache.ErrInvalidConfig, c.Backend)
		}
	case BackendSupabase:
		if c.Supabase.URL == "" || c.Supabase.Key == "" {
			return fmt.Errorf("%w: SUPABASE_URL and SUPABASE_KEY are required for the supabase backend", convcache.ErrInvalidConfig)
		}
	case BackendBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("%w: BADGER_PATH is required for the badger backend", convcache.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w: %q", convcache.ErrInvalidConfig, convcache.ErrInvalidStoreType, c.Backend)
	}
	return nil
}

// Logger returns a text logger on stderr at the configured level.
func (c *Config) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: c.LogLevel,
	}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reader converts viper values and accumulates conversion errors.
// Blank values fall back to the key's default.
type reader struct {
	v        *viper.Viper
	defaults map[string]any
	errs     []error
}

func (r *reader) value(key string) any {
	val := r.v.Get(key)
	if s, ok := val.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return r.defaults[key]
		}
		return s
	}
	return val
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%w: %s: %v", convcache.ErrInvalidConfig, envName(key), err))
}

func (r *reader) getString(key string) string {
	return cast.ToString(r.value(key))
}

func (r *reader) getInt(key string) int {
	n, err := cast.ToIntE(r.value(key))
	if err != nil {
		r.fail(key, err)
		return cast.ToInt(r.defaults[key])
	}
	return n
}

func (r *reader) getDuration(key string) time.Duration {
	val := r.value(key)
	if s, ok := val.(string); ok {
		// cast treats a bare number as nanoseconds; require a unit.
		d, err := time.ParseDuration(s)
		if err != nil {
			r.fail(key, err)
			return cast.ToDuration(r.defaults[key])
		}
		return d
	}
	d, err := cast.ToDurationE(val)
	if err != nil {
		r.fail(key, err)
		return cast.ToDuration(r.defaults[key])
	}
	return d
}

// envName returns the environment variable that sets key.
func envName(key string) string {
	if key == KeyBackend {
		return backendEnv
	}
	return strings.ToUpper(key)
}
