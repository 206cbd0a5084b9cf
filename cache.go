package convcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Option is a functional option for configuring a Cache.
type Option func(*cacheConfig)

type cacheConfig struct {
	scheme  KeyScheme
	logger  *slog.Logger
	metrics *Metrics
}

// WithKeyScheme fixes the key scheme the cache accepts. Default: SchemeLocation.
func WithKeyScheme(scheme KeyScheme) Option {
	return func(c *cacheConfig) {
		c.scheme = scheme
	}
}

// WithLogger sets the logger for cache events. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *cacheConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the collectors updated by the cache.
func WithMetrics(m *Metrics) Option {
	return func(c *cacheConfig) {
		c.metrics = m
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Cache is a bounded least-recently-used cache of live Conversation handles
// in front of a Store. Every operation runs under a single mutex, including
// the store round trips made while resolving a miss. Evicting an entry only
// drops the local handle; the store keeps the record.
type Cache struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[Key, *Conversation]
	store    Store
	capacity int
	scheme   KeyScheme
	logger   *slog.Logger
	metrics  *Metrics

	hits      uint64
	misses    uint64
	evictions uint64
}

// NewCache creates a cache holding at most capacity conversations.
// Returns an error wrapping ErrInvalidConfig if capacity is not positive
// or store is nil.
func NewCache(capacity int, store Store, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: cache capacity must be positive, got %d", ErrInvalidConfig, capacity)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	cfg := &cacheConfig{scheme: SchemeLocation}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.scheme != SchemeLocation && cfg.scheme != SchemeConversation {
		return nil, fmt.Errorf("%w: unknown key scheme %q", ErrInvalidConfig, cfg.scheme)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	// Eviction is driven explicitly in admit, so no callback is installed.
	entries, err := simplelru.NewLRU[Key, *Conversation](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Cache{
		entries:  entries,
		store:    store,
		capacity: capacity,
		scheme:   cfg.scheme,
		logger:   cfg.logger,
		metrics:  cfg.metrics,
	}, nil
}

// Capacity returns the maximum number of cached conversations.
func (c *Cache) Capacity() int {
	return c.capacity
}

// Scheme returns the key scheme the cache accepts.
func (c *Cache) Scheme() KeyScheme {
	return c.scheme
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Keys()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.entries.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Get returns the cached conversation for key and marks it most recently
// used. It never consults the store. A handle known to be retired is
// dropped and reported as a miss.
func (c *Cache) Get(key Key) (*Conversation, bool) {
	if c.checkKey(key) != nil {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.cached(key)
	if ok {
		c.recordHit()
	} else {
		c.recordMiss()
	}
	return conv, ok
}

// Put inserts or replaces the conversation for key and marks it most
// recently used. Admitting a new key into a full cache first evicts the
// least recently used entry; replacing an existing key does not.
func (c *Cache) Put(key Key, conv *Conversation) error {
	if err := c.checkKey(key); err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation is nil", ErrInvalidKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.admit(key, conv)
	return nil
}

// Remove drops the cached handle for key. The store is not touched.
func (c *Cache) Remove(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := c.entries.Remove(key)
	c.metrics.setEntries(c.entries.Len())
	return removed
}

// Lookup returns the conversation for key from memory, falling back to the
// store on a miss. A conversation found remotely is hydrated and cached.
// Lookup never creates a conversation; it returns nil if none exists.
func (c *Cache) Lookup(ctx context.Context, key Key) (*Conversation, error) {
	if err := c.checkKey(key); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lookupLocked(ctx, key)
}

// GetOrCreate returns the conversation for key, hydrating it from the store
// or creating it remotely on a miss. With restart set, an existing
// conversation is restarted in place: the handle is the same, its remote id
// is new. Under SchemeConversation the restarted handle is re-cached under
// the key of its new id and the old key stops resolving. Store failures are returned unchanged and leave the cache without
// a partial entry.
func (c *Cache) GetOrCreate(ctx context.Context, key Key, restart bool) (*Conversation, error) {
	if err := c.checkKey(key); err != nil {
		return nil, err
	}

	conv, created, err := c.getOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if !restart || created {
		return conv, nil
	}

	// Restart runs outside the cache lock; the handle serializes itself.
	oldID := conv.ID()
	if err := conv.Restart(ctx); err != nil {
		c.mu.Lock()
		if conv.State() == StateRetired {
			if cur, ok := c.entries.Peek(key); ok && cur == conv {
				c.entries.Remove(key)
				c.metrics.setEntries(c.entries.Len())
			}
		}
		c.metrics.storeError("restart")
		c.mu.Unlock()
		c.logger.WarnContext(ctx, "conversation restart failed",
			"key", key.String(), "conversation_id", oldID, "error", err)
		return nil, err
	}

	newID := conv.ID()
	if key.Scheme() == SchemeConversation {
		c.rekey(key, ConversationKey(key.UserID, newID), conv)
	}

	c.logger.InfoContext(ctx, "conversation restarted",
		"key", key.String(), "old_conversation_id", oldID, "conversation_id", newID)
	return conv, nil
}

// rekey moves conv from oldKey to newKey. The old key names a retired
// record and must not resolve to the restarted handle.
func (c *Cache) rekey(oldKey, newKey Key, conv *Conversation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries.Peek(oldKey); ok && cur == conv {
		c.entries.Remove(oldKey)
	}
	c.admit(newKey, conv)
}

func (c *Cache) getOrCreate(ctx context.Context, key Key) (*Conversation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, err := c.lookupLocked(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if conv != nil {
		return conv, false, nil
	}

	if key.Scheme() == SchemeConversation {
		return nil, false, fmt.Errorf("conversation %s for user %s: %w", key.ConversationID, key.UserID, ErrNotFound)
	}

	rec, err := c.store.Create(ctx, key.LocationID, key.UserID, nil)
	if err != nil {
		c.metrics.storeError("create")
		c.logger.WarnContext(ctx, "conversation create failed", "key", key.String(), "error", err)
		return nil, false, err
	}

	conv = NewConversation(c.store, rec)
	c.admit(key, conv)
	c.logger.DebugContext(ctx, "conversation created", "key", key.String(), "conversation_id", rec.ID)
	return conv, true, nil
}

// lookupLocked resolves key from memory or the store, caching whatever the
// store returns. Must be called with the mutex held.
func (c *Cache) lookupLocked(ctx context.Context, key Key) (*Conversation, error) {
	if conv, ok := c.cached(key); ok {
		c.recordHit()
		return conv, nil
	}
	c.recordMiss()

	rec, err := c.resolve(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "conversation lookup failed", "key", key.String(), "error", err)
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	conv := NewConversation(c.store, rec)
	c.admit(key, conv)
	c.logger.DebugContext(ctx, "conversation hydrated", "key", key.String(), "conversation_id", rec.ID)
	return conv, nil
}

// cached returns the entry for key unless its handle is retired, in which
// case the entry is removed. Must be called with the mutex held.
func (c *Cache) cached(key Key) (*Conversation, bool) {
	conv, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if conv.State() == StateRetired {
		c.entries.Remove(key)
		c.metrics.setEntries(c.entries.Len())
		c.logger.Debug("retired conversation dropped", "key", key.String(), "conversation_id", conv.ID())
		return nil, false
	}
	return conv, true
}

// resolve finds the active remote record for key. Returns nil if none exists.
func (c *Cache) resolve(ctx context.Context, key Key) (*Record, error) {
	if key.Scheme() == SchemeLocation {
		rec, err := c.store.FindActive(ctx, key.LocationID, key.UserID)
		if err != nil {
			c.metrics.storeError("find_active")
			return nil, err
		}
		return rec, nil
	}

	getter, ok := c.store.(RecordGetter)
	if !ok {
		return nil, fmt.Errorf("lookup by conversation id: %w", ErrUnsupported)
	}
	rec, err := getter.Get(ctx, key.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		c.metrics.storeError("get")
		return nil, err
	}
	if !rec.IsActive || rec.UserID != key.UserID {
		return nil, nil
	}
	return rec, nil
}

// admit stores conv under key, evicting the least recently used entry
// first when a new key would exceed capacity. Must be called with the
// mutex held.
func (c *Cache) admit(key Key, conv *Conversation) {
	if !c.entries.Contains(key) && c.entries.Len() >= c.capacity {
		if oldKey, old, ok := c.entries.RemoveOldest(); ok {
			c.evictions++
			c.metrics.evicted()
			c.logger.Debug("conversation evicted", "key", oldKey.String(), "conversation_id", old.ID())
		}
	}
	c.entries.Add(key, conv)
	c.metrics.setEntries(c.entries.Len())
}

func (c *Cache) checkKey(key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.Scheme() != c.scheme {
		return fmt.Errorf("%w: %s key used with a %s cache", ErrInvalidKey, key.Scheme(), c.scheme)
	}
	return nil
}

func (c *Cache) recordHit() {
	c.hits++
	c.metrics.hit()
}

func (c *Cache) recordMiss() {
	c.misses++
	c.metrics.miss()
}
