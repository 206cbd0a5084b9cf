// Package redis implements convcache.Store on Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/creastat/convcache"
)

const (
	// Default key prefix.
	defaultPrefix = "convcache"
	// Attempts for an optimistic record update before giving up.
	maxTxAttempts = 5
)

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the time-to-live of every key written by the store.
// Default is 0, meaning keys never expire.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix. Default is "convcache".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// Store implements convcache.Store using Redis.
//
// Layout:
//   - {prefix}:conversation:{id}                 record JSON
//   - {prefix}:active:{key}                      ZSET of active ids, scored by creation sequence
//   - {prefix}:user:{user}:conversations         ZSET of all ids for a user
//   - {prefix}:conversation:{id}:messages:{u,t}  LIST of message JSON per (user, type)
type Store struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewStore creates a Redis-backed conversation store.
func NewStore(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindActive implements convcache.Store.
// Returns nil if no active conversation exists (not an error).
func (s *Store) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	activeKey := s.activeKey(locationID, userID)
	ids, err := s.client.ZRevRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return nil, classify("find_active", err)
	}

	var found *convcache.Record
	for _, id := range ids {
		if found != nil {
			if err := s.Retire(ctx, id); err != nil && !errors.Is(err, convcache.ErrNotFound) {
				return nil, err
			}
			continue
		}

		rec, err := s.Get(ctx, id)
		if errors.Is(err, convcache.ErrNotFound) {
			// Expired record; drop the dangling index entry.
			_ = s.client.ZRem(ctx, activeKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if !rec.IsActive {
			_ = s.client.ZRem(ctx, activeKey, id).Err()
			continue
		}
		found = rec
	}
	return found, nil
}

// Create implements convcache.Store.
func (s *Store) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	seq, err := s.client.Incr(ctx, s.seqKey("conversation")).Result()
	if err != nil {
		return nil, classify("create", err)
	}

	now := time.Now()
	rec := &convcache.Record{
		ID:         uuid.NewString(),
		UserID:     userID,
		LocationID: locationID,
		Metadata:   convcache.CloneMetadata(metadata),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}

	activeKey := s.activeKey(locationID, userID)
	userKey := s.userKey(userID)
	member := redis.Z{Score: float64(seq), Member: rec.ID}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), data, s.ttl)
	pipe.ZAdd(ctx, activeKey, member)
	pipe.ZAdd(ctx, userKey, member)
	if s.ttl > 0 {
		pipe.Expire(ctx, activeKey, s.ttl)
		pipe.Expire(ctx, userKey, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, classify("create", err)
	}
	return rec, nil
}

// Get implements convcache.RecordGetter.
func (s *Store) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(conversationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, convcache.ErrNotFound
	}
	if err != nil {
		return nil, classify("get", err)
	}

	var rec convcache.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", conversationID, err)
	}
	return &rec, nil
}

// ListActive implements convcache.Lister.
// Uses a pipelined GET to load every record in one round trip.
func (s *Store) ListActive(ctx context.Context, userID string) ([]convcache.Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, classify("list_active", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.recordKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, classify("list_active", err)
	}

	out := make([]convcache.Record, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, classify("list_active", err)
		}
		var rec convcache.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", ids[i], err)
		}
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Retire implements convcache.Store.
func (s *Store) Retire(ctx context.Context, conversationID string) error {
	_, err := s.update(ctx, conversationID, func(rec *convcache.Record, pipe redis.Pipeliner) {
		if rec.IsActive {
			rec.IsActive = false
			rec.UpdatedAt = time.Now()
		}
		pipe.ZRem(ctx, s.activeKey(rec.LocationID, rec.UserID), rec.ID)
	})
	return err
}

// UpdateMetadata implements convcache.Store.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*convcache.Record, error) {
	return s.update(ctx, conversationID, func(rec *convcache.Record, _ redis.Pipeliner) {
		rec.Metadata = convcache.MergeMetadata(rec.Metadata, patch)
		rec.UpdatedAt = time.Now()
	})
}

// AppendMessage implements convcache.Store.
// The push is watched against the record key, so a concurrent retire either
// lands first and the append returns ErrNotFound, or lands after it.
func (s *Store) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	id, err := s.client.Incr(ctx, s.seqKey("message")).Result()
	if err != nil {
		return classify("append_message", err)
	}
	data, err := json.Marshal(convcache.Message{
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		Type:           messageType,
		Content:        content,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	recordKey := s.recordKey(conversationID)
	key := s.messagesKey(conversationID, userID, messageType)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.load(ctx, tx, conversationID)
			if err != nil {
				return err
			}
			if !rec.IsActive {
				return convcache.ErrNotFound
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, key, data)
				if s.ttl > 0 {
					pipe.Expire(ctx, key, s.ttl)
				}
				return nil
			})
			return err
		}, recordKey)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, convcache.ErrNotFound):
			return err
		default:
			return classify("append_message", err)
		}
	}
	return convcache.ErrVersionConflict
}

// ListMessages implements convcache.Store.
// Uses LRANGE with negative indices to read only the last limit entries.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	if err := s.ensureExists(ctx, conversationID); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, s.messagesKey(conversationID, userID, messageType), start, -1).Result()
	if err != nil {
		return nil, classify("list_messages", err)
	}

	msgs := make([]convcache.Message, 0, len(vals))
	for _, v := range vals {
		var msg convcache.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Close implements convcache.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

// update applies fn to the stored record under WATCH/MULTI/EXEC and
// persists the result. fn may queue extra commands on pipe. Conflicting
// writers cause the transaction to be retried.
func (s *Store) update(ctx context.Context, id string, fn func(rec *convcache.Record, pipe redis.Pipeliner)) (*convcache.Record, error) {
	key := s.recordKey(id)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var updated *convcache.Record
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			rec, err := s.load(ctx, tx, id)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				fn(rec, pipe)
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("failed to marshal conversation %s: %w", id, err)
				}
				pipe.Set(ctx, key, data, s.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			updated = rec
			return nil
		}, key)

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, convcache.ErrNotFound):
			return nil, err
		default:
			return nil, classify("update", err)
		}
	}
	return nil, convcache.ErrVersionConflict
}

// load reads a record inside a watched transaction.
func (s *Store) load(ctx context.Context, tx *redis.Tx, id string) (*convcache.Record, error) {
	val, err := tx.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, convcache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec convcache.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) ensureExists(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, s.recordKey(id)).Result()
	if err != nil {
		return classify("exists", err)
	}
	if n == 0 {
		return convcache.ErrNotFound
	}
	return nil
}

// recordKey constructs the Redis key for a conversation record.
func (s *Store) recordKey(id string) string {
	return fmt.Sprintf("%s:conversation:%s", s.prefix, id)
}

// activeKey constructs the Redis key of the active index for a (location, user) pair.
func (s *Store) activeKey(locationID, userID string) string {
	return fmt.Sprintf("%s:active:%s", s.prefix, convcache.LocationKey(locationID, userID))
}

// userKey constructs the Redis key of a user's conversation index.
func (s *Store) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s:conversations", s.prefix, segment(userID))
}

// messagesKey constructs the Redis key of a message list.
func (s *Store) messagesKey(id, userID, messageType string) string {
	return fmt.Sprintf("%s:conversation:%s:messages:%s", s.prefix, id, segment(userID, messageType))
}

func (s *Store) seqKey(name string) string {
	return fmt.Sprintf("%s:seq:%s", s.prefix, name)
}

// segment length-prefixes each part so that free-form ids cannot collide.
func segment(parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strconv.Itoa(len(p)))
		b.WriteByte(':')
		b.WriteString(p)
	}
	return b.String()
}

// Compile-time checks that Store implements the store interfaces.
var (
	_ convcache.Store        = (*Store)(nil)
	_ convcache.RecordGetter = (*Store)(nil)
	_ convcache.Lister       = (*Store)(nil)
)
