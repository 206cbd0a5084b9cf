// Package badger implements convcache.Store on an embedded BadgerDB.
//
// Key layout:
//
//	conv/{id}                          record JSON
//	active/{key}/{seq}/{id}            active index per (location, user)
//	user/{user}/{seq}/{id}             active index per user
//	msg/{id}/{user,type}/{seq}         message JSON
//
// seq is a zero-padded badger.Sequence value, so lexical key order is
// creation order.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/creastat/convcache"
)

const (
	seqBandwidth  = 100
	maxTxAttempts = 5
)

// Config holds BadgerDB settings.
type Config struct {
	// Path is the database directory. Required unless InMemory is set.
	Path string

	// InMemory runs without touching disk. Data is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// storedRecord is the persisted form of a conversation.
type storedRecord struct {
	convcache.Record
	Seq uint64 `json:"seq"`
}

// Store implements convcache.Store using BadgerDB.
type Store struct {
	db      *badger.DB
	convSeq *badger.Sequence
	msgSeq  *badger.Sequence
}

// Open opens the database described by cfg and wraps it in a Store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("%w: badger path is required for a persistent database", convcache.ErrInvalidConfig)
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. Close releases the sequences and
// closes db.
func NewStore(db *badger.DB) (*Store, error) {
	convSeq, err := db.GetSequence([]byte("seq/conversation"), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("create conversation sequence: %w", err)
	}
	msgSeq, err := db.GetSequence([]byte("seq/message"), seqBandwidth)
	if err != nil {
		_ = convSeq.Release()
		return nil, fmt.Errorf("create message sequence: %w", err)
	}
	return &Store{db: db, convSeq: convSeq, msgSeq: msgSeq}, nil
}

// FindActive implements convcache.Store.
// Returns nil if no active conversation exists (not an error).
func (s *Store) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	prefix := activePrefix(locationID, userID)

	var found *convcache.Record
	err := s.update("find_active", func(txn *badger.Txn) error {
		found = nil
		ids := scanIDs(txn, prefix, true)
		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if errors.Is(err, convcache.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if found == nil {
				found = rec.Record.Clone()
				continue
			}
			if err := retire(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Create implements convcache.Store.
func (s *Store) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	seq, err := s.convSeq.Next()
	if err != nil {
		return nil, classify("create", err)
	}

	now := time.Now()
	rec := &storedRecord{
		Record: convcache.Record{
			ID:         uuid.NewString(),
			UserID:     userID,
			LocationID: locationID,
			Metadata:   convcache.CloneMetadata(metadata),
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		Seq: seq,
	}

	err = s.update("create", func(txn *badger.Txn) error {
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Set(activeKey(rec), nil); err != nil {
			return err
		}
		return txn.Set(userKey(rec), nil)
	})
	if err != nil {
		return nil, err
	}
	return rec.Record.Clone(), nil
}

// Get implements convcache.RecordGetter.
func (s *Store) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	var out *convcache.Record
	err := s.view("get", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, conversationID)
		if err != nil {
			return err
		}
		out = &rec.Record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActive implements convcache.Lister.
func (s *Store) ListActive(ctx context.Context, userID string) ([]convcache.Record, error) {
	var out []convcache.Record
	err := s.view("list_active", func(txn *badger.Txn) error {
		for _, id := range scanIDs(txn, userPrefix(userID), true) {
			rec, err := getRecord(txn, id)
			if errors.Is(err, convcache.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec.Record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Retire implements convcache.Store.
func (s *Store) Retire(ctx context.Context, conversationID string) error {
	return s.update("retire", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, conversationID)
		if err != nil {
			return err
		}
		return retire(txn, rec)
	})
}

// UpdateMetadata implements convcache.Store.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*convcache.Record, error) {
	var out *convcache.Record
	err := s.update("update_metadata", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, conversationID)
		if err != nil {
			return err
		}
		rec.Metadata = convcache.MergeMetadata(rec.Metadata, patch)
		rec.UpdatedAt = time.Now()
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		out = rec.Record.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendMessage implements convcache.Store.
// Returns ErrNotFound if the conversation does not exist or has been retired.
func (s *Store) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	seq, err := s.msgSeq.Next()
	if err != nil {
		return classify("append_message", err)
	}

	data, err := json.Marshal(convcache.Message{
		ID:             int64(seq) + 1,
		ConversationID: conversationID,
		UserID:         userID,
		Type:           messageType,
		Content:        content,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.update("append_message", func(txn *badger.Txn) error {
		rec, err := getRecord(txn, conversationID)
		if err != nil {
			return err
		}
		if !rec.IsActive {
			return convcache.ErrNotFound
		}
		key := messagePrefix(conversationID, userID, messageType) + pad(seq)
		return txn.Set([]byte(key), data)
	})
}

// ListMessages implements convcache.Store.
// Iterates newest first and stops after limit entries.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	var msgs []convcache.Message
	err := s.view("list_messages", func(txn *badger.Txn) error {
		if _, err := getRecord(txn, conversationID); err != nil {
			return err
		}

		prefix := []byte(messagePrefix(conversationID, userID, messageType))
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seekEnd(prefix)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(msgs) >= limit {
				break
			}
			var msg convcache.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			})
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Close releases the sequences and closes the database.
func (s *Store) Close() error {
	err := errors.Join(s.convSeq.Release(), s.msgSeq.Release())
	return errors.Join(err, s.db.Close())
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(op string, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return classify(op, err)
	}
	return convcache.ErrVersionConflict
}

func (s *Store) view(op string, fn func(txn *badger.Txn) error) error {
	return classify(op, s.db.View(fn))
}

// classify maps BadgerDB failures onto convcache errors. Only blocked
// writes match convcache.ErrStoreUnavailable; a closed database, corrupt
// values and every other failure are returned as plain errors.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, convcache.ErrNotFound), errors.Is(err, convcache.ErrVersionConflict):
		return err
	case errors.Is(err, badger.ErrBlockedWrites):
		return convcache.Unavailable(op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func getRecord(txn *badger.Txn, id string) (*storedRecord, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, convcache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec storedRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *storedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation %s: %w", rec.ID, err)
	}
	return txn.Set(recordKey(rec.ID), data)
}

// retire flags rec inactive and drops it from both active indexes.
func retire(txn *badger.Txn, rec *storedRecord) error {
	if !rec.IsActive {
		return nil
	}
	rec.IsActive = false
	rec.UpdatedAt = time.Now()
	if err := putRecord(txn, rec); err != nil {
		return err
	}
	if err := txn.Delete(activeKey(rec)); err != nil {
		return err
	}
	return txn.Delete(userKey(rec))
}

// scanIDs returns the ids encoded as the last segment of every key under prefix.
func scanIDs(txn *badger.Txn, prefix string, reverse bool) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = reverse
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	start := []byte(prefix)
	if reverse {
		start = seekEnd(start)
	}

	var ids []string
	for it.Seek(start); it.ValidForPrefix([]byte(prefix)); it.Next() {
		key := string(it.Item().Key())
		ids = append(ids, key[strings.LastIndexByte(key, '/')+1:])
	}
	return ids
}

func recordKey(id string) []byte {
	return []byte("conv/" + id)
}

func activePrefix(locationID, userID string) string {
	return "active/" + convcache.LocationKey(locationID, userID).String() + "/"
}

func activeKey(rec *storedRecord) []byte {
	return []byte(activePrefix(rec.LocationID, rec.UserID) + pad(rec.Seq) + "/" + rec.ID)
}

func userPrefix(userID string) string {
	return "user/" + segment(userID) + "/"
}

func userKey(rec *storedRecord) []byte {
	return []byte(userPrefix(rec.UserID) + pad(rec.Seq) + "/" + rec.ID)
}

func messagePrefix(id, userID, messageType string) string {
	return "msg/" + id + "/" + segment(userID, messageType) + "/"
}

// seekEnd returns a key sorting after every key with the given prefix.
func seekEnd(prefix []byte) []byte {
	return append(slices.Clone(prefix), 0xFF)
}

func pad(n uint64) string {
	return fmt.Sprintf("%020d", n)
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
