// Package memory implements convcache.Store in process memory.
// It is the reference backend for tests and single-process development.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creastat/convcache"
)

// Store implements convcache.Store using in-memory maps.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*convcache.Record
	order    []string // record ids in creation order
	messages map[string][]convcache.Message
	nextID   int64
	now      func() time.Time
}

// NewStore creates a new in-memory conversation store.
func NewStore() *Store {
	return &Store{
		records:  make(map[string]*convcache.Record),
		messages: make(map[string][]convcache.Message),
		now:      time.Now,
	}
}

// FindActive implements convcache.Store.
// Returns nil if no active conversation exists (not an error).
func (s *Store) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *convcache.Record
	// Newest first; every older active record for the key is retired.
	for _, id := range slices.Backward(s.order) {
		rec := s.records[id]
		if !rec.IsActive || rec.LocationID != locationID || rec.UserID != userID {
			continue
		}
		if found == nil {
			found = rec
			continue
		}
		rec.IsActive = false
		rec.UpdatedAt = s.now()
	}
	return found.Clone(), nil
}

// Create implements convcache.Store.
func (s *Store) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	rec := &convcache.Record{
		ID:         uuid.NewString(),
		UserID:     userID,
		LocationID: locationID,
		Metadata:   convcache.CloneMetadata(metadata),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	return rec.Clone(), nil
}

// Get implements convcache.RecordGetter.
func (s *Store) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[conversationID]
	if !exists {
		return nil, convcache.ErrNotFound
	}
	return rec.Clone(), nil
}

// ListActive implements convcache.Lister.
func (s *Store) ListActive(ctx context.Context, userID string) ([]convcache.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []convcache.Record
	for _, id := range slices.Backward(s.order) {
		rec := s.records[id]
		if rec.IsActive && rec.UserID == userID {
			out = append(out, *rec.Clone())
		}
	}
	return out, nil
}

// Retire implements convcache.Store.
func (s *Store) Retire(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[conversationID]
	if !exists {
		return convcache.ErrNotFound
	}
	if rec.IsActive {
		rec.IsActive = false
		rec.UpdatedAt = s.now()
	}
	return nil
}

// UpdateMetadata implements convcache.Store.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*convcache.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[conversationID]
	if !exists {
		return nil, convcache.ErrNotFound
	}
	rec.Metadata = convcache.MergeMetadata(rec.Metadata, patch)
	rec.UpdatedAt = s.now()
	return rec.Clone(), nil
}

// AppendMessage implements convcache.Store.
// Retired conversations reject new messages with convcache.ErrNotFound.
func (s *Store) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[conversationID]
	if !exists || !rec.IsActive {
		return convcache.ErrNotFound
	}
	s.nextID++
	s.messages[conversationID] = append(s.messages[conversationID], convcache.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		UserID:         userID,
		Type:           messageType,
		Content:        content,
		CreatedAt:      s.now(),
	})
	return nil
}

// ListMessages implements convcache.Store.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.records[conversationID]; !exists {
		return nil, convcache.ErrNotFound
	}

	var out []convcache.Message
	for _, msg := range s.messages[conversationID] {
		if msg.UserID == userID && msg.Type == messageType {
			out = append(out, msg)
		}
	}
	return convcache.Tail(out, limit), nil
}

// Close implements convcache.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*convcache.Record)
	s.messages = make(map[string][]convcache.Message)
	s.order = nil
	return nil
}

// Compile-time checks that Store implements the store interfaces.
var (
	_ convcache.Store        = (*Store)(nil)
	_ convcache.RecordGetter = (*Store)(nil)
	_ convcache.Lister       = (*Store)(nil)
)
