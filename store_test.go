package convcache_test

import (
	"context"
	"sync"

	"github.com/creastat/convcache"
	"github.com/creastat/convcache/drivers/memory"
)

// countingStore wraps the memory store, counting calls per operation and
// optionally failing selected operations.
type countingStore struct {
	*memory.Store

	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func newCountingStore() *countingStore {
	return &countingStore{
		Store: memory.NewStore(),
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

func (s *countingStore) record(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	return s.fail[op]
}

func (s *countingStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *countingStore) failOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *countingStore) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	if err := s.record("find_active"); err != nil {
		return nil, err
	}
	return s.Store.FindActive(ctx, locationID, userID)
}

func (s *countingStore) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	if err := s.record("create"); err != nil {
		return nil, err
	}
	return s.Store.Create(ctx, locationID, userID, metadata)
}

func (s *countingStore) Retire(ctx context.Context, conversationID string) error {
	if err := s.record("retire"); err != nil {
		return err
	}
	return s.Store.Retire(ctx, conversationID)
}

func (s *countingStore) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	if err := s.record("get"); err != nil {
		return nil, err
	}
	return s.Store.Get(ctx, conversationID)
}

func (s *countingStore) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	if err := s.record("append_message"); err != nil {
		return err
	}
	return s.Store.AppendMessage(ctx, conversationID, userID, messageType, content)
}

func (s *countingStore) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	if err := s.record("list_messages"); err != nil {
		return nil, err
	}
	return s.Store.ListMessages(ctx, conversationID, userID, messageType, limit)
}

// bareStore exposes only the Store interface, hiding RecordGetter and Lister.
type bareStore struct {
	convcache.Store
}
