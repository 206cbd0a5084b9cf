// Package retry wraps a convcache.Store so that transient failures are
// retried with exponential backoff. Only errors matching
// convcache.ErrStoreUnavailable are retried; anything else is returned
// on the first attempt.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/creastat/convcache"
)

const (
	defaultMaxAttempts     = 3
	defaultMaxElapsedTime  = 30 * time.Second
	defaultInitialInterval = 2 * time.Second
	defaultMaxInterval     = 10 * time.Second
)

// Option configures a Store.
type Option func(*Store)

// WithMaxAttempts sets the total number of attempts per call. Default is 3.
func WithMaxAttempts(n uint) Option {
	return func(s *Store) {
		s.maxAttempts = n
	}
}

// WithMaxElapsedTime bounds the total time spent on one call. Default is 30s.
func WithMaxElapsedTime(d time.Duration) Option {
	return func(s *Store) {
		s.maxElapsed = d
	}
}

// WithBackOff sets the backoff policy factory. A fresh policy is created
// for every call. Default is exponential from 2s up to 10s.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *Store) {
		s.newBackOff = newBackOff
	}
}

// WithLogger sets the logger used to report retried failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store decorates another store with retries.
type Store struct {
	next        convcache.Store
	maxAttempts uint
	maxElapsed  time.Duration
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
}

// New wraps next.
func New(next convcache.Store, opts ...Option) *Store {
	s := &Store{
		next:        next,
		maxAttempts: defaultMaxAttempts,
		maxElapsed:  defaultMaxElapsedTime,
		newBackOff:  defaultBackOff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	return b
}

// Unwrap returns the decorated store.
func (s *Store) Unwrap() convcache.Store {
	return s.next
}

// FindActive implements convcache.Store.
func (s *Store) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	return do(ctx, s, "find_active", func() (*convcache.Record, error) {
		return s.next.FindActive(ctx, locationID, userID)
	})
}

// Create implements convcache.Store.
// A retried create may leave an extra active record behind; FindActive
// retires it on the next lookup.
func (s *Store) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	return do(ctx, s, "create", func() (*convcache.Record, error) {
		return s.next.Create(ctx, locationID, userID, metadata)
	})
}

// Retire implements convcache.Store.
func (s *Store) Retire(ctx context.Context, conversationID string) error {
	_, err := do(ctx, s, "retire", func() (struct{}, error) {
		return struct{}{}, s.next.Retire(ctx, conversationID)
	})
	return err
}

// UpdateMetadata implements convcache.Store.
func (s *Store) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*convcache.Record, error) {
	return do(ctx, s, "update_metadata", func() (*convcache.Record, error) {
		return s.next.UpdateMetadata(ctx, conversationID, patch)
	})
}

// AppendMessage implements convcache.Store.
func (s *Store) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	_, err := do(ctx, s, "append_message", func() (struct{}, error) {
		return struct{}{}, s.next.AppendMessage(ctx, conversationID, userID, messageType, content)
	})
	return err
}

// ListMessages implements convcache.Store.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	return do(ctx, s, "list_messages", func() ([]convcache.Message, error) {
		return s.next.ListMessages(ctx, conversationID, userID, messageType, limit)
	})
}

// Get implements convcache.RecordGetter when the decorated store does.
func (s *Store) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	getter, ok := s.next.(convcache.RecordGetter)
	if !ok {
		return nil, fmt.Errorf("get conversation: %w", convcache.ErrUnsupported)
	}
	return do(ctx, s, "get", func() (*convcache.Record, error) {
		return getter.Get(ctx, conversationID)
	})
}

// ListActive implements convcache.Lister when the decorated store does.
func (s *Store) ListActive(ctx context.Context, userID string) ([]convcache.Record, error) {
	lister, ok := s.next.(convcache.Lister)
	if !ok {
		return nil, fmt.Errorf("list conversations: %w", convcache.ErrUnsupported)
	}
	return do(ctx, s, "list_active", func() ([]convcache.Record, error) {
		return lister.ListActive(ctx, userID)
	})
}

// Close implements convcache.Store. It is not retried.
func (s *Store) Close() error {
	return s.next.Close()
}

func do[T any](ctx context.Context, s *Store, op string, fn func() (T, error)) (T, error) {
	operation := func() (T, error) {
		v, err := fn()
		if err != nil && !convcache.IsUnavailable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, next time.Duration) {
		s.logger.WarnContext(ctx, "store call failed, retrying",
			"op", op, "retry_in", next, "error", err)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
		backoff.WithMaxElapsedTime(s.maxElapsed),
		backoff.WithNotify(notify),
	)
}

// Compile-time checks that Store implements the store interfaces.
var (
	_ convcache.Store        = (*Store)(nil)
	_ convcache.RecordGetter = (*Store)(nil)
	_ convcache.Lister       = (*Store)(nil)
)
