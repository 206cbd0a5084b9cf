package convcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a conversation handle.
type State string

const (
	StateActive  State = "active"
	StateRetired State = "retired"
)

// Conversation is a live handle on a remote conversation record.
// It proxies message reads and writes to the store and never caches
// message lists locally. A Conversation is safe for concurrent use.
type Conversation struct {
	store Store

	mu         sync.RWMutex
	id         string
	userID     string
	locationID string
	metadata   map[string]any
	state      State
}

// NewConversation binds a handle to an existing record.
func NewConversation(store Store, rec *Record) *Conversation {
	state := StateActive
	if !rec.IsActive {
		state = StateRetired
	}
	return &Conversation{
		store:      store,
		id:         rec.ID,
		userID:     rec.UserID,
		locationID: rec.LocationID,
		metadata:   CloneMetadata(rec.Metadata),
		state:      state,
	}
}

// ID returns the current remote conversation id.
func (c *Conversation) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// UserID returns the owning user.
func (c *Conversation) UserID() string {
	return c.userID
}

// LocationID returns the chat surface the conversation belongs to.
func (c *Conversation) LocationID() string {
	return c.locationID
}

// State reports whether the handle is bound to an active record.
func (c *Conversation) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Metadata returns a copy of the last known metadata.
func (c *Conversation) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CloneMetadata(c.metadata)
}

// AddMessage appends a typed message to the remote conversation.
// Each call is one durable store write. A retired conversation rejects the
// write with an error wrapping ErrNotFound and the handle turns retired.
func (c *Conversation) AddMessage(ctx context.Context, messageType, content string) error {
	id, active := c.bound()
	if !active {
		return fmt.Errorf("failed to add %s message: %w", messageType, retiredError(id))
	}

	if err := c.store.AppendMessage(ctx, id, c.userID, messageType, content); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.markRetired(id)
		}
		return fmt.Errorf("failed to add %s message to conversation %s: %w", messageType, id, err)
	}
	return nil
}

// Messages returns the most recent limit messages of a type, oldest first.
// A limit <= 0 returns all of them. Every call reads through to the store.
// When the store can load records, the record is checked first and a
// retired conversation yields an error wrapping ErrNotFound.
func (c *Conversation) Messages(ctx context.Context, messageType string, limit int) ([]Message, error) {
	id, active := c.bound()
	if !active {
		return nil, fmt.Errorf("failed to list %s messages: %w", messageType, retiredError(id))
	}

	if err := c.checkActive(ctx, id); err != nil {
		return nil, fmt.Errorf("failed to list %s messages of conversation %s: %w", messageType, id, err)
	}

	msgs, err := c.store.ListMessages(ctx, id, c.userID, messageType, limit)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.markRetired(id)
		}
		return nil, fmt.Errorf("failed to list %s messages of conversation %s: %w", messageType, id, err)
	}
	return msgs, nil
}

// Window returns the recent history of a type trimmed to fit a prompt of
// tokenLimit estimated tokens and at most messageLimit messages.
func (c *Conversation) Window(ctx context.Context, messageType string, tokenLimit, messageLimit int) ([]Message, error) {
	msgs, err := c.Messages(ctx, messageType, messageLimit)
	if err != nil {
		return nil, err
	}
	return TruncateHistory(msgs, tokenLimit, messageLimit), nil
}

// UpdateMetadata merges patch into the remote metadata and adopts the
// merged result returned by the store.
func (c *Conversation) UpdateMetadata(ctx context.Context, patch map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return fmt.Errorf("failed to update metadata: %w", retiredError(c.id))
	}

	rec, err := c.store.UpdateMetadata(ctx, c.id, patch)
	if errors.Is(err, ErrNotFound) || (err == nil && !rec.IsActive) {
		c.state = StateRetired
		return fmt.Errorf("failed to update metadata: %w", retiredError(c.id))
	}
	if err != nil {
		return fmt.Errorf("failed to update metadata of conversation %s: %w", c.id, err)
	}
	c.metadata = CloneMetadata(rec.Metadata)
	return nil
}

// Retire retires the remote record and marks the handle retired. Retiring
// a handle that is already retired is a no-op.
func (c *Conversation) Retire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateActive {
		return nil
	}
	if err := c.store.Retire(ctx, c.id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to retire conversation %s: %w", c.id, err)
	}
	c.state = StateRetired
	return nil
}

// Restart retires the current remote record and binds the handle to a
// freshly created one for the same location and user. Messages of the old
// record stay in the store under the old id.
func (c *Conversation) Restart(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateActive {
		if err := c.store.Retire(ctx, c.id); err != nil {
			return fmt.Errorf("failed to retire conversation %s: %w", c.id, err)
		}
		c.state = StateRetired
	}

	rec, err := c.store.Create(ctx, c.locationID, c.userID, nil)
	if err != nil {
		return fmt.Errorf("failed to create replacement for conversation %s: %w", c.id, err)
	}

	c.id = rec.ID
	c.metadata = CloneMetadata(rec.Metadata)
	c.state = StateActive
	return nil
}

// bound returns the current remote id and whether it is still active.
func (c *Conversation) bound() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id, c.state == StateActive
}

// markRetired flags the handle retired if it is still bound to id. A
// concurrent Restart may already have moved it to a new record.
func (c *Conversation) markRetired(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == id {
		c.state = StateRetired
	}
}

// checkActive loads the record for id when the store supports it and
// reports a retired or missing record as ErrNotFound.
func (c *Conversation) checkActive(ctx context.Context, id string) error {
	getter, ok := c.store.(RecordGetter)
	if !ok {
		return nil
	}
	rec, err := getter.Get(ctx, id)
	switch {
	case errors.Is(err, ErrUnsupported):
		return nil
	case errors.Is(err, ErrNotFound) || (err == nil && !rec.IsActive):
		c.markRetired(id)
		return retiredError(id)
	}
	return err
}

func retiredError(id string) error {
	return fmt.Errorf("conversation %s is retired: %w", id, ErrNotFound)
}
