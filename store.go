package convcache

import "context"

// Store is the remote, authoritative persistence layer for conversations
// and their messages. Any backend implementing it can sit behind a Cache.
type Store interface {
	// FindActive returns the single active conversation for a
	// (location, user) pair. Returns nil if none exists (not an error).
	// If several active records exist, the most recently created one is
	// returned and the others are retired.
	FindActive(ctx context.Context, locationID, userID string) (*Record, error)

	// Create inserts a new active conversation and returns the stored record.
	Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*Record, error)

	// Retire soft-deletes a conversation. Retiring an already retired
	// conversation is a no-op. Returns ErrNotFound for an unknown id.
	Retire(ctx context.Context, conversationID string) error

	// UpdateMetadata shallow-merges patch into the stored metadata and
	// returns the updated record. Returns ErrNotFound for an unknown id.
	UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*Record, error)

	// AppendMessage durably appends a typed message to a conversation.
	AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error

	// ListMessages returns the most recent limit messages of a type,
	// oldest first. A limit <= 0 returns every message of that type.
	ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]Message, error)

	// Close closes the store and releases any resources.
	Close() error
}

// RecordGetter is implemented by stores that can load a conversation by id.
// The conversation key scheme requires it.
type RecordGetter interface {
	// Get returns the conversation with the given id, active or retired.
	// Returns ErrNotFound if no such record exists.
	Get(ctx context.Context, conversationID string) (*Record, error)
}

// Lister is implemented by stores that can enumerate a user's conversations.
type Lister interface {
	// ListActive returns the user's active conversations, newest first.
	ListActive(ctx context.Context, userID string) ([]Record, error)
}
