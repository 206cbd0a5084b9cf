// Package supabase implements convcache.Store on Supabase (PostgREST).
package supabase

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/creastat/convcache"
)

// Config holds Supabase connection configuration
type Config struct {
	URL               string
	APIKey            string
	ConversationTable string // Default: "conversations"
	MemoryTable       string // Default: "memory"
}

// Client implements convcache.Store using Supabase
type Client struct {
	client            *supabase.Client
	conversationTable string
	memoryTable       string
}

// New creates a new Supabase-backed conversation store
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: supabase URL is required", convcache.ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: supabase API key is required", convcache.ErrInvalidConfig)
	}

	if cfg.ConversationTable == "" {
		cfg.ConversationTable = "conversations"
	}
	if cfg.MemoryTable == "" {
		cfg.MemoryTable = "memory"
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}

	return &Client{
		client:            client,
		conversationTable: cfg.ConversationTable,
		memoryTable:       cfg.MemoryTable,
	}, nil
}

// FindActive implements convcache.Store.
// Returns nil if no active conversation exists (not an error).
func (c *Client) FindActive(ctx context.Context, locationID, userID string) (*convcache.Record, error) {
	var rows []conversationRow
	_, err := c.client.From(c.conversationTable).
		Select("*", "", false).
		Eq("location_id", locationID).
		Eq("user_id", userID).
		Eq("isActive", "true").
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("find_active", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	// Older duplicates are retired so only one active record remains.
	for _, stale := range rows[1:] {
		if err := c.Retire(ctx, stale.ID); err != nil {
			return nil, err
		}
	}
	return rows[0].record(), nil
}

// Create implements convcache.Store.
func (c *Client) Create(ctx context.Context, locationID, userID string, metadata map[string]any) (*convcache.Record, error) {
	now := time.Now().UTC()
	payload := conversationRow{
		ID:         uuid.NewString(),
		UserID:     userID,
		LocationID: locationID,
		Metadata:   convcache.CloneMetadata(metadata),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  &now,
	}

	var rows []conversationRow
	_, err := c.client.From(c.conversationTable).
		Insert(payload, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("create", err)
	}

	if len(rows) == 0 {
		return payload.record(), nil
	}
	return rows[0].record(), nil
}

// Get implements convcache.RecordGetter.
func (c *Client) Get(ctx context.Context, conversationID string) (*convcache.Record, error) {
	row, err := c.get(conversationID)
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// ListActive implements convcache.Lister.
func (c *Client) ListActive(ctx context.Context, userID string) ([]convcache.Record, error) {
	var rows []conversationRow
	_, err := c.client.From(c.conversationTable).
		Select("*", "", false).
		Eq("user_id", userID).
		Eq("isActive", "true").
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("list_active", err)
	}

	out := make([]convcache.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.record())
	}
	return out, nil
}

// Retire implements convcache.Store.
func (c *Client) Retire(ctx context.Context, conversationID string) error {
	_, err := c.update(conversationID, map[string]any{
		"isActive":   false,
		"updated_at": time.Now().UTC(),
	}, "retire")
	return err
}

// UpdateMetadata implements convcache.Store.
// The merge is read-modify-write; concurrent writers are last-write-wins.
func (c *Client) UpdateMetadata(ctx context.Context, conversationID string, patch map[string]any) (*convcache.Record, error) {
	cur, err := c.get(conversationID)
	if err != nil {
		return nil, err
	}

	row, err := c.update(conversationID, map[string]any{
		"metadata":   convcache.MergeMetadata(cur.Metadata, patch),
		"updated_at": time.Now().UTC(),
	}, "update_metadata")
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}

// AppendMessage implements convcache.Store.
// Retired conversations reject new messages with convcache.ErrNotFound.
func (c *Client) AppendMessage(ctx context.Context, conversationID, userID, messageType, content string) error {
	row, err := c.get(conversationID)
	if err != nil {
		return err
	}
	if !row.IsActive {
		return convcache.ErrNotFound
	}

	now := time.Now().UTC()
	payload := messageRow{
		SessionID:   conversationID,
		UserID:      userID,
		MessageType: messageType,
		Message:     content,
		CreatedAt:   &now,
	}
	var rows []messageRow
	_, err = c.client.From(c.memoryTable).
		Insert(payload, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return classify("append_message", err)
	}
	return nil
}

// ListMessages implements convcache.Store.
// Rows are fetched newest first with a server-side limit and reversed.
func (c *Client) ListMessages(ctx context.Context, conversationID, userID, messageType string, limit int) ([]convcache.Message, error) {
	if _, err := c.get(conversationID); err != nil {
		return nil, err
	}

	query := c.client.From(c.memoryTable).
		Select("*", "", false).
		Eq("session_id", conversationID).
		Eq("user_id", userID).
		Eq("message_type", messageType).
		Order("id", &postgrest.OrderOpts{Ascending: false})
	if limit > 0 {
		query = query.Limit(limit, "")
	}

	var rows []messageRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, classify("list_messages", err)
	}

	msgs := make([]convcache.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.message())
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Close closes the Supabase client
func (c *Client) Close() error {
	// Supabase client doesn't require explicit close
	return nil
}

// get loads a single conversation row by id.
func (c *Client) get(conversationID string) (*conversationRow, error) {
	var rows []conversationRow
	_, err := c.client.From(c.conversationTable).
		Select("*", "", false).
		Eq("id", conversationID).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify("get", err)
	}
	if len(rows) == 0 {
		return nil, convcache.ErrNotFound
	}
	return &rows[0], nil
}

// update patches a conversation row and returns its new representation.
func (c *Client) update(conversationID string, values map[string]any, op string) (*conversationRow, error) {
	var rows []conversationRow
	_, err := c.client.From(c.conversationTable).
		Update(values, "representation", "").
		Eq("id", conversationID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(rows) == 0 {
		return nil, convcache.ErrNotFound
	}
	return &rows[0], nil
}

// Compile-time checks that Client implements the store interfaces.
var (
	_ convcache.Store        = (*Client)(nil)
	_ convcache.RecordGetter = (*Client)(nil)
	_ convcache.Lister       = (*Client)(nil)
)
