package convcache

import (
	"maps"
	"time"
)

// Well-known message types appended by the turn orchestrator.
// The cache treats message types as opaque strings.
const (
	TypeThought  = "thought"
	TypeResponse = "response"
)

// DefaultMessageLimit is the number of recent messages returned when a
// caller does not choose a limit.
const DefaultMessageLimit = 10

// Record is the remote representation of a conversation.
//
// STORED REMOTELY:
// - ID: authoritative conversation identifier, never reused once retired
// - UserID, LocationID: owner and chat surface
// - Metadata: open mapping merged last-write-wins on update
// - IsActive: false once the record has been retired (soft delete)
type Record struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	LocationID string         `json:"location_id"`
	Metadata   map[string]any `json:"metadata"`
	IsActive   bool           `json:"is_active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a copy of the record with its own metadata map.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = CloneMetadata(r.Metadata)
	return &c
}

// Message is a single typed entry in a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"message_type"` // "thought", "response", ...
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// MergeMetadata applies patch over base with shallow last-write-wins
// semantics and returns the merged mapping. base is not modified.
func MergeMetadata(base, patch map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(patch))
	maps.Copy(merged, base)
	maps.Copy(merged, patch)
	return merged
}

// CloneMetadata returns a shallow copy of m. A nil map clones to an empty map.
func CloneMetadata(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	maps.Copy(c, m)
	return c
}

// Tail returns the last limit messages of msgs, or all of them when
// limit <= 0. Order is preserved.
func Tail(msgs []Message, limit int) []Message {
	if limit <= 0 || len(msgs) <= limit {
		return msgs
	}
	return msgs[len(msgs)-limit:]
}
