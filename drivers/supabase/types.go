package supabase

import (
	"time"

	"github.com/creastat/convcache"
)

// conversationRow represents a row of the conversation table
type conversationRow struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	LocationID string         `json:"location_id"`
	Metadata   map[string]any `json:"metadata"`
	IsActive   bool           `json:"isActive"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  *time.Time     `json:"updated_at,omitempty"`
}

// messageRow represents a row of the memory table
type messageRow struct {
	ID          int64      `json:"id,omitempty"`
	SessionID   string     `json:"session_id"`
	UserID      string     `json:"user_id"`
	MessageType string     `json:"message_type"`
	Message     string     `json:"message"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

func (r conversationRow) record() *convcache.Record {
	rec := &convcache.Record{
		ID:         r.ID,
		UserID:     r.UserID,
		LocationID: r.LocationID,
		Metadata:   convcache.CloneMetadata(r.Metadata),
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.CreatedAt,
	}
	if r.UpdatedAt != nil {
		rec.UpdatedAt = *r.UpdatedAt
	}
	return rec
}

func (r messageRow) message() convcache.Message {
	msg := convcache.Message{
		ID:             r.ID,
		ConversationID: r.SessionID,
		UserID:         r.UserID,
		Type:           r.MessageType,
		Content:        r.Message,
	}
	if r.CreatedAt != nil {
		msg.CreatedAt = *r.CreatedAt
	}
	return msg
}
