package convcache

import (
	"fmt"
	"strconv"
	"strings"
)

// KeyScheme selects which pair of identifiers addresses a cache slot.
type KeyScheme string

const (
	// SchemeLocation keys one active conversation per (location, user) pair.
	SchemeLocation KeyScheme = "location"
	// SchemeConversation keys an explicit caller-chosen conversation id.
	SchemeConversation KeyScheme = "conversation"
)

// ParseKeyScheme converts a configuration string into a KeyScheme.
func ParseKeyScheme(s string) (KeyScheme, error) {
	switch KeyScheme(strings.ToLower(strings.TrimSpace(s))) {
	case SchemeLocation, "":
		return SchemeLocation, nil
	case SchemeConversation:
		return SchemeConversation, nil
	default:
		return "", fmt.Errorf("%w: unknown key scheme %q", ErrInvalidConfig, s)
	}
}

// Key is the composite identity of a cached conversation.
// Exactly one of LocationID or ConversationID is set, depending on the scheme.
// Key is comparable and is used as a map key directly.
type Key struct {
	LocationID     string
	UserID         string
	ConversationID string
}

// LocationKey builds a key for the (location, user) scheme.
func LocationKey(locationID, userID string) Key {
	return Key{LocationID: locationID, UserID: userID}
}

// ConversationKey builds a key for the (user, conversation id) scheme.
func ConversationKey(userID, conversationID string) Key {
	return Key{UserID: userID, ConversationID: conversationID}
}

// Scheme reports which scheme the key belongs to.
func (k Key) Scheme() KeyScheme {
	if k.ConversationID != "" {
		return SchemeConversation
	}
	return SchemeLocation
}

// Validate checks that the key carries the fields its scheme requires.
func (k Key) Validate() error {
	if k.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidKey)
	}
	if k.LocationID != "" && k.ConversationID != "" {
		return fmt.Errorf("%w: location id and conversation id are mutually exclusive", ErrInvalidKey)
	}
	if k.LocationID == "" && k.ConversationID == "" {
		return fmt.Errorf("%w: location id or conversation id is required", ErrInvalidKey)
	}
	return nil
}

// String returns a flat encoding of the key. Every field is length-prefixed,
// so ("ab", "c") and ("a", "bc") never encode to the same string.
func (k Key) String() string {
	var b strings.Builder
	if k.Scheme() == SchemeConversation {
		b.WriteString("c:")
		writeField(&b, k.UserID)
		writeField(&b, k.ConversationID)
	} else {
		b.WriteString("l:")
		writeField(&b, k.LocationID)
		writeField(&b, k.UserID)
	}
	return b.String()
}

func writeField(b *strings.Builder, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
