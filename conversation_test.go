package convcache_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/convcache"
)

func newConversation(t *testing.T) (*convcache.Conversation, *countingStore) {
	t.Helper()
	store := newCountingStore()
	rec, err := store.Store.Create(context.Background(), "loc", "u1", map[string]any{"name": "general"})
	require.NoError(t, err)
	return convcache.NewConversation(store, rec), store
}

func contents(msgs []convcache.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestNewConversation(t *testing.T) {
	store := newCountingStore()
	rec := &convcache.Record{ID: "c1", UserID: "u1", LocationID: "loc", Metadata: map[string]any{"name": "x"}}

	conv := convcache.NewConversation(store, rec)
	assert.Equal(t, "c1", conv.ID())
	assert.Equal(t, "u1", conv.UserID())
	assert.Equal(t, "loc", conv.LocationID())
	assert.Equal(t, convcache.StateRetired, conv.State())

	rec.Metadata["name"] = "changed"
	assert.Equal(t, "x", conv.Metadata()["name"], "handle must not alias the record metadata")

	rec.IsActive = true
	assert.Equal(t, convcache.StateActive, convcache.NewConversation(store, rec).State())
}

func TestConversation_MessagesAreTypedAndOrdered(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()

	for _, content := range []string{"t1", "t2", "t3"} {
		require.NoError(t, conv.AddMessage(ctx, convcache.TypeThought, content))
	}
	require.NoError(t, conv.AddMessage(ctx, convcache.TypeResponse, "r1"))
	assert.Equal(t, 4, store.count("append_message"))

	thoughts, err := conv.Messages(ctx, convcache.TypeThought, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, contents(thoughts))

	recent, err := conv.Messages(ctx, convcache.TypeThought, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3"}, contents(recent))

	responses, err := conv.Messages(ctx, convcache.TypeResponse, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, contents(responses))
	assert.Equal(t, conv.ID(), responses[0].ConversationID)
}

func TestConversation_MessagesReadThrough(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()

	_, err := conv.Messages(ctx, convcache.TypeThought, 0)
	require.NoError(t, err)

	// A write made behind the handle's back is visible on the next read.
	require.NoError(t, store.Store.AppendMessage(ctx, conv.ID(), "u1", convcache.TypeThought, "external"))
	msgs, err := conv.Messages(ctx, convcache.TypeThought, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"external"}, contents(msgs))
	assert.Equal(t, 2, store.count("list_messages"))
}

func TestConversation_StoreErrorsAreWrapped(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()
	down := convcache.Unavailable("append_message", errors.New("connection refused"))

	store.failOn("append_message", down)
	err := conv.AddMessage(ctx, convcache.TypeThought, "lost")
	assert.ErrorIs(t, err, down)
	assert.True(t, convcache.IsUnavailable(err))

	store.failOn("list_messages", down)
	_, err = conv.Messages(ctx, convcache.TypeThought, 0)
	assert.ErrorIs(t, err, convcache.ErrStoreUnavailable)
}

func TestConversation_Window(t *testing.T) {
	conv, _ := newConversation(t)
	ctx := context.Background()

	long := strings.Repeat("a", 40) // 10 tokens
	for _, content := range []string{long, long, "short"} {
		require.NoError(t, conv.AddMessage(ctx, convcache.TypeResponse, content))
	}

	msgs, err := conv.Window(ctx, convcache.TypeResponse, 12, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{long, "short"}, contents(msgs))

	msgs, err = conv.Window(ctx, convcache.TypeResponse, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, contents(msgs))
}

func TestConversation_UpdateMetadata(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()

	require.NoError(t, conv.UpdateMetadata(ctx, map[string]any{"topic": "go"}))
	assert.Equal(t, map[string]any{"name": "general", "topic": "go"}, conv.Metadata())

	require.NoError(t, conv.UpdateMetadata(ctx, map[string]any{"name": "renamed"}))
	assert.Equal(t, map[string]any{"name": "renamed", "topic": "go"}, conv.Metadata())

	rec, err := store.Store.Get(ctx, conv.ID())
	require.NoError(t, err)
	assert.Equal(t, "renamed", rec.Metadata["name"])

	md := conv.Metadata()
	md["name"] = "mutated"
	assert.Equal(t, "renamed", conv.Metadata()["name"], "Metadata must return a copy")
}

func TestConversation_UpdateMetadataUnknown(t *testing.T) {
	store := newCountingStore()
	conv := convcache.NewConversation(store, &convcache.Record{ID: "missing", UserID: "u1", LocationID: "loc", IsActive: true})

	err := conv.UpdateMetadata(context.Background(), map[string]any{"name": "x"})
	assert.ErrorIs(t, err, convcache.ErrNotFound)
	assert.Empty(t, conv.Metadata())
}

func TestConversation_Restart(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()

	require.NoError(t, conv.AddMessage(ctx, convcache.TypeThought, "before"))
	oldID := conv.ID()

	require.NoError(t, conv.Restart(ctx))
	assert.NotEqual(t, oldID, conv.ID())
	assert.Equal(t, convcache.StateActive, conv.State())
	assert.Equal(t, "loc", conv.LocationID())
	assert.Equal(t, "u1", conv.UserID())
	assert.Empty(t, conv.Metadata())

	msgs, err := conv.Messages(ctx, convcache.TypeThought, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	old, err := store.Store.ListMessages(ctx, oldID, "u1", convcache.TypeThought, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"before"}, contents(old))

	rec, err := store.Store.Get(ctx, oldID)
	require.NoError(t, err)
	assert.False(t, rec.IsActive)
}

func TestConversation_RestartAfterFailedCreateDoesNotRetireTwice(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()

	store.failOn("create", convcache.Unavailable("create", errors.New("timeout")))
	require.Error(t, conv.Restart(ctx))
	assert.Equal(t, convcache.StateRetired, conv.State())
	assert.Equal(t, 1, store.count("retire"))

	store.failOn("create", nil)
	require.NoError(t, conv.Restart(ctx))
	assert.Equal(t, convcache.StateActive, conv.State())
	assert.Equal(t, 1, store.count("retire"))
}

func TestConversation_AddMessageAfterRetireElsewhere(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()
	require.NoError(t, store.Store.Retire(ctx, conv.ID()))

	err := conv.AddMessage(ctx, convcache.TypeThought, "lost")
	assert.ErrorIs(t, err, convcache.ErrNotFound)
	assert.Equal(t, convcache.StateRetired, conv.State())

	// Once retired the handle stops calling the store.
	err = conv.AddMessage(ctx, convcache.TypeThought, "lost again")
	assert.ErrorIs(t, err, convcache.ErrNotFound)
	assert.Equal(t, 1, store.count("append_message"))

	_, err = conv.Messages(ctx, convcache.TypeThought, 0)
	assert.ErrorIs(t, err, convcache.ErrNotFound)
	assert.Equal(t, 0, store.count("list_messages"))
}

func TestConversation_MessagesAfterRetireElsewhere(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()
	require.NoError(t, conv.AddMessage(ctx, convcache.TypeThought, "kept"))
	require.NoError(t, store.Store.Retire(ctx, conv.ID()))

	_, err := conv.Messages(ctx, convcache.TypeThought, 0)
	assert.ErrorIs(t, err, convcache.ErrNotFound)
	assert.Equal(t, convcache.StateRetired, conv.State())
	assert.Equal(t, 0, store.count("list_messages"))

	msgs, err := store.Store.ListMessages(ctx, conv.ID(), "u1", convcache.TypeThought, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, contents(msgs))
}

func TestConversation_UpdateMetadataAfterRetireElsewhere(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()
	require.NoError(t, store.Store.Retire(ctx, conv.ID()))

	err := conv.UpdateMetadata(ctx, map[string]any{"name": "late"})
	assert.ErrorIs(t, err, convcache.ErrNotFound)
	assert.Equal(t, convcache.StateRetired, conv.State())
	assert.Equal(t, "general", conv.Metadata()["name"])
}

func TestConversation_Retire(t *testing.T) {
	conv, store := newConversation(t)
	ctx := context.Background()
	id := conv.ID()

	require.NoError(t, conv.Retire(ctx))
	assert.Equal(t, convcache.StateRetired, conv.State())
	assert.Equal(t, id, conv.ID())

	rec, err := store.Store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.IsActive)

	require.NoError(t, conv.Retire(ctx))
	assert.Equal(t, 1, store.count("retire"))

	assert.ErrorIs(t, conv.AddMessage(ctx, convcache.TypeThought, "x"), convcache.ErrNotFound)

	// Restart after Retire only creates.
	require.NoError(t, conv.Restart(ctx))
	assert.Equal(t, convcache.StateActive, conv.State())
	assert.NotEqual(t, id, conv.ID())
	assert.Equal(t, 1, store.count("retire"))
}

func TestConversation_RetireFailureKeepsActive(t *testing.T) {
	conv, store := newConversation(t)
	store.failOn("retire", convcache.Unavailable("retire", errors.New("timeout")))

	err := conv.Retire(context.Background())
	assert.True(t, convcache.IsUnavailable(err))
	assert.Equal(t, convcache.StateActive, conv.State())
}
