// Package storetest provides a behavioural test suite that every
// convcache.Store backend must pass.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/convcache"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) convcache.Store

// Run exercises the Store contract, plus RecordGetter and Lister when the
// store implements them.
func Run(t *testing.T, newStore Factory) {
	t.Run("FindActiveMiss", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.FindActive(context.Background(), "loc", "alice")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("CreateThenFindActive", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, "loc", "alice", map[string]any{"name": "first"})
		require.NoError(t, err)
		assert.NotEmpty(t, created.ID)
		assert.Equal(t, "alice", created.UserID)
		assert.Equal(t, "loc", created.LocationID)
		assert.True(t, created.IsActive)
		assert.Equal(t, "first", created.Metadata["name"])

		found, err := s.FindActive(ctx, "loc", "alice")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, created.ID, found.ID)
		assert.True(t, found.IsActive)
		assert.Equal(t, "first", found.Metadata["name"])
	})

	t.Run("FindActiveIsScopedToLocationAndUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)

		rec, err := s.FindActive(ctx, "other", "alice")
		require.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = s.FindActive(ctx, "loc", "bob")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("FindActiveReturnsNewestAndRetiresOthers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		older, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)
		newer, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)

		found, err := s.FindActive(ctx, "loc", "alice")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, newer.ID, found.ID)

		// Once the newest is retired nothing is left: the older one was
		// retired by the previous lookup.
		require.NoError(t, s.Retire(ctx, newer.ID))
		found, err = s.FindActive(ctx, "loc", "alice")
		require.NoError(t, err)
		assert.Nil(t, found, "older conversation %s should have been retired", older.ID)
	})

	t.Run("RetireIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)

		require.NoError(t, s.Retire(ctx, rec.ID))
		require.NoError(t, s.Retire(ctx, rec.ID))

		found, err := s.FindActive(ctx, "loc", "alice")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("RetireUnknown", func(t *testing.T) {
		s := newStore(t)
		err := s.Retire(context.Background(), "missing")
		assert.ErrorIs(t, err, convcache.ErrNotFound)
	})

	t.Run("UpdateMetadataMerges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, "loc", "alice", map[string]any{"name": "first", "topic": "go"})
		require.NoError(t, err)

		updated, err := s.UpdateMetadata(ctx, rec.ID, map[string]any{"name": "renamed"})
		require.NoError(t, err)
		assert.Equal(t, rec.ID, updated.ID)
		assert.Equal(t, "renamed", updated.Metadata["name"])
		assert.Equal(t, "go", updated.Metadata["topic"])

		found, err := s.FindActive(ctx, "loc", "alice")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "renamed", found.Metadata["name"])
		assert.Equal(t, "go", found.Metadata["topic"])
	})

	t.Run("UpdateMetadataUnknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpdateMetadata(context.Background(), "missing", map[string]any{"name": "x"})
		assert.ErrorIs(t, err, convcache.ErrNotFound)
	})

	t.Run("MessagesByTypeAndLimit", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)

		for _, content := range []string{"t1", "t2", "t3"} {
			require.NoError(t, s.AppendMessage(ctx, rec.ID, "alice", convcache.TypeThought, content))
		}
		require.NoError(t, s.AppendMessage(ctx, rec.ID, "alice", convcache.TypeResponse, "r1"))

		msgs, err := s.ListMessages(ctx, rec.ID, "alice", convcache.TypeThought, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", "t3"}, contents(msgs))
		for _, m := range msgs {
			assert.Equal(t, rec.ID, m.ConversationID)
			assert.Equal(t, "alice", m.UserID)
			assert.Equal(t, convcache.TypeThought, m.Type)
		}

		msgs, err = s.ListMessages(ctx, rec.ID, "alice", convcache.TypeThought, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"t1", "t2", "t3"}, contents(msgs))

		msgs, err = s.ListMessages(ctx, rec.ID, "alice", convcache.TypeResponse, convcache.DefaultMessageLimit)
		require.NoError(t, err)
		assert.Equal(t, []string{"r1"}, contents(msgs))

		msgs, err = s.ListMessages(ctx, rec.ID, "bob", convcache.TypeThought, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("MessagesUnknownConversation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		err := s.AppendMessage(ctx, "missing", "alice", convcache.TypeThought, "hello")
		assert.ErrorIs(t, err, convcache.ErrNotFound)

		_, err = s.ListMessages(ctx, "missing", "alice", convcache.TypeThought, 0)
		assert.ErrorIs(t, err, convcache.ErrNotFound)
	})

	t.Run("RetireKeepsMessages", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, rec.ID, "alice", convcache.TypeResponse, "kept"))
		require.NoError(t, s.Retire(ctx, rec.ID))

		msgs, err := s.ListMessages(ctx, rec.ID, "alice", convcache.TypeResponse, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"kept"}, contents(msgs))
	})

	t.Run("AppendMessageRetired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec, err := s.Create(ctx, "loc", "alice", nil)
		require.NoError(t, err)
		require.NoError(t, s.AppendMessage(ctx, rec.ID, "alice", convcache.TypeResponse, "before"))
		require.NoError(t, s.Retire(ctx, rec.ID))

		err = s.AppendMessage(ctx, rec.ID, "alice", convcache.TypeResponse, "after")
		assert.ErrorIs(t, err, convcache.ErrNotFound)

		msgs, err := s.ListMessages(ctx, rec.ID, "alice", convcache.TypeResponse, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"before"}, contents(msgs))
	})

	t.Run("Get", func(t *testing.T) {
		s := newStore(t)
		getter, ok := s.(convcache.RecordGetter)
		if !ok {
			t.Skip("store does not implement RecordGetter")
		}
		ctx := context.Background()

		rec, err := s.Create(ctx, "loc", "alice", map[string]any{"name": "first"})
		require.NoError(t, err)

		got, err := getter.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.True(t, got.IsActive)
		assert.Equal(t, "first", got.Metadata["name"])

		require.NoError(t, s.Retire(ctx, rec.ID))
		got, err = getter.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)

		_, err = getter.Get(ctx, "missing")
		assert.ErrorIs(t, err, convcache.ErrNotFound)
	})

	t.Run("ListActive", func(t *testing.T) {
		s := newStore(t)
		lister, ok := s.(convcache.Lister)
		if !ok {
			t.Skip("store does not implement Lister")
		}
		ctx := context.Background()

		first, err := s.Create(ctx, "loc-1", "alice", nil)
		require.NoError(t, err)
		second, err := s.Create(ctx, "loc-2", "alice", nil)
		require.NoError(t, err)
		retired, err := s.Create(ctx, "loc-3", "alice", nil)
		require.NoError(t, err)
		_, err = s.Create(ctx, "loc-1", "bob", nil)
		require.NoError(t, err)
		require.NoError(t, s.Retire(ctx, retired.ID))

		recs, err := lister.ListActive(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, second.ID, recs[0].ID)
		assert.Equal(t, first.ID, recs[1].ID)

		recs, err = lister.ListActive(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func contents(msgs []convcache.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
