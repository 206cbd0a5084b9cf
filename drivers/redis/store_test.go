package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/convcache"
	"github.com/creastat/convcache/internal/storetest"
)

// setupStore creates a test Redis store backed by miniredis
func setupStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client, opts...), mr
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) convcache.Store {
		s, _ := setupStore(t)
		return s
	})
}

func TestStore_Prefix(t *testing.T) {
	s, mr := setupStore(t, WithPrefix("bloom"))
	ctx := context.Background()

	rec, err := s.Create(ctx, "loc", "alice", nil)
	require.NoError(t, err)

	assert.True(t, mr.Exists("bloom:conversation:"+rec.ID))
	assert.True(t, mr.Exists("bloom:active:"+convcache.LocationKey("loc", "alice").String()))
}

func TestStore_TTL(t *testing.T) {
	s, mr := setupStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	rec, err := s.Create(ctx, "loc", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, rec.ID, "alice", convcache.TypeThought, "hi"))

	assert.Equal(t, time.Hour, mr.TTL("convcache:conversation:"+rec.ID))

	mr.FastForward(2 * time.Hour)

	found, err := s.FindActive(ctx, "loc", "alice")
	require.NoError(t, err)
	assert.Nil(t, found)

	_, err = s.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, convcache.ErrNotFound)
}

func TestStore_NoTTLByDefault(t *testing.T) {
	s, mr := setupStore(t)

	rec, err := s.Create(context.Background(), "loc", "alice", nil)
	require.NoError(t, err)
	assert.Zero(t, mr.TTL("convcache:conversation:"+rec.ID))
}

func TestStore_KeysWithSeparatorsDoNotCollide(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, "a:b", "c", nil)
	require.NoError(t, err)

	found, err := s.FindActive(ctx, "a", "b:c")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = s.FindActive(ctx, "a:b", "c")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.ID, found.ID)
}

func TestStore_FindActiveSkipsExpiredIndexEntries(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	older, err := s.Create(ctx, "loc", "alice", nil)
	require.NoError(t, err)
	newer, err := s.Create(ctx, "loc", "alice", nil)
	require.NoError(t, err)
	mr.Del("convcache:conversation:" + newer.ID)

	found, err := s.FindActive(ctx, "loc", "alice")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, older.ID, found.ID)
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := setupStore(t)
	mr.Close()

	_, err := s.FindActive(context.Background(), "loc", "alice")
	require.Error(t, err)
	assert.True(t, convcache.IsUnavailable(err))

	_, err = s.Create(context.Background(), "loc", "alice", nil)
	assert.True(t, convcache.IsUnavailable(err))
}

func TestStore_ServerErrors(t *testing.T) {
	tests := []struct {
		reply     string
		retryable bool
	}{
		{"LOADING Redis is loading the dataset in memory", true},
		{"BUSY Redis is busy running a script", true},
		{"READONLY You can't write against a read only replica", true},
		{"NOPERM this user has no permissions", false},
		{"ERR unknown command", false},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			s, mr := setupStore(t)
			mr.SetError(tt.reply)

			_, err := s.FindActive(context.Background(), "loc", "alice")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, convcache.IsUnavailable(err))
		})
	}
}

func TestStore_WrongTypeIsNotRetryable(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	rec, err := s.Create(ctx, "loc", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, mr.Set(s.messagesKey(rec.ID, "alice", convcache.TypeThought), "not a list"))

	_, err = s.ListMessages(ctx, rec.ID, "alice", convcache.TypeThought, 0)
	require.Error(t, err)
	assert.False(t, convcache.IsUnavailable(err))
	assert.Contains(t, err.Error(), "WRONGTYPE")
}

func TestStore_ClosedClientIsNotRetryable(t *testing.T) {
	s, _ := setupStore(t)
	require.NoError(t, s.Close())

	_, err := s.FindActive(context.Background(), "loc", "alice")
	assert.ErrorIs(t, err, redis.ErrClosed)
	assert.False(t, convcache.IsUnavailable(err))
}
