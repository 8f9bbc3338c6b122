package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err, "failed to create redis store")
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("://nope")
	assert.Error(t, err)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	created, err := store.EnsureGroup(ctx, "thread:T1", "user:a:1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.EnsureGroup(ctx, "thread:T1", "user:a:1")
	require.NoError(t, err)
	assert.False(t, created)

	exists, err := store.Exists(ctx, "thread:T1")
	require.NoError(t, err)
	assert.True(t, exists, "MKSTREAM creates the stream together with the group")

	n, err := store.GroupCount(ctx, "thread:T1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppendCapsStreamLength(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		_, err := store.Append(ctx, "dashboard:D1", []byte(fmt.Sprintf("entry-%d", i)), 50)
		require.NoError(t, err)
	}

	n, err := store.Len(ctx, "dashboard:D1")
	require.NoError(t, err)
	// Approximate trimming may keep a little more than the cap on a real server.
	assert.LessOrEqual(t, n, int64(100))
	assert.GreaterOrEqual(t, n, int64(50))
}

func TestReadGroupOnlySeesNewEntries(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "thread:T1", []byte("backlog"), 50)
	require.NoError(t, err)

	_, err = store.EnsureGroup(ctx, "thread:T1", "g1")
	require.NoError(t, err)
	_, err = store.EnsureGroup(ctx, "thread:T2", "g1")
	require.NoError(t, err)

	_, err = store.Append(ctx, "thread:T1", []byte("one"), 50)
	require.NoError(t, err)
	_, err = store.Append(ctx, "thread:T2", []byte("two"), 50)
	require.NoError(t, err)

	entries, err := store.ReadGroup(ctx, "g1", "c1", []string{"thread:T1", "thread:T2"}, 250, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got := map[string]string{}
	for _, e := range entries {
		got[e.Stream] = string(e.Data)
		require.NoError(t, store.Ack(ctx, e.Stream, "g1", e.ID))
	}
	assert.Equal(t, map[string]string{"thread:T1": "one", "thread:T2": "two"}, got)

	entries, err = store.ReadGroup(ctx, "g1", "c1", []string{"thread:T1", "thread:T2"}, 250, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadGroupMissingGroupFails(t *testing.T) {
	store, _ := setupTestRedis(t)

	_, err := store.ReadGroup(context.Background(), "ghost", "c1", []string{"thread:none"}, 10, 5*time.Millisecond)
	assert.Error(t, err)
}

func TestDestroyGroupTrimAndDelete(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	_, err := store.EnsureGroup(ctx, "collection:C1", "g1")
	require.NoError(t, err)
	_, err = store.Append(ctx, "collection:C1", []byte("x"), 50)
	require.NoError(t, err)

	require.NoError(t, store.DestroyGroup(ctx, "collection:C1", "g1"))

	n, err := store.GroupCount(ctx, "collection:C1")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.Trim(ctx, "collection:C1", 0)
	require.NoError(t, err)
	length, err := store.Len(ctx, "collection:C1")
	require.NoError(t, err)
	assert.Zero(t, length)

	require.NoError(t, store.Delete(ctx, "collection:C1", "draft:collection:C1"))
	exists, err := store.Exists(ctx, "collection:C1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestKeyValueSideChannel(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.SetValue(ctx, "draft:thread:T1", []byte(`{"text":"hi"}`), time.Hour))

	val, err := store.GetValue(ctx, "draft:thread:T1")
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hi"}`, string(val))

	s.FastForward(2 * time.Hour)

	_, err = store.GetValue(ctx, "draft:thread:T1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteValue(ctx, "never-set"))
}
