package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupRedisCache creates a miniredis instance and a cache on top of it
func setupRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := DialRedis(context.Background(), "redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewRedisCache(client, "", ttl), mr
}

// put stores set under a fresh stamp
func put(t *testing.T, cache Cache, actor AgentID, set PermissionSet) {
	t.Helper()
	ctx := context.Background()
	stamp, err := cache.Stamp(ctx, actor)
	require.NoError(t, err)
	stored, err := cache.Set(ctx, actor, set, stamp)
	require.NoError(t, err)
	require.True(t, stored)
}

func exerciseCache(t *testing.T, cache Cache) {
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	put(t, cache, "alice", NewPermissionSet("alice", "bob"))
	put(t, cache, "carol", NewPermissionSet("carol", "dave"))

	set, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []AgentID{"alice", "bob"}, set.IDs())

	// callers own the returned set
	set.Add("mallory")
	again, _, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, again.Contains("mallory"))

	require.NoError(t, cache.Invalidate(ctx, "alice"))
	_, ok, err = cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = cache.Get(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, cache.Purge(ctx))
	_, ok, err = cache.Get(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(0, 0)
	assert.Equal(t, "memory", cache.Type())
	exerciseCache(t, cache)
}

// exerciseStaleWrites checks that a set computed before an invalidation is
// never stored after it
func exerciseStaleWrites(t *testing.T, cache Cache) {
	ctx := context.Background()

	stamp, err := cache.Stamp(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "alice"))
	stored, err := cache.Set(ctx, "alice", NewPermissionSet("alice", "bob"), stamp)
	require.NoError(t, err)
	assert.False(t, stored)
	_, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	stamp, err = cache.Stamp(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, cache.Purge(ctx))
	stored, err = cache.Set(ctx, "alice", NewPermissionSet("alice", "bob"), stamp)
	require.NoError(t, err)
	assert.False(t, stored)

	// other actors keep their stamps
	stamp, err = cache.Stamp(ctx, "carol")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "alice"))
	stored, err = cache.Set(ctx, "carol", NewPermissionSet("carol"), stamp)
	require.NoError(t, err)
	assert.True(t, stored)

	// a stamp taken after the invalidation is current again
	put(t, cache, "alice", NewPermissionSet("alice"))
	set, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []AgentID{"alice"}, set.IDs())
}

func TestLRUCache_StaleWrites(t *testing.T) {
	exerciseStaleWrites(t, NewLRUCache(16, time.Minute))
}

func TestLRUCache_Eviction(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(2, time.Minute)

	put(t, cache, "a", NewPermissionSet("a"))
	put(t, cache, "b", NewPermissionSet("b"))
	put(t, cache, "c", NewPermissionSet("c"))

	assert.Equal(t, 2, cache.Len())
	_, ok, _ := cache.Get(ctx, "a")
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestRedisCache(t *testing.T) {
	cache, _ := setupRedisCache(t, time.Minute)
	assert.Equal(t, "redis", cache.Type())
	exerciseCache(t, cache)
}

func TestRedisCache_StaleWrites(t *testing.T) {
	cache, _ := setupRedisCache(t, time.Minute)
	exerciseStaleWrites(t, cache)
}

func TestRedisCache_InvalidationFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	local, mr := setupRedisCache(t, time.Minute)

	client, err := DialRedis(ctx, "redis://"+mr.Addr(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	remote := NewRedisCache(client, "", time.Minute)

	stamp, err := local.Stamp(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, remote.Invalidate(ctx, "alice"))

	stored, err := local.Set(ctx, "alice", NewPermissionSet("alice", "bob"), stamp)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.False(t, mr.Exists(DefaultRedisKeyPrefix+"alice"))

	stamp, err = local.Stamp(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, remote.Purge(ctx))
	stored, err = local.Set(ctx, "alice", NewPermissionSet("alice", "bob"), stamp)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestRedisCache_PurgeKeepsStamps(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)

	require.NoError(t, cache.Invalidate(ctx, "alice"))
	require.NoError(t, cache.Purge(ctx))

	assert.True(t, mr.Exists(DefaultRedisKeyPrefix+"~stamp:epoch"))
	assert.True(t, mr.Exists(DefaultRedisKeyPrefix+"~stamp:version:alice"))
	stamp, err := cache.Stamp(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Stamp{Epoch: 1, Version: 1}, stamp)
}

func TestRedisCache_TTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)

	put(t, cache, "alice", NewPermissionSet("alice"))
	assert.True(t, mr.Exists(DefaultRedisKeyPrefix+"alice"))

	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_PurgeKeepsForeignKeys(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)

	require.NoError(t, mr.Set("session:123", "x"))
	put(t, cache, "alice", NewPermissionSet("alice"))

	require.NoError(t, cache.Purge(ctx))
	assert.True(t, mr.Exists("session:123"))
	assert.False(t, mr.Exists(DefaultRedisKeyPrefix+"alice"))
}

func TestRedisCache_CorruptValue(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)

	require.NoError(t, mr.Set(DefaultRedisKeyPrefix+"alice", "not json"))

	_, _, err := cache.Get(ctx, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal visible set")
}

func TestRedisCache_ServerDown(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute)
	mr.Close()

	_, _, err := cache.Get(ctx, "alice")
	assert.Error(t, err)
	_, err = cache.Stamp(ctx, "alice")
	assert.Error(t, err)
	_, err = cache.Set(ctx, "alice", NewPermissionSet("alice"), Stamp{})
	assert.Error(t, err)
	assert.Error(t, cache.Invalidate(ctx, "alice"))
}

func TestDialRedis(t *testing.T) {
	t.Run("invalid url", func(t *testing.T) {
		_, err := DialRedis(context.Background(), "not-a-url", 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid redis URL")
	})

	t.Run("unreachable", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err = DialRedis(ctx, "redis://"+addr, 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to redis")
	})

	t.Run("selects db", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()

		client, err := DialRedis(context.Background(), "redis://"+mr.Addr(), 3)
		require.NoError(t, err)
		defer client.Close()

		cache := NewRedisCache(client, "test:", time.Minute)
		put(t, cache, "a", NewPermissionSet("a"))
		assert.True(t, mr.DB(3).Exists("test:a"))
	})
}
