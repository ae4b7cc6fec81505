package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores resolved visible-owner sets keyed by actor.
// Implementations must be safe for concurrent use.
//
// A set computed from store reads that started before an invalidation must
// never be stored after it. Callers take a Stamp before reading the store and
// hand it to Set, which stores only while the stamp is still current.
type Cache interface {
	// Get returns the cached set for actor; ok is false on a miss
	Get(ctx context.Context, actor AgentID) (set PermissionSet, ok bool, err error)

	// Stamp returns the current invalidation stamp for actor
	Stamp(ctx context.Context, actor AgentID) (Stamp, error)

	// Set stores the set for actor unless actor was invalidated, or the cache
	// purged, since stamp was taken. stored reports whether it was written.
	Set(ctx context.Context, actor AgentID, set PermissionSet, stamp Stamp) (stored bool, err error)

	// Invalidate drops the entry for one actor
	Invalidate(ctx context.Context, actor AgentID) error

	// Purge drops every entry
	Purge(ctx context.Context) error

	// Type names the backend for metrics labels
	Type() string
}

// Stamp identifies the invalidation state an entry was computed under.
// Epoch moves on every purge, Version on every invalidation of one actor.
type Stamp struct {
	Epoch   uint64
	Version uint64
}

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// LRUCache is an in-process Cache with size and TTL bounds. Invalidations
// only reach the process that made them; deployments with several processes
// sharing one database use RedisCache.
type LRUCache struct {
	cache *lru.LRU[AgentID, []AgentID]

	// mu orders conditional writes against invalidations
	mu       sync.Mutex
	epoch    uint64
	versions map[AgentID]uint64
}

// NewLRUCache creates an in-process cache. Non-positive arguments use defaults.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &LRUCache{
		cache:    lru.NewLRU[AgentID, []AgentID](size, nil, ttl),
		versions: make(map[AgentID]uint64),
	}
}

// Get returns a copy of the cached set
func (c *LRUCache) Get(ctx context.Context, actor AgentID) (PermissionSet, bool, error) {
	ids, ok := c.cache.Get(actor)
	if !ok {
		return nil, false, nil
	}
	return NewPermissionSet(ids...), true, nil
}

// Stamp implements Cache
func (c *LRUCache) Stamp(ctx context.Context, actor AgentID) (Stamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stamp{Epoch: c.epoch, Version: c.versions[actor]}, nil
}

// Set stores the set's ids while stamp is current
func (c *LRUCache) Set(ctx context.Context, actor AgentID, set PermissionSet, stamp Stamp) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stamp != (Stamp{Epoch: c.epoch, Version: c.versions[actor]}) {
		return false, nil
	}
	c.cache.Add(actor, set.IDs())
	return true, nil
}

// Invalidate removes one actor
func (c *LRUCache) Invalidate(ctx context.Context, actor AgentID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[actor]++
	c.cache.Remove(actor)
	return nil
}

// Purge removes all entries. Per-actor versions restart since every older
// stamp already carries an older epoch.
func (c *LRUCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.versions = make(map[AgentID]uint64)
	c.cache.Purge()
	return nil
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Type implements Cache
func (c *LRUCache) Type() string {
	return "memory"
}

// DefaultRedisKeyPrefix namespaces visible-set keys
const DefaultRedisKeyPrefix = "unis:visible:"

// RedisCache is a Cache shared between processes through Redis
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. An empty prefix uses DefaultRedisKeyPrefix.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis parses url, selects db when non-negative and pings the server
func DialRedis(ctx context.Context, url string, db int) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if db >= 0 {
		opts.DB = db
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (c *RedisCache) key(actor AgentID) string {
	return c.prefix + string(actor)
}

// stamp keys live outside the data keys so Purge leaves them in place
func (c *RedisCache) epochKey() string {
	return c.prefix + redisStampInfix + "epoch"
}

func (c *RedisCache) versionKey(actor AgentID) string {
	return c.prefix + redisStampInfix + "version:" + string(actor)
}

const redisStampInfix = "~stamp:"

// mgetter is satisfied by both *redis.Client and *redis.Tx
type mgetter interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
}

func (c *RedisCache) readStamp(ctx context.Context, r mgetter, actor AgentID) (Stamp, error) {
	values, err := r.MGet(ctx, c.epochKey(), c.versionKey(actor)).Result()
	if err != nil {
		return Stamp{}, fmt.Errorf("failed to read cache stamp: %w", err)
	}
	var counters [2]uint64
	for i, v := range values {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return Stamp{}, fmt.Errorf("unexpected cache stamp value %v", v)
		}
		n, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return Stamp{}, fmt.Errorf("invalid cache stamp %q: %w", str, err)
		}
		counters[i] = n
	}
	return Stamp{Epoch: counters[0], Version: counters[1]}, nil
}

// Get reads and decodes the cached set
func (c *RedisCache) Get(ctx context.Context, actor AgentID) (PermissionSet, bool, error) {
	data, err := c.client.Get(ctx, c.key(actor)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get visible set: %w", err)
	}

	var ids []AgentID
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal visible set: %w", err)
	}
	return NewPermissionSet(ids...), true, nil
}

// Stamp reads the shared epoch and the actor's version
func (c *RedisCache) Stamp(ctx context.Context, actor AgentID) (Stamp, error) {
	return c.readStamp(ctx, c.client, actor)
}

// Set encodes the sorted ids with the configured TTL. The stamp keys are
// watched, so an invalidation from any process between the check and the
// write aborts the write.
func (c *RedisCache) Set(ctx context.Context, actor AgentID, set PermissionSet, stamp Stamp) (bool, error) {
	data, err := json.Marshal(set.IDs())
	if err != nil {
		return false, fmt.Errorf("failed to marshal visible set: %w", err)
	}

	stored := false
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.readStamp(ctx, tx, actor)
		if err != nil {
			return err
		}
		if current != stamp {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(actor), data, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, c.epochKey(), c.versionKey(actor))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set visible set: %w", err)
	}
	return stored, nil
}

// Invalidate bumps the actor's version and deletes its key in one transaction
func (c *RedisCache) Invalidate(ctx context.Context, actor AgentID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.versionKey(actor))
		pipe.Del(ctx, c.key(actor))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate visible set: %w", err)
	}
	return nil
}

// Purge bumps the epoch, then deletes every data key under the prefix
func (c *RedisCache) Purge(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.epochKey()).Err(); err != nil {
		return fmt.Errorf("failed to bump cache epoch: %w", err)
	}

	stampPrefix := c.prefix + redisStampInfix
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), stampPrefix) {
			continue
		}
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed for prefix %s: %w", c.prefix, err)
	}
	return nil
}

// Type implements Cache
func (c *RedisCache) Type() string {
	return "redis"
}
