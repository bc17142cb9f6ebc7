package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix is the key prefix used when none is given.
const DefaultRedisPrefix = "offline-worker"

// putEntriesScript writes field/value pairs into the store hash only while
// the store is listed in the stores set. It returns 0 when it is not.
var putEntriesScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], unpack(ARGV, 2))
return 1
`)

// RedisStorage implements Storage on Redis.
//
// Store names live in the set "<prefix>:stores"; each store is the hash
// "<prefix>:store:<name>" mapping "METHOD URL" to a msgpack-encoded entry.
// Writes run as one script that checks store membership first, so they are
// atomic and never recreate a deleted store. Delete runs in MULTI/EXEC.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStorage wraps an existing client.
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

// OpenRedisStorage connects to the Redis server at redisURL.
func OpenRedisStorage(ctx context.Context, redisURL, prefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStorage(client, prefix), nil
}

// Close closes the underlying client.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) storesKey() string {
	return s.prefix + ":stores"
}

func (s *RedisStorage) storeKey(name string) string {
	return s.prefix + ":store:" + name
}

// Open adds name to the stores set and returns its handle.
func (s *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	if err := s.client.SAdd(ctx, s.storesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to create store %s: %w", name, err)
	}
	return &redisCache{client: s.client, name: name, key: s.storeKey(name), stores: s.storesKey()}, nil
}

// Has reports whether name is in the stores set.
func (s *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.storesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up store %s: %w", name, err)
	}
	return ok, nil
}

// Keys returns the store names, sorted.
func (s *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.storesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Delete drops the store hash and its stores set member together.
func (s *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.storeKey(name))
		removed = pipe.SRem(ctx, s.storesKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete store %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

type redisCache struct {
	client redis.UniversalClient
	name   string
	key    string
	stores string
}

// Name returns the store name.
func (c *redisCache) Name() string { return c.name }

// Match returns the entry stored under key, or nil.
func (c *redisCache) Match(ctx context.Context, key Key) (*Entry, error) {
	data, err := c.client.HGet(ctx, c.key, key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s: %w", key, err)
	}
	return decodeEntry(data)
}

// Put stores entry, replacing any previous entry for its key.
func (c *redisCache) Put(ctx context.Context, entry *Entry) error {
	return c.PutAll(ctx, []*Entry{entry})
}

// PutAll stores entries in one atomic script run.
func (c *redisCache) PutAll(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	args := make([]any, 0, 1+2*len(entries))
	args = append(args, c.name)
	for _, e := range entries {
		data, err := encodeEntry(e)
		if err != nil {
			return err
		}
		args = append(args, e.Key.String(), data)
	}
	ok, err := putEntriesScript.Run(ctx, c.client, []string{c.stores, c.key}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to put %d entries: %w", len(entries), err)
	}
	if ok == 0 {
		return ErrStoreDeleted
	}
	return nil
}

// Delete removes the entry stored under key.
func (c *redisCache) Delete(ctx context.Context, key Key) (bool, error) {
	n, err := c.client.HDel(ctx, c.key, key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete entry %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys returns the keys of the store, sorted.
func (c *redisCache) Keys(ctx context.Context) ([]Key, error) {
	fields, err := c.client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", c.name, err)
	}
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		k, err := parseKey(f)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}
