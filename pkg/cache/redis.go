package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dominikletica/aaviondb/pkg/fault"
)

// RedisStore keeps entries as JSON strings in Redis and tracks tag
// membership in companion sets. The Store interface carries no context,
// so calls run against context.Background().
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects a store to the Redis at addr. The prefix
// namespaces keys so several engines can share one instance.
func NewRedisStore(addr string, db int, prefix string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if prefix == "" {
		prefix = "aaviondb"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + ":entry:" + key }
func (s *RedisStore) tagKey(tag string) string   { return s.prefix + ":tag:" + tag }

// Get fetches and decodes one entry. Redis handles expiry itself.
func (s *RedisStore) Get(key string, def any) (any, bool) {
	raw, err := s.client.Get(context.Background(), s.entryKey(key)).Result()
	if err != nil {
		return def, false
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		_ = s.client.Del(context.Background(), s.entryKey(key)).Err()
		return def, false
	}
	return value, true
}

// Put stores the JSON-encoded value with the given TTL and registers the
// key in each tag set.
func (s *RedisStore) Put(key string, value any, ttl time.Duration, tags ...string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fault.Internal("cache value for %q is not serializable", key).WithCause(err)
	}
	ctx := context.Background()
	if err := s.client.Set(ctx, s.entryKey(key), raw, ttl).Err(); err != nil {
		return fault.Storage("redis set").WithCause(err)
	}
	for _, tag := range tags {
		if err := s.client.SAdd(ctx, s.tagKey(tag), key).Err(); err != nil {
			return fault.Storage("redis tag update").WithCause(err)
		}
	}
	return nil
}

// Forget deletes one entry. Tag sets keep the stale member; Flush
// tolerates members whose entry is already gone.
func (s *RedisStore) Forget(key string) error {
	if err := s.client.Del(context.Background(), s.entryKey(key)).Err(); err != nil {
		return fault.Storage("redis del").WithCause(err)
	}
	return nil
}

// Flush deletes every key registered under the tags, or scans away the
// whole prefix when no tags are given.
func (s *RedisStore) Flush(tags ...string) error {
	ctx := context.Background()
	if len(tags) > 0 {
		for _, tag := range tags {
			members, err := s.client.SMembers(ctx, s.tagKey(tag)).Result()
			if err != nil {
				return fault.Storage("redis tag lookup").WithCause(err)
			}
			for _, member := range members {
				if err := s.client.Del(ctx, s.entryKey(member)).Err(); err != nil {
					return fault.Storage("redis del").WithCause(err)
				}
			}
			if err := s.client.Del(ctx, s.tagKey(tag)).Err(); err != nil {
				return fault.Storage("redis del").WithCause(err)
			}
		}
		return nil
	}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 256).Result()
		if err != nil {
			return fault.Storage("redis scan").WithCause(err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fault.Storage("redis del").WithCause(err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }
