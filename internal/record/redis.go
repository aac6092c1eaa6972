package record

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// keyspace prefixes every record key so a shared Redis instance can host
// other data alongside the rendezvous records.
const keyspace = "rdzv:"

// RedisStore backs the record store with Redis, using native key TTLs for
// passive expiry.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client (used by tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, rec Record) error {
	return s.client.Set(ctx, keyspace+rec.Name, rec.Content, rec.TTL).Err()
}

func (s *RedisStore) List(ctx context.Context, prefix string) ([]Record, error) {
	var out []Record

	iter := s.client.Scan(ctx, 0, keyspace+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		content, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Name: key[len(keyspace):], Content: content})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	return s.client.Del(ctx, keyspace+name).Err()
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
