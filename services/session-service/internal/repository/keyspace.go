package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound is returned by Keyspace.Get when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

// Keyspace defines a key/value store with per-entry expiration and list values.
// Operations are atomic per key only.
type Keyspace interface {
	// Get returns the value stored at key or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A zero ttl keeps the entry until it is deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes key. Removing an absent key is not an error.
	Del(ctx context.Context, key string) error

	// ListAppend appends value to the list stored at key.
	ListAppend(ctx context.Context, key, value string) error

	// ListRemove removes every occurrence of value from the list stored at key.
	ListRemove(ctx context.Context, key, value string) error

	// ListRange returns the whole list stored at key.
	ListRange(ctx context.Context, key string) ([]string, error)
}

type redisKeyspace struct {
	client *redis.Client
}

// NewRedisKeyspace creates a Keyspace backed by a single Redis logical database.
func NewRedisKeyspace(client *redis.Client) Keyspace {
	return &redisKeyspace{client: client}
}

func (k *redisKeyspace) Get(ctx context.Context, key string) (string, error) {
	value, err := k.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrKeyNotFound
		}
		return "", err
	}

	return value, nil
}

func (k *redisKeyspace) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return k.client.Set(ctx, key, value, ttl).Err()
}

func (k *redisKeyspace) Del(ctx context.Context, key string) error {
	return k.client.Del(ctx, key).Err()
}

func (k *redisKeyspace) ListAppend(ctx context.Context, key, value string) error {
	return k.client.RPush(ctx, key, value).Err()
}

func (k *redisKeyspace) ListRemove(ctx context.Context, key, value string) error {
	return k.client.LRem(ctx, key, 0, value).Err()
}

func (k *redisKeyspace) ListRange(ctx context.Context, key string) ([]string, error) {
	return k.client.LRange(ctx, key, 0, -1).Result()
}
