package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-core/internal/store"

	"github.com/go-redis/redis/v8"
)

const keyPrefix = "checkout:"

// Client is a store.KV backed by Redis. Expiring entries use native TTLs.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a new Redis client and verifies connectivity. namespace
// separates the state of different users sharing one Redis.
func NewClient(addr, password string, db int, namespace string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb, namespace), nil
}

// NewFromRedis wraps an existing connection.
func NewFromRedis(rdb *redis.Client, namespace string) *Client {
	return &Client{rdb: rdb, namespace: namespace}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(k string) string {
	if c.namespace == "" {
		return keyPrefix + k
	}
	return keyPrefix + c.namespace + ":" + k
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// Put overwrites the value. ttl of zero keeps the key until deleted.
func (c *Client) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}

var _ store.KV = (*Client)(nil)
