// Package feedcache keeps ranked-feed snapshots in Redis.
package feedcache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"civicflow/internal/config"
)

// KeyPrefix namespaces every key written by this package.
const KeyPrefix = "civicflow:"

var errNotInitialized = errors.New("redis client not initialized")

type Client struct {
	redis *redis.Client
}

func New(cfg config.RedisConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{redis: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, Key(key), b, ttl).Err()
}

func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if c == nil || c.redis == nil {
		return false, errNotInitialized
	}
	raw, err := c.redis.Get(ctx, Key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// DeletePrefix removes every key under prefix. It walks the keyspace with
// SCAN so large caches do not block the server.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	if c == nil || c.redis == nil {
		return errNotInitialized
	}
	iter := c.redis.Scan(ctx, 0, Pattern(prefix), 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.redis.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.redis.Del(ctx, batch...).Err()
	}
	return nil
}

// Key returns the namespaced redis key.
func Key(key string) string {
	return KeyPrefix + key
}

// Pattern returns a SCAN MATCH pattern for a key prefix, escaping glob
// metacharacters in the prefix itself.
func Pattern(prefix string) string {
	out := make([]byte, 0, len(KeyPrefix)+len(prefix)+1)
	for _, b := range []byte(KeyPrefix + prefix) {
		switch b {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, b)
	}
	return string(append(out, '*'))
}
