package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults for Redis connection
func DefaultRedisConfig(url string) *RedisConfig {
	return &RedisConfig{
		URL:          url,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Client wraps redis.Client with additional functionality
type Client struct {
	*redis.Client
}

// NewClient creates a new Redis client
func NewClient(ctx context.Context, cfg *RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}

	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	// Apply pool settings
	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{Client: client}, nil
}

// Close closes the Redis client
func (c *Client) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

// Health checks if the Redis connection is healthy
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// Fingerprint cache operations: the L2 tier behind internal/taskcache's
// in-process LRU, so a compiled-task lookup survives a server restart.

// FingerprintKey builds the cache key for a task fingerprint.
func FingerprintKey(fingerprint string) string {
	return fmt.Sprintf("taskcache:fp:%s", fingerprint)
}

// SetFingerprint stores the serialized compiled-task record for a
// fingerprint with a TTL so stale entries for deleted tasks age out.
func (c *Client) SetFingerprint(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) error {
	return c.Set(ctx, FingerprintKey(fingerprint), value, ttl).Err()
}

// GetFingerprint retrieves a cached compiled-task record, returning
// (nil, nil) on a cache miss rather than an error.
func (c *Client) GetFingerprint(ctx context.Context, fingerprint string) ([]byte, error) {
	val, err := c.Get(ctx, FingerprintKey(fingerprint)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

// DeleteFingerprint evicts a cached record; taskcache.Invalidate calls
// it when its L2 tier is a *Client.
func (c *Client) DeleteFingerprint(ctx context.Context, fingerprint string) error {
	return c.Del(ctx, FingerprintKey(fingerprint)).Err()
}
