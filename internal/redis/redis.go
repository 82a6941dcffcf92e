package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"avatarchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// Client is the shared redis connection used by the entitlement cache and
// the rate limiter.
type Client struct {
	inner *redis.Client
	addr  string
}

// NewRedisClient connects to the redis section of cfg and pings it.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	rc := cfg.Redis
	if rc.Host == "" {
		rc.Host = "127.0.0.1"
	}
	if rc.Port == 0 {
		rc.Port = 6379
	}
	addr := net.JoinHostPort(rc.Host, strconv.Itoa(rc.Port))

	inner := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &Client{inner: inner, addr: addr}, nil
}

// Addr is the host:port the client talks to.
func (c *Client) Addr() string {
	if c == nil {
		return ""
	}
	return c.addr
}

// SetJSON stores v encoded as JSON with a TTL.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.inner.Set(ctx, key, data, ttl).Err()
}

// SetJSONNX stores v only when key is absent. It reports whether the value
// was written.
func (c *Client) SetJSONNX(ctx context.Context, key string, v any, ttl time.Duration) (bool, error) {
	if c == nil || c.inner == nil {
		return false, errNotInitialized
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	return c.inner.SetNX(ctx, key, data, ttl).Result()
}

// GetJSON decodes the value at key into v. It reports false on a miss.
func (c *Client) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	if c == nil || c.inner == nil {
		return false, errNotInitialized
	}
	data, err := c.inner.Get(ctx, key).Bytes()
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// RunScript evaluates a Lua script that returns an integer.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (int64, error) {
	if c == nil || c.inner == nil {
		return 0, errNotInitialized
	}
	return script.Run(ctx, c.inner, keys, args...).Int64()
}

// Close closes client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
