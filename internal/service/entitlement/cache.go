package entitlement

import (
	"context"
	"time"

	"avatarchat/internal/models"
	"avatarchat/internal/redis"
)

const (
	cacheKeyPrefix  = "avatarchat:entitlement:"
	DefaultCacheTTL = 30 * time.Second
)

// RedisCache caches entitlement rows in redis. Store writes through on every
// grant; Fill uses SET NX so a reader never replaces a fresher row.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache returns a cache backed by client.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(userID string) string {
	return cacheKeyPrefix + userID
}

func (c *RedisCache) Load(ctx context.Context, userID string) (*models.Entitlement, bool, error) {
	var ent models.Entitlement
	ok, err := c.client.GetJSON(ctx, cacheKey(userID), &ent)
	if err != nil || !ok {
		return nil, false, err
	}
	return &ent, true, nil
}

func (c *RedisCache) Fill(ctx context.Context, ent *models.Entitlement) error {
	_, err := c.client.SetJSONNX(ctx, cacheKey(ent.UserID), ent, c.ttl)
	return err
}

func (c *RedisCache) Store(ctx context.Context, ent *models.Entitlement) error {
	return c.client.SetJSON(ctx, cacheKey(ent.UserID), ent, c.ttl)
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, cacheKey(userID))
}
