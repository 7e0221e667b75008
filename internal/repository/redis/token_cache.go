package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/util"
)

// ErrCacheMiss is returned when the token hash has no cached entry.
var ErrCacheMiss = errors.New("token cache miss")

// CachedSessionRef is the value stored per token hash: just enough to reach
// the session row without the lookup-table round trip.
type CachedSessionRef struct {
	UserBucket int    `json:"user_bucket"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status"`
}

// TokenCache is a short-TTL read-through cache in front of the session
// token lookup. ScyllaDB stays authoritative; entries are invalidated on
// every status transition so a terminated session is never validated from
// a stale cache entry longer than the invalidation round trip.
type TokenCache struct {
	redis *client.RedisClient
	ttl   time.Duration
}

func NewTokenCache(redisClient *client.RedisClient, cfg *config.Config, logger *zap.Logger) *TokenCache {
	return &TokenCache{
		redis: redisClient,
		ttl:   cfg.Session.TokenCacheTTL,
	}
}

func (c *TokenCache) key(tokenHash string) string {
	return fmt.Sprintf("session:token:%s", tokenHash)
}

func (c *TokenCache) Get(ctx context.Context, tokenHash string) (*CachedSessionRef, error) {
	raw, err := c.redis.Get(ctx, c.key(tokenHash))
	if err != nil {
		if err == client.ErrCacheMiss {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("token cache get failed: %w", err)
	}

	ref := &CachedSessionRef{}
	if err := json.Unmarshal([]byte(raw), ref); err != nil {
		// A corrupt entry is treated as a miss and overwritten on the
		// next Set.
		util.Warn("Corrupt token cache entry dropped", zap.Error(err))
		_ = c.redis.Del(ctx, c.key(tokenHash))
		return nil, ErrCacheMiss
	}

	return ref, nil
}

func (c *TokenCache) Set(ctx context.Context, tokenHash string, ref *CachedSessionRef) error {
	raw, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("token cache marshal failed: %w", err)
	}

	if err := c.redis.Set(ctx, c.key(tokenHash), raw, c.ttl); err != nil {
		return fmt.Errorf("token cache set failed: %w", err)
	}
	return nil
}

// Invalidate drops the cache entry for a token hash. Called on every
// terminate, expire, sign-out and suspicious transition.
func (c *TokenCache) Invalidate(ctx context.Context, tokenHash string) error {
	if err := c.redis.Del(ctx, c.key(tokenHash)); err != nil {
		return fmt.Errorf("token cache invalidate failed: %w", err)
	}
	return nil
}
