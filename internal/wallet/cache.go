package wallet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/starlit-live/walletcore/internal/logging"
)

// DefaultCacheTTL bounds how stale an advisory balance read can be.
const DefaultCacheTTL = 30 * time.Second

// Cache is an advisory Redis cache of wallet balances. It is never
// authoritative: every balance write invalidates the key, and a miss or a
// Redis failure falls through to the store. Correctness never depends on it.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCache creates a balance cache over a Redis client.
func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb, ttl: DefaultCacheTTL}
}

func cacheKey(userID string) string {
	return "wallet:balance:" + userID
}

// Get returns a cached wallet, or ok=false on miss or error.
func (c *Cache) Get(ctx context.Context, userID string) (*Wallet, bool) {
	data, err := c.rdb.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		return nil, false
	}
	var w Wallet
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false
	}
	cacheHits.Inc()
	return &w, true
}

// Set stores a wallet snapshot with a short TTL. Best effort.
func (c *Cache) Set(ctx context.Context, w *Wallet) {
	data, err := json.Marshal(w)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(w.UserID), data, c.ttl).Err(); err != nil {
		logging.L(ctx).Debug("balance cache set failed", "user_id", w.UserID, "error", err)
	}
}

// Invalidate drops the cached balance after any balance or hold write.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	if err := c.rdb.Del(ctx, cacheKey(userID)).Err(); err != nil {
		logging.L(ctx).Debug("balance cache invalidate failed", "user_id", userID, "error", err)
	}
}
