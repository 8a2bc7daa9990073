package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// cacheTTL is the Redis TTL for cached lookups. Staleness up to this TTL is
// acceptable: key revocation and plan changes are rare, and the cache is
// purely additive on top of Postgres.
const cacheTTL = 30 * time.Second

const (
	keyPrefix    = "cfx:store:key:"
	limitsPrefix = "cfx:store:limits:"
)

// CachedStore wraps a Store with a Redis read-through cache in front of
// FindActiveKey and GetUserLimits — the two hottest, least-volatile lookups.
// A cache miss or Redis error always falls through to the wrapped Store and
// never itself surfaces as ErrStoreUnavailable.
type CachedStore struct {
	Store
	rdb    *redis.Client
	logger *slog.Logger
}

// NewCachedStore wraps next with a Redis-backed read-through cache.
func NewCachedStore(next Store, rdb *redis.Client, logger *slog.Logger) *CachedStore {
	return &CachedStore{Store: next, rdb: rdb, logger: logger}
}

func (c *CachedStore) FindActiveKey(ctx context.Context, digest string) (APIKey, error) {
	key := keyPrefix + digest

	if val, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var cached APIKey
		if jerr := json.Unmarshal([]byte(val), &cached); jerr == nil {
			return cached, nil
		}
		c.logger.Warn("store cache: invalid cached api key, falling back", "key", key)
	} else if err != redis.Nil {
		c.logger.Warn("store cache: redis lookup failed, falling back to store", "error", err)
	}

	k, err := c.Store.FindActiveKey(ctx, digest)
	if err != nil {
		return APIKey{}, err
	}
	c.set(ctx, key, k)
	return k, nil
}

func (c *CachedStore) GetUserLimits(ctx context.Context, userID uuid.UUID) (UserLimits, error) {
	key := limitsPrefix + userID.String()

	if val, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var cached UserLimits
		if jerr := json.Unmarshal([]byte(val), &cached); jerr == nil {
			return cached, nil
		}
		c.logger.Warn("store cache: invalid cached user limits, falling back", "key", key)
	} else if err != redis.Nil {
		c.logger.Warn("store cache: redis lookup failed, falling back to store", "error", err)
	}

	u, err := c.Store.GetUserLimits(ctx, userID)
	if err != nil {
		return UserLimits{}, err
	}
	c.set(ctx, key, u)
	return u, nil
}

func (c *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("store cache: failed to marshal value", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, data, cacheTTL).Err(); err != nil {
		c.logger.Warn("store cache: failed to set cache entry", "key", key, "error", err)
	}
}
