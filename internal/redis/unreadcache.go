package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unreadTTL caps how stale a cached unread count can get even if an
// invalidation is lost. Clients poll unread-count as their reconciliation
// fallback, so the window is kept short.
const unreadTTL = 30 * time.Second

// UnreadCache caches per-user unread notification counts. Every store
// mutation invalidates the owner's entry; a miss falls through to Postgres.
// The cache is optional - a nil *UnreadCache disables caching entirely.
type UnreadCache struct {
	client *Client
	logger *zap.Logger
}

// NewUnreadCache creates a new unread-count cache.
func NewUnreadCache(client *Client, logger *zap.Logger) *UnreadCache {
	return &UnreadCache{
		client: client,
		logger: logger,
	}
}

func (c *UnreadCache) buildKey(userID uuid.UUID) string {
	return fmt.Sprintf("unread:%s", userID)
}

// Get returns the cached count and whether it was present.
func (c *UnreadCache) Get(ctx context.Context, userID uuid.UUID) (int, bool, error) {
	val, err := c.client.rdb.Get(ctx, c.buildKey(userID)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get failed: %w", err)
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		c.logger.Warn("corrupt unread cache entry, discarding",
			zap.String("user_id", userID.String()),
			zap.String("value", val),
		)
		return 0, false, nil
	}

	return count, true, nil
}

// Set stores the count for the user with the standard TTL.
func (c *UnreadCache) Set(ctx context.Context, userID uuid.UUID, count int) error {
	if err := c.client.rdb.Set(ctx, c.buildKey(userID), count, unreadTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Invalidate drops the user's cached count. Called on every mutation of the
// user's notification log (create, mark-read, mark-all-read, clear-all).
func (c *UnreadCache) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if err := c.client.rdb.Del(ctx, c.buildKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
