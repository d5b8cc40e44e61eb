package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"learnloop/pkg/domain"
)

const (
	defaultHistoryCachePrefix = "learnloop:history"
	defaultHistoryCacheTTL    = 10 * time.Minute
)

// setIfGeneration stores the snapshot only when no append happened since the
// generation was read, so a slow reader cannot cache a stale history.
var setIfGeneration = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if not current then
  current = "0"
end
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// CachedHistory is a read-through Redis cache in front of a MessageStore.
// The backing store stays the source of truth: every append drops the cached
// copy, and any Redis failure falls through to the backing store.
type CachedHistory struct {
	next   MessageStore
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCachedHistory wraps next with a Redis cache.
func NewCachedHistory(next MessageStore, client *redis.Client, prefix string, ttl time.Duration) *CachedHistory {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultHistoryCachePrefix
	}
	if ttl <= 0 {
		ttl = defaultHistoryCacheTTL
	}
	return &CachedHistory{next: next, client: client, prefix: prefix, ttl: ttl}
}

// AppendMessage writes through and invalidates the session's cached history.
func (c *CachedHistory) AppendMessage(ctx context.Context, msg domain.Message) error {
	if err := c.next.AppendMessage(ctx, msg); err != nil {
		return err
	}
	c.invalidate(ctx, msg.SessionID)
	return nil
}

// AppendExchange writes both turns through and invalidates once.
func (c *CachedHistory) AppendExchange(ctx context.Context, user, assistant domain.Message) error {
	if err := c.next.AppendExchange(ctx, user, assistant); err != nil {
		return err
	}
	c.invalidate(ctx, user.SessionID)
	return nil
}

func (c *CachedHistory) invalidate(ctx context.Context, sessionID string) {
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, c.genKey(sessionID))
	pipe.Expire(ctx, c.genKey(sessionID), c.ttl)
	pipe.Del(ctx, c.dataKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("history cache invalidate failed", "session_id", sessionID, "err", err)
	}
}

// ListMessages serves from cache when possible.
func (c *CachedHistory) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	dataKey := c.dataKey(sessionID)
	raw, err := c.client.Get(ctx, dataKey).Bytes()
	if err == nil {
		var msgs []domain.Message
		if jsonErr := json.Unmarshal(raw, &msgs); jsonErr == nil {
			return msgs, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("history cache read failed", "session_id", sessionID, "err", err)
		return c.next.ListMessages(ctx, sessionID)
	}

	gen, err := c.client.Get(ctx, c.genKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		gen, err = "0", nil
	}
	msgs, listErr := c.next.ListMessages(ctx, sessionID)
	if listErr != nil {
		return nil, listErr
	}
	if err != nil {
		return msgs, nil
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return msgs, nil
	}
	keys := []string{dataKey, c.genKey(sessionID)}
	if err := setIfGeneration.Run(ctx, c.client, keys, gen, payload, c.ttl.Milliseconds()).Err(); err != nil {
		slog.Warn("history cache write failed", "session_id", sessionID, "err", err)
	}
	return msgs, nil
}

func (c *CachedHistory) dataKey(sessionID string) string {
	return c.prefix + ":" + sessionID
}

func (c *CachedHistory) genKey(sessionID string) string {
	return c.prefix + ":gen:" + sessionID
}
