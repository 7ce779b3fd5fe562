package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cvforge/cvforge/internal/domain"
)

// responseCache memoizes completions in Redis keyed by a digest of the
// fully resolved request. A nil cache (no Redis, TTL unset) is a no-op,
// and Redis failures degrade to cache misses.
type responseCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func newResponseCache(rdb *redis.Client, ttl time.Duration) *responseCache {
	if rdb == nil || ttl <= 0 {
		return nil
	}
	return &responseCache{rdb: rdb, ttl: ttl}
}

func cacheKey(digest string) string { return "ai:resp:" + digest }

func (c *responseCache) Get(ctx domain.Context, digest string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, err := c.rdb.Get(ctx, cacheKey(digest)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("ai response cache read failed", slog.Any("error", err))
		}
		return "", false
	}
	return v, true
}

func (c *responseCache) Set(ctx domain.Context, digest, value string) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(digest), value, c.ttl).Err(); err != nil {
		slog.Debug("ai response cache write failed", slog.Any("error", err))
	}
}

// requestDigest folds every completion-affecting field into one key.
func requestDigest(provider string, req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%t|%g|%d|%g|%d|%d|%g\n",
		provider, req.Task, req.Model, req.Host, req.JSONMode,
		req.Temperature, req.MaxTokens, req.TopP, req.TopK, req.NumCtx, req.RepeatPenalty)
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s\x00%s\x00", m.Role, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}
