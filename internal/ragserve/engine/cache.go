package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/candor-ai/ragserve/internal/model"
)

// AnswerCacheConfig controls the answer cache.
type AnswerCacheConfig struct {
	// Enabled toggles caching.
	Enabled bool
	// TTL is how long a cached answer lives.
	TTL time.Duration
	// KeyPrefix namespaces cache keys in Redis.
	KeyPrefix string
}

// DefaultAnswerCacheConfig returns the default cache configuration.
func DefaultAnswerCacheConfig() *AnswerCacheConfig {
	return &AnswerCacheConfig{
		Enabled:   true,
		TTL:       1 * time.Hour,
		KeyPrefix: "ans:",
	}
}

// AnswerCache caches successful answers in Redis, keyed by tenant,
// query, and conversation history. Only ok answers are cached; failure
// and no-grounding outcomes are recomputed so a recovered backend or a
// freshly ingested document takes effect immediately.
type AnswerCache struct {
	redis  *goredis.Client
	config *AnswerCacheConfig
}

// NewAnswerCache creates an answer cache.
func NewAnswerCache(redis *goredis.Client, config *AnswerCacheConfig) *AnswerCache {
	if config == nil {
		config = DefaultAnswerCacheConfig()
	}
	return &AnswerCache{redis: redis, config: config}
}

// cacheKey hashes tenant, query, and history together: the same
// question with different history is a different cache entry.
func (c *AnswerCache) cacheKey(tenantID, query string, history []model.ChatMessage) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(query))
	for _, msg := range history {
		h.Write([]byte{0})
		h.Write([]byte(msg.Role))
		h.Write([]byte{0})
		h.Write([]byte(msg.Content))
	}
	return c.config.KeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached answer or nil on a miss. Cache errors are
// logged and treated as misses.
func (c *AnswerCache) Get(ctx context.Context, tenantID, query string, history []model.ChatMessage) (*model.Answer, error) {
	if !c.config.Enabled || c.redis == nil {
		return nil, nil
	}

	key := c.cacheKey(tenantID, query, history)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			logger.Warnw("answer cache get failed", "error", err.Error(), "key", key)
		}
		return nil, nil
	}

	var answer model.Answer
	if err := json.Unmarshal(data, &answer); err != nil {
		logger.Warnw("failed to unmarshal cached answer, deleting", "error", err.Error(), "key", key)
		_ = c.redis.Del(ctx, key).Err()
		return nil, nil
	}

	return &answer, nil
}

// Set caches an answer if it is an ok outcome.
func (c *AnswerCache) Set(ctx context.Context, tenantID, query string, history []model.ChatMessage, answer *model.Answer) {
	if !c.config.Enabled || c.redis == nil || answer == nil || answer.Status != model.StatusOK {
		return
	}

	data, err := json.Marshal(answer)
	if err != nil {
		logger.Warnw("failed to marshal answer for caching", "error", err.Error())
		return
	}

	key := c.cacheKey(tenantID, query, history)
	if err := c.redis.Set(ctx, key, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("answer cache set failed", "error", err.Error(), "key", key)
	}
}
