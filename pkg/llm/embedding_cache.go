package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"
)

// EmbeddingCacheConfig controls the embedding cache wrapper.
type EmbeddingCacheConfig struct {
	// Enabled toggles caching. When false, calls pass straight through.
	Enabled bool
	// TTL is how long a cached embedding lives.
	TTL time.Duration
	// KeyPrefix namespaces cache keys in Redis.
	KeyPrefix string
}

// DefaultEmbeddingCacheConfig returns the default cache configuration.
// Embeddings are stable for a given provider, so the TTL is generous.
func DefaultEmbeddingCacheConfig() *EmbeddingCacheConfig {
	return &EmbeddingCacheConfig{
		Enabled:   true,
		TTL:       24 * time.Hour,
		KeyPrefix: "emb:",
	}
}

// CachedEmbeddingProvider wraps an EmbeddingProvider with a Redis
// cache keyed by the SHA-256 of the input text. Cache failures never
// fail the call; they fall back to the underlying provider.
type CachedEmbeddingProvider struct {
	provider EmbeddingProvider
	redis    *goredis.Client
	config   *EmbeddingCacheConfig
}

// NewCachedEmbeddingProvider creates a caching wrapper around provider.
func NewCachedEmbeddingProvider(
	provider EmbeddingProvider,
	redis *goredis.Client,
	config *EmbeddingCacheConfig,
) *CachedEmbeddingProvider {
	if config == nil {
		config = DefaultEmbeddingCacheConfig()
	}
	return &CachedEmbeddingProvider{
		provider: provider,
		redis:    redis,
		config:   config,
	}
}

// Name returns the underlying provider name.
func (c *CachedEmbeddingProvider) Name() string {
	return c.provider.Name()
}

// Dimension returns the underlying provider dimension.
func (c *CachedEmbeddingProvider) Dimension() int {
	return c.provider.Dimension()
}

// cacheKey includes the provider name so two providers with different
// vector spaces never share entries.
func (c *CachedEmbeddingProvider) cacheKey(text string) string {
	hash := sha256.Sum256([]byte(c.provider.Name() + "\x00" + text))
	return c.config.KeyPrefix + hex.EncodeToString(hash[:])
}

// EmbedSingle generates an embedding for a single text, consulting the
// cache first.
func (c *CachedEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if !c.config.Enabled || c.redis == nil {
		return c.provider.EmbedSingle(ctx, text)
	}

	key := c.cacheKey(text)

	data, err := c.redis.Get(ctx, key).Bytes()
	if err == nil {
		var embedding []float32
		if err := json.Unmarshal(data, &embedding); err == nil {
			logger.Debugw("embedding cache hit", "key", key)
			return embedding, nil
		}
		logger.Warnw("failed to unmarshal cached embedding, deleting", "error", err.Error(), "key", key)
		_ = c.redis.Del(ctx, key).Err()
	} else if err != goredis.Nil {
		logger.Warnw("redis get error, falling back to provider", "error", err.Error())
	}

	embedding, err := c.provider.EmbedSingle(ctx, text)
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, embedding)
	return embedding, nil
}

// Embed generates embeddings for multiple texts. Cached entries are
// served from Redis; only the misses reach the underlying provider.
func (c *CachedEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.config.Enabled || c.redis == nil {
		return c.provider.Embed(ctx, texts)
	}
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	embeddings := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		data, err := c.redis.Get(ctx, c.cacheKey(text)).Bytes()
		if err == nil {
			var embedding []float32
			if err := json.Unmarshal(data, &embedding); err == nil {
				embeddings[i] = embedding
				continue
			}
			_ = c.redis.Del(ctx, c.cacheKey(text)).Err()
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return embeddings, nil
	}

	fresh, err := c.provider.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, i := range missIdx {
		embeddings[i] = fresh[j]
		c.store(ctx, c.cacheKey(texts[i]), fresh[j])
	}

	return embeddings, nil
}

func (c *CachedEmbeddingProvider) store(ctx context.Context, key string, embedding []float32) {
	data, err := json.Marshal(embedding)
	if err != nil {
		logger.Warnw("failed to marshal embedding for caching", "error", err.Error())
		return
	}
	if err := c.redis.Set(ctx, key, data, c.config.TTL).Err(); err != nil {
		logger.Warnw("failed to cache embedding", "error", err.Error(), "key", key)
	}
}

var _ EmbeddingProvider = (*CachedEmbeddingProvider)(nil)
