package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kart-io/logger"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/internal/ragserve/metrics"
	"github.com/candor-ai/ragserve/internal/ragserve/store"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
	"github.com/candor-ai/ragserve/pkg/llm"
	"github.com/candor-ai/ragserve/pkg/llm/resilience"
)

// RetrieverConfig controls the retrieval stage.
type RetrieverConfig struct {
	// EmbedTimeout bounds one embedding call.
	EmbedTimeout time.Duration
	// SearchTimeout bounds one vector search.
	SearchTimeout time.Duration
	// Retry controls backoff for transient failures. Retries stay
	// inside this stage; the caller sees only the final outcome.
	Retry *resilience.RetryConfig
}

// DefaultRetrieverConfig returns the default retrieval configuration.
func DefaultRetrieverConfig() *RetrieverConfig {
	retry := resilience.DefaultRetryConfig()
	retry.RetryableErrors = retrievalRetryable
	return &RetrieverConfig{
		EmbedTimeout:  10 * time.Second,
		SearchTimeout: 10 * time.Second,
		Retry:         retry,
	}
}

func retrievalRetryable(err error) bool {
	return llm.IsTransient(err) || errors.Is(err, store.ErrUnavailable)
}

// Retriever embeds a query and searches the tenant's collections.
type Retriever struct {
	store    store.VectorStore
	embedder llm.EmbeddingProvider
	config   *RetrieverConfig
	metrics  *metrics.EngineMetrics
}

// NewRetriever creates a retriever.
func NewRetriever(vectorStore store.VectorStore, embedder llm.EmbeddingProvider, config *RetrieverConfig) *Retriever {
	if config == nil {
		config = DefaultRetrieverConfig()
	}
	if config.Retry == nil {
		config.Retry = DefaultRetrieverConfig().Retry
	}
	return &Retriever{
		store:    vectorStore,
		embedder: embedder,
		config:   config,
		metrics:  metrics.Get(),
	}
}

// Retrieve returns the passages of the tenant's collections that
// score at or above the profile threshold, ranked from 1. An empty
// result means the query has no grounding; it is not an error.
func (r *Retriever) Retrieve(ctx context.Context, profile *tenant.Profile, query string) ([]model.RetrievedPassage, error) {
	start := time.Now()

	embedding, err := r.embedQuery(ctx, query)
	if err != nil {
		r.metrics.RecordRetrieval(time.Since(start), err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := r.search(ctx, profile, embedding)
	if err != nil {
		r.metrics.RecordRetrieval(time.Since(start), err)
		return nil, fmt.Errorf("search collections %v: %w", profile.Collections, err)
	}

	passages := make([]model.RetrievedPassage, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < profile.ScoreThreshold {
			continue
		}
		passages = append(passages, model.RetrievedPassage{
			ID:         hit.ID,
			Collection: hit.Collection,
			Text:       hit.Text,
			Metadata:   hit.Metadata,
			Score:      hit.Score,
			Rank:       len(passages) + 1,
		})
	}

	r.metrics.RecordRetrieval(time.Since(start), nil)
	logger.Debugw("retrieval complete",
		"tenant", profile.ID,
		"collections", profile.Collections,
		"hits", len(hits),
		"above_threshold", len(passages),
	)

	return passages, nil
}

func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	var embedding []float32
	err := resilience.RetryWithBackoff(ctx, r.config.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.config.EmbedTimeout)
		defer cancel()

		var embedErr error
		embedding, embedErr = r.embedder.EmbedSingle(callCtx, query)
		return embedErr
	})
	return embedding, err
}

func (r *Retriever) search(ctx context.Context, profile *tenant.Profile, embedding []float32) ([]*store.SearchResult, error) {
	var hits []*store.SearchResult
	err := resilience.RetryWithBackoff(ctx, r.config.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.config.SearchTimeout)
		defer cancel()

		var searchErr error
		hits, searchErr = r.store.Search(callCtx, &store.Query{
			Collections: profile.Collections,
			Embedding:   embedding,
			TopK:        profile.TopK,
		})
		return searchErr
	})
	return hits, err
}
