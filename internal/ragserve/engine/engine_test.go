package engine

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/internal/ragserve/store"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
	"github.com/candor-ai/ragserve/pkg/llm"
	"github.com/candor-ai/ragserve/pkg/llm/dummy"
	"github.com/candor-ai/ragserve/pkg/llm/resilience"
)

// countingChat wraps a chat provider and counts generation calls.
type countingChat struct {
	llm.ChatProvider
	generateCalls int
}

func (c *countingChat) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	c.generateCalls++
	return c.ChatProvider.Generate(ctx, req)
}

func testProfiles() *tenant.Registry {
	r := tenant.NewRegistry()
	_ = r.Register(&tenant.Profile{
		ID:             "b2c",
		Name:           "Consumer",
		Collections:    []string{"b2c"},
		TopK:           5,
		ScoreThreshold: 0.2,
		SystemPrompt:   "Answer casually.",
		PromptBudget:   2000,
		HistoryBudget:  500,
	})
	_ = r.Register(&tenant.Profile{
		ID:             "b2b",
		Name:           "Business",
		Collections:    []string{"b2b"},
		TopK:           8,
		ScoreThreshold: 0.2,
		SystemPrompt:   "Answer formally.",
		PromptBudget:   2000,
		HistoryBudget:  500,
	})
	return r
}

func seedChunks(t *testing.T, s *store.MemoryStore, embedder llm.EmbeddingProvider, collection string, chunks map[string]string) {
	t.Helper()

	var stored []*store.Chunk
	for id, text := range chunks {
		embedding, err := embedder.EmbedSingle(context.Background(), text)
		require.NoError(t, err)
		stored = append(stored, &store.Chunk{ID: id, Text: text, Embedding: embedding})
	}
	require.NoError(t, s.Upsert(context.Background(), collection, stored))
}

func fastRetry() *resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = 1
	cfg.MaxDelay = 1
	cfg.RetryableErrors = llm.IsTransient
	return cfg
}

func newTestEngine(t *testing.T, chat llm.ChatProvider, cache *AnswerCache) (*Engine, *store.MemoryStore) {
	t.Helper()

	provider := dummy.NewProviderWithConfig(nil)
	memStore := store.NewMemoryStore()
	seedChunks(t, memStore, provider, "b2c", map[string]string{
		"c1": "Refunds are processed within 5 days.",
		"c2": "Shipping is free for orders over 50 euros.",
	})
	seedChunks(t, memStore, provider, "b2b", map[string]string{
		"d1": "Business invoices carry net 30 payment terms.",
	})

	if chat == nil {
		chat = provider
	}

	retrieverCfg := DefaultRetrieverConfig()
	retrieverCfg.Retry = fastRetry()
	retrieverCfg.Retry.RetryableErrors = retrievalRetryable

	engineCfg := DefaultConfig()
	engineCfg.Retry = fastRetry()

	retriever := NewRetriever(memStore, provider, retrieverCfg)
	return New(testProfiles(), retriever, chat, cache, engineCfg), memStore
}

func TestHandleQueryGrounded(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "How long do refunds take?",
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusOK, answer.Status)
	assert.Contains(t, answer.Text, "5 days")
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "c1", answer.Citations[0].ID)
	assert.Equal(t, "b2c", answer.Citations[0].Collection)
	assert.NotEmpty(t, answer.RequestID)
}

func TestHandleQueryNoGrounding(t *testing.T) {
	chat := &countingChat{ChatProvider: dummy.NewProviderWithConfig(nil)}
	e, _ := newTestEngine(t, chat, nil)

	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "What is the capital of France?",
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusNoGrounding, answer.Status)
	assert.Empty(t, answer.Citations)
	assert.NotEmpty(t, answer.Text)
	assert.Zero(t, chat.generateCalls, "generation must not run without grounding")
}

func TestHandleQueryTenantIsolation(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)

	// The b2c collection has nothing about invoices; the b2b chunk
	// must stay invisible even though it matches.
	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "What are the invoice payment terms?",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusNoGrounding, answer.Status)

	answer, err = e.HandleQuery(context.Background(), &Request{
		TenantID: "b2b",
		Query:    "What are the invoice payment terms?",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusOK, answer.Status)
	for _, citation := range answer.Citations {
		assert.Equal(t, "b2b", citation.Collection)
	}
}

func TestHandleQueryInvalidRequest(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	ctx := context.Background()

	answer, err := e.HandleQuery(ctx, &Request{TenantID: "b2c", Query: "   "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, model.StatusInvalidRequest, answer.Status)

	answer, err = e.HandleQuery(ctx, &Request{TenantID: "b2x", Query: "hello"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, model.StatusInvalidRequest, answer.Status)

	answer, err = e.HandleQuery(ctx, &Request{Query: "hello"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, model.StatusInvalidRequest, answer.Status)
}

func TestHandleQuerySpansProfileCollections(t *testing.T) {
	provider := dummy.NewProviderWithConfig(nil)
	memStore := store.NewMemoryStore()
	seedChunks(t, memStore, provider, "kb_own", map[string]string{
		"c1": "Refunds are processed within 5 days.",
	})
	seedChunks(t, memStore, provider, "kb_shared", map[string]string{
		"g1": "Warranty claims require the original receipt.",
	})

	tenants := tenant.NewRegistry()
	require.NoError(t, tenants.Register(&tenant.Profile{
		ID:             "b2c",
		Collections:    []string{"kb_own", "kb_shared"},
		TopK:           5,
		ScoreThreshold: 0.2,
		SystemPrompt:   "Answer casually.",
		PromptBudget:   2000,
		HistoryBudget:  500,
	}))

	retrieverCfg := DefaultRetrieverConfig()
	retrieverCfg.Retry = fastRetry()
	e := New(tenants, NewRetriever(memStore, provider, retrieverCfg), provider, nil, nil)

	// Grounding found in the shared secondary collection.
	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "What do warranty claims require?",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusOK, answer.Status)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, "g1", answer.Citations[0].ID)
	assert.Equal(t, "kb_shared", answer.Citations[0].Collection)
}

func TestHandleQueryRetriesTransientGeneration(t *testing.T) {
	chat := dummy.NewProviderWithConfig(&dummy.Config{FailTimes: 2})
	e, _ := newTestEngine(t, chat, nil)

	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "How long do refunds take?",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, answer.Status)
}

func TestHandleQueryRetryExhaustion(t *testing.T) {
	// Retry bound is 3 attempts; 5 injected failures exhaust it.
	chat := dummy.NewProviderWithConfig(&dummy.Config{FailTimes: 5})
	e, _ := newTestEngine(t, chat, nil)

	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "How long do refunds take?",
	})
	require.Error(t, err)
	assert.Equal(t, model.StatusGenerationFailed, answer.Status)
	assert.Empty(t, answer.Citations)
	assert.Empty(t, answer.Text)
}

func TestHandleQueryPermanentGenerationFailure(t *testing.T) {
	chat := &countingChat{ChatProvider: dummy.NewProviderWithConfig(&dummy.Config{FailPermanent: true})}
	e, _ := newTestEngine(t, chat, nil)

	answer, err := e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "How long do refunds take?",
	})
	require.Error(t, err)
	assert.Equal(t, model.StatusGenerationFailed, answer.Status)
	assert.Equal(t, 1, chat.generateCalls, "permanent failures must not be retried")
}

func TestHandleQueryDeterministic(t *testing.T) {
	e, _ := newTestEngine(t, nil, nil)
	req := &Request{TenantID: "b2c", Query: "How long do refunds take?"}

	first, err := e.HandleQuery(context.Background(), req)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := e.HandleQuery(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.Text, again.Text)
		require.Equal(t, len(first.Citations), len(again.Citations))
		for j := range first.Citations {
			assert.Equal(t, first.Citations[j].ID, again.Citations[j].ID)
		}
	}
}

func TestHandleQueryAnswerCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	chat := &countingChat{ChatProvider: dummy.NewProviderWithConfig(nil)}
	cache := NewAnswerCache(client, nil)
	e, _ := newTestEngine(t, chat, cache)

	req := &Request{TenantID: "b2c", Query: "How long do refunds take?"}

	first, err := e.HandleQuery(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, model.StatusOK, first.Status)

	second, err := e.HandleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)
	assert.Equal(t, 1, chat.generateCalls, "second answer should come from cache")

	// Different history is a different cache entry.
	_, err = e.HandleQuery(context.Background(), &Request{
		TenantID: "b2c",
		Query:    "How long do refunds take?",
		History:  []model.ChatMessage{{Role: model.RoleUser, Content: "I ordered a package yesterday."}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, chat.generateCalls)
}

func TestExtractCitations(t *testing.T) {
	included := []model.RetrievedPassage{
		{ID: "c1", Rank: 1},
		{ID: "c2", Rank: 2},
		{ID: "c3", Rank: 3},
	}

	citations := extractCitations("Refunds take 5 days [1], shipping is free [3].", included)
	require.Len(t, citations, 2)
	assert.Equal(t, "c1", citations[0].ID)
	assert.Equal(t, "c3", citations[1].ID)

	// Out-of-range markers are ignored.
	citations = extractCitations("See [1] and [9].", included)
	require.Len(t, citations, 1)
	assert.Equal(t, "c1", citations[0].ID)

	// No markers at all falls back to everything that was shown.
	citations = extractCitations("Refunds take 5 days.", included)
	assert.Len(t, citations, 3)

	citations = extractCitations("anything", nil)
	assert.Empty(t, citations)
}
