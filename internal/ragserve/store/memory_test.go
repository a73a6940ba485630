package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T) *MemoryStore {
	t.Helper()

	s := NewMemoryStore()
	err := s.Upsert(context.Background(), "kb_alpha", []*Chunk{
		{ID: "c1", Text: "refund policy", Embedding: []float32{1, 0, 0}},
		{ID: "c2", Text: "shipping times", Embedding: []float32{0, 1, 0}},
		{ID: "c3", Text: "warranty terms", Embedding: []float32{0.7, 0.7, 0}},
	})
	require.NoError(t, err)

	err = s.Upsert(context.Background(), "kb_beta", []*Chunk{
		{ID: "b1", Text: "beta only", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)

	return s
}

func TestSearchOrdering(t *testing.T) {
	s := seedStore(t)

	results, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb_alpha"},
		Embedding:   []float32{1, 0, 0},
		TopK:        3,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "c1", results[0].ID)
	assert.Equal(t, "c3", results[1].ID)
	assert.Equal(t, "c2", results[2].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchTieBreakByID(t *testing.T) {
	s := NewMemoryStore()
	err := s.Upsert(context.Background(), "kb", []*Chunk{
		{ID: "z9", Embedding: []float32{1, 0}},
		{ID: "a1", Embedding: []float32{1, 0}},
		{ID: "m5", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)

	results, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb"},
		Embedding:   []float32{1, 0},
		TopK:        3,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "a1", results[0].ID)
	assert.Equal(t, "m5", results[1].ID)
	assert.Equal(t, "z9", results[2].ID)
}

func TestSearchTopKBound(t *testing.T) {
	s := seedStore(t)

	results, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb_alpha"},
		Embedding:   []float32{1, 0, 0},
		TopK:        2,
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchNeverCrossesCollections(t *testing.T) {
	s := seedStore(t)

	results, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb_beta"},
		Embedding:   []float32{1, 0, 0},
		TopK:        10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b1", results[0].ID)
}

func TestSearchInvalidQuery(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	var invalid *InvalidQueryError

	_, err := s.Search(ctx, &Query{Collections: []string{"kb_alpha"}, TopK: 3})
	require.ErrorAs(t, err, &invalid)

	_, err = s.Search(ctx, &Query{Collections: []string{"kb_alpha"}, Embedding: []float32{1}, TopK: 0})
	require.ErrorAs(t, err, &invalid)

	_, err = s.Search(ctx, &Query{Embedding: []float32{1}, TopK: 3})
	require.ErrorAs(t, err, &invalid)
}

func TestSearchDimensionMismatch(t *testing.T) {
	s := seedStore(t)

	var invalid *InvalidQueryError
	_, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb_alpha"},
		Embedding:   []float32{1, 0},
		TopK:        3,
	})
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, invalid.Reason, "dimension")
}

func TestSearchUnknownCollection(t *testing.T) {
	s := seedStore(t)

	_, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb_missing"},
		Embedding:   []float32{1, 0, 0},
		TopK:        3,
	})
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestUpsertReplacesSameID(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, "kb_alpha", []*Chunk{
		{ID: "c1", Text: "updated refund policy", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)

	count, err := s.Count(ctx, "kb_alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	results, err := s.Search(ctx, &Query{
		Collections: []string{"kb_alpha"},
		Embedding:   []float32{1, 0, 0},
		TopK:        1,
	})
	require.NoError(t, err)
	assert.Equal(t, "updated refund policy", results[0].Text)
}

func TestSearchMergesCollections(t *testing.T) {
	s := seedStore(t)

	results, err := s.Search(context.Background(), &Query{
		Collections: []string{"kb_alpha", "kb_beta"},
		Embedding:   []float32{1, 0, 0},
		TopK:        10,
	})
	require.NoError(t, err)
	require.Len(t, results, 4)

	// b1 and c1 both score 1.0; the tie breaks by ascending ID across
	// collections.
	assert.Equal(t, "b1", results[0].ID)
	assert.Equal(t, "kb_beta", results[0].Collection)
	assert.Equal(t, "c1", results[1].ID)
	assert.Equal(t, "kb_alpha", results[1].Collection)
}

func TestDelete(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "kb_alpha", "c1", "no_such_id"))

	count, err := s.Count(ctx, "kb_alpha")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	assert.ErrorIs(t, s.Delete(ctx, "kb_missing", "c1"), ErrCollectionNotFound)
}

func TestSearchDeterministic(t *testing.T) {
	s := seedStore(t)
	q := &Query{Collections: []string{"kb_alpha"}, Embedding: []float32{0.5, 0.5, 0}, TopK: 3}

	first, err := s.Search(context.Background(), q)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := s.Search(context.Background(), q)
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].ID, again[j].ID)
		}
	}
}
