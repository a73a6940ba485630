package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore for development and tests.
// It brute-forces cosine similarity over all chunks of the queried
// collection, which is exact and deterministic.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	dimension int
	chunks    map[string]*Chunk
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*memoryCollection),
	}
}

// CreateCollection ensures the named collection exists.
func (s *MemoryStore) CreateCollection(_ context.Context, name string, dimension int) error {
	if name == "" {
		return &InvalidQueryError{Reason: "empty collection"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; !ok {
		s.collections[name] = &memoryCollection{
			dimension: dimension,
			chunks:    make(map[string]*Chunk),
		}
	}
	return nil
}

// Upsert inserts chunks into a collection, replacing same-ID chunks.
// The collection is created on first use.
func (s *MemoryStore) Upsert(_ context.Context, collection string, chunks []*Chunk) error {
	if collection == "" {
		return &InvalidQueryError{Reason: "empty collection"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = &memoryCollection{chunks: make(map[string]*Chunk)}
		s.collections[collection] = coll
	}

	for _, chunk := range chunks {
		if chunk == nil || chunk.ID == "" {
			return &InvalidQueryError{Reason: "chunk without id"}
		}
		stored := *chunk
		stored.Collection = collection
		coll.chunks[chunk.ID] = &stored
		if coll.dimension == 0 {
			coll.dimension = len(chunk.Embedding)
		}
	}
	return nil
}

// Search scores every chunk of the queried collections and returns the
// top hits per the ordering contract.
func (s *MemoryStore) Search(_ context.Context, q *Query) ([]*SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*SearchResult
	for _, name := range q.Collections {
		coll, ok := s.collections[name]
		if !ok {
			return nil, ErrCollectionNotFound
		}
		if coll.dimension != 0 && len(q.Embedding) != coll.dimension {
			return nil, &InvalidQueryError{Reason: fmt.Sprintf(
				"embedding dimension %d does not match collection %s dimension %d",
				len(q.Embedding), name, coll.dimension)}
		}
		for _, chunk := range coll.chunks {
			results = append(results, &SearchResult{
				ID:         chunk.ID,
				Collection: name,
				Text:       chunk.Text,
				Metadata:   chunk.Metadata,
				Score:      cosineSimilarity(q.Embedding, chunk.Embedding),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// Delete removes chunks by ID. Missing IDs are ignored.
func (s *MemoryStore) Delete(_ context.Context, collection string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		return ErrCollectionNotFound
	}
	for _, id := range ids {
		delete(coll.chunks, id)
	}
	return nil
}

// Count returns the number of chunks in a collection.
func (s *MemoryStore) Count(_ context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[collection]
	if !ok {
		return 0, ErrCollectionNotFound
	}
	return int64(len(coll.chunks)), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close(_ context.Context) error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ VectorStore = (*MemoryStore)(nil)
