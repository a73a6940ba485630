// Package store provides the vector store abstraction for passage
// retrieval. Implementations must scope every operation to a single
// collection; a search can never return chunks from a collection other
// than the one named in the query.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Chunk is one indexed unit of text with its embedding.
type Chunk struct {
	// ID is the stable chunk identifier, unique within its collection.
	ID string
	// Collection is the namespace the chunk belongs to.
	Collection string
	// Text is the chunk content.
	Text string
	// Metadata carries source attribution (document name, section).
	Metadata map[string]string
	// Embedding is the chunk vector.
	Embedding []float32
}

// SearchResult is one hit of a similarity search.
type SearchResult struct {
	ID         string
	Collection string
	Text       string
	Metadata   map[string]string
	Score      float32
}

// Query describes one similarity search.
type Query struct {
	// Collections scope the search. Required, at least one.
	Collections []string
	// Embedding is the query vector. Required, non-empty.
	Embedding []float32
	// TopK bounds the number of hits. Required, positive.
	TopK int
}

// ErrUnavailable means the backing store cannot be reached. Transient;
// callers may retry.
var ErrUnavailable = errors.New("store: unavailable")

// ErrCollectionNotFound means the named collection does not exist.
var ErrCollectionNotFound = errors.New("store: collection not found")

// InvalidQueryError rejects a malformed query before it reaches the
// backend. Permanent; retrying the same query cannot help.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("store: invalid query: %s", e.Reason)
}

// Validate checks query shape. Every implementation calls this before
// touching its backend so the error taxonomy is uniform.
func (q *Query) Validate() error {
	if q == nil {
		return &InvalidQueryError{Reason: "nil query"}
	}
	if len(q.Collections) == 0 {
		return &InvalidQueryError{Reason: "no collections"}
	}
	for _, name := range q.Collections {
		if name == "" {
			return &InvalidQueryError{Reason: "empty collection name"}
		}
	}
	if len(q.Embedding) == 0 {
		return &InvalidQueryError{Reason: "empty embedding"}
	}
	if q.TopK <= 0 {
		return &InvalidQueryError{Reason: fmt.Sprintf("non-positive top_k %d", q.TopK)}
	}
	return nil
}

// VectorStore is the persistence interface for chunks.
//
// Search returns at most TopK results ordered by descending score,
// ties broken by ascending chunk ID. The ordering is part of the
// contract: two searches over identical contents return identical
// result slices.
type VectorStore interface {
	// CreateCollection ensures the named collection exists with the
	// given vector dimension. Idempotent.
	CreateCollection(ctx context.Context, name string, dimension int) error

	// Upsert inserts chunks, replacing any chunk with the same ID in
	// the same collection.
	Upsert(ctx context.Context, collection string, chunks []*Chunk) error

	// Search performs a similarity search scoped to q.Collections.
	Search(ctx context.Context, q *Query) ([]*SearchResult, error)

	// Delete removes chunks by ID from a collection. IDs that do not
	// exist are ignored.
	Delete(ctx context.Context, collection string, ids ...string) error

	// Count returns the number of chunks in a collection.
	Count(ctx context.Context, collection string) (int64, error)

	// Close releases the backing connection.
	Close(ctx context.Context) error
}
