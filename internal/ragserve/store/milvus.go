package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
)

// MilvusConfig configures the Milvus-backed store.
type MilvusConfig struct {
	Address  string
	Username string
	Password string
	Database string
}

// MilvusStore implements VectorStore on a Milvus deployment. Each
// collection maps to one Milvus collection, so tenant scoping is
// enforced by the backend namespace, not by a filter expression.
type MilvusStore struct {
	client *milvusclient.Client

	// dimMu guards dims, the known embedding dimension per collection.
	// Dimensions are learned from CreateCollection and Upsert so a
	// mismatched query embedding is rejected before it reaches the
	// backend.
	dimMu sync.RWMutex
	dims  map[string]int
}

// NewMilvusStore connects to Milvus and returns the store.
func NewMilvusStore(ctx context.Context, cfg *MilvusConfig) (*MilvusStore, error) {
	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &MilvusStore{client: c, dims: make(map[string]int)}, nil
}

func (s *MilvusStore) recordDimension(collection string, dimension int) {
	if dimension <= 0 {
		return
	}
	s.dimMu.Lock()
	s.dims[collection] = dimension
	s.dimMu.Unlock()
}

func (s *MilvusStore) knownDimension(collection string) (int, bool) {
	s.dimMu.RLock()
	defer s.dimMu.RUnlock()
	dim, ok := s.dims[collection]
	return dim, ok
}

// CreateCollection creates the collection schema if it does not exist:
// a VarChar chunk_id primary key, the embedding vector, and the text
// and metadata payload fields.
func (s *MilvusStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	s.recordDimension(name, dimension)

	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(name))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists {
		return nil
	}

	schema := entity.NewSchema().
		WithName(name).
		WithDescription("ragserve passage chunks").
		WithField(entity.NewField().
			WithName("chunk_id").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(128).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName("embedding").
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(dimension))).
		WithField(entity.NewField().
			WithName("text").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(65535)).
		WithField(entity.NewField().
			WithName("document").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(255)).
		WithField(entity.NewField().
			WithName("section").
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(255))

	if err := s.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(name, schema)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	idx := index.NewHNSWIndex(entity.COSINE, 16, 200)
	createTask, err := s.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, "embedding", idx))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := createTask.Await(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	loadTask, err := s.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Upsert writes chunks into the collection, replacing same-ID chunks.
func (s *MilvusStore) Upsert(ctx context.Context, collection string, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	ids := make([]string, len(chunks))
	texts := make([]string, len(chunks))
	documents := make([]string, len(chunks))
	sections := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))

	for i, chunk := range chunks {
		if chunk == nil || chunk.ID == "" {
			return &InvalidQueryError{Reason: "chunk without id"}
		}
		ids[i] = chunk.ID
		texts[i] = chunk.Text
		documents[i] = chunk.Metadata["document"]
		sections[i] = chunk.Metadata["section"]
		embeddings[i] = chunk.Embedding
	}

	if _, ok := s.knownDimension(collection); !ok {
		s.recordDimension(collection, len(embeddings[0]))
	}

	columns := []column.Column{
		column.NewColumnVarChar("chunk_id", ids),
		column.NewColumnFloatVector("embedding", len(embeddings[0]), embeddings),
		column.NewColumnVarChar("text", texts),
		column.NewColumnVarChar("document", documents),
		column.NewColumnVarChar("section", sections),
	}

	if _, err := s.client.Upsert(ctx, milvusclient.NewColumnBasedInsertOption(collection, columns...)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	flushTask, err := s.client.Flush(ctx, milvusclient.NewFlushOption(collection))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := flushTask.Await(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return nil
}

// Search performs a similarity search across the queried collections.
// Each collection is searched separately and the hits are merged.
func (s *MilvusStore) Search(ctx context.Context, q *Query) ([]*SearchResult, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var hits []*SearchResult
	for _, name := range q.Collections {
		collectionHits, err := s.searchCollection(ctx, name, q)
		if err != nil {
			return nil, err
		}
		hits = append(hits, collectionHits...)
	}

	// Milvus orders by score but leaves ties backend-defined; re-sort
	// the merged hits to keep the ordering contract.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *MilvusStore) searchCollection(ctx context.Context, collection string, q *Query) ([]*SearchResult, error) {
	if dim, ok := s.knownDimension(collection); ok && len(q.Embedding) != dim {
		return nil, &InvalidQueryError{Reason: fmt.Sprintf(
			"embedding dimension %d does not match collection %s dimension %d",
			len(q.Embedding), collection, dim)}
	}

	exists, err := s.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(collection))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		return nil, ErrCollectionNotFound
	}

	vectors := []entity.Vector{entity.FloatVector(q.Embedding)}
	results, err := s.client.Search(ctx, milvusclient.NewSearchOption(collection, q.TopK, vectors).
		WithANNSField("embedding").
		WithSearchParam("ef", "64").
		WithOutputFields("chunk_id", "text", "document", "section"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	hits := make([]*SearchResult, 0, results[0].ResultCount)
	for i := 0; i < results[0].ResultCount; i++ {
		hit := &SearchResult{
			Collection: collection,
			Score:      results[0].Scores[i],
			Metadata:   make(map[string]string),
		}
		for _, field := range results[0].Fields {
			col, ok := field.(*column.ColumnVarChar)
			if !ok {
				continue
			}
			switch col.Name() {
			case "chunk_id":
				hit.ID = col.Data()[i]
			case "text":
				hit.Text = col.Data()[i]
			case "document":
				hit.Metadata["document"] = col.Data()[i]
			case "section":
				hit.Metadata["section"] = col.Data()[i]
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Delete removes chunks by ID from a collection.
func (s *MilvusStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.client.Delete(ctx, milvusclient.NewDeleteOption(collection).
		WithStringIDs("chunk_id", ids)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Count returns the number of chunks in a collection.
func (s *MilvusStore) Count(ctx context.Context, collection string) (int64, error) {
	stats, err := s.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(collection))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if val, ok := stats["row_count"]; ok {
		var count int64
		if _, err := fmt.Sscanf(val, "%d", &count); err == nil {
			return count, nil
		}
	}
	return 0, nil
}

// Close closes the Milvus connection.
func (s *MilvusStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

var _ VectorStore = (*MilvusStore)(nil)
