// Package ingest writes documents into a tenant's collection: split
// into chunks, embed, and upsert. This is the only write path into the
// vector store; query handling never mutates it.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kart-io/logger"
	"github.com/panjf2000/ants/v2"

	"github.com/candor-ai/ragserve/internal/ragserve/metrics"
	"github.com/candor-ai/ragserve/internal/ragserve/store"
	"github.com/candor-ai/ragserve/pkg/llm"
)

// Document is one source document to ingest.
type Document struct {
	// ID is the stable document identifier; chunk IDs derive from it.
	ID string
	// Name is the human-readable title, stored as chunk metadata.
	Name string
	// Text is the full document content.
	Text string
}

// Config controls chunking and concurrency.
type Config struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int
	// ChunkOverlap is how many trailing characters of a chunk repeat
	// at the start of the next one.
	ChunkOverlap int
	// EmbedBatchSize is how many chunks go into one embedding call.
	EmbedBatchSize int
	// Workers bounds concurrent embedding calls.
	Workers int
}

// DefaultConfig returns the default ingestion configuration.
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:      800,
		ChunkOverlap:   100,
		EmbedBatchSize: 16,
		Workers:        4,
	}
}

// Ingestor embeds and stores document chunks.
type Ingestor struct {
	store    store.VectorStore
	embedder llm.EmbeddingProvider
	pool     *ants.Pool
	config   *Config
	metrics  *metrics.EngineMetrics
}

// New creates an ingestor with its own worker pool. Call Release when
// done with it.
func New(vectorStore store.VectorStore, embedder llm.EmbeddingProvider, config *Config) (*Ingestor, error) {
	if config == nil {
		config = DefaultConfig()
	}

	pool, err := ants.NewPool(config.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Ingestor{
		store:    vectorStore,
		embedder: embedder,
		pool:     pool,
		config:   config,
		metrics:  metrics.Get(),
	}, nil
}

// Release shuts down the worker pool.
func (ing *Ingestor) Release() {
	ing.pool.Release()
}

// IngestDocument chunks, embeds, and upserts one document into the
// collection. Returns the number of chunks written.
func (ing *Ingestor) IngestDocument(ctx context.Context, collection string, doc *Document) (int, error) {
	if doc == nil || doc.ID == "" {
		return 0, fmt.Errorf("ingest: document without id")
	}

	texts := SplitText(doc.Text, ing.config.ChunkSize, ing.config.ChunkOverlap)
	if len(texts) == 0 {
		return 0, nil
	}

	chunks := make([]*store.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &store.Chunk{
			ID:   fmt.Sprintf("%s-%04d", doc.ID, i+1),
			Text: text,
			Metadata: map[string]string{
				"document": doc.Name,
				"section":  fmt.Sprintf("%d", i+1),
			},
		}
	}

	if err := ing.embedChunks(ctx, chunks); err != nil {
		return 0, err
	}

	if err := ing.store.Upsert(ctx, collection, chunks); err != nil {
		return 0, fmt.Errorf("upsert %d chunks: %w", len(chunks), err)
	}

	ing.metrics.RecordIngest(len(chunks))
	logger.Infow("document ingested",
		"document", doc.ID,
		"collection", collection,
		"chunks", len(chunks),
	)
	return len(chunks), nil
}

// IngestChunks embeds and upserts pre-chunked content with
// caller-assigned IDs. Used for seeding and re-indexing.
func (ing *Ingestor) IngestChunks(ctx context.Context, collection string, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	pending := make([]*store.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			pending = append(pending, chunk)
		}
	}
	if err := ing.embedChunks(ctx, pending); err != nil {
		return err
	}

	if err := ing.store.Upsert(ctx, collection, chunks); err != nil {
		return fmt.Errorf("upsert %d chunks: %w", len(chunks), err)
	}
	ing.metrics.RecordIngest(len(chunks))
	return nil
}

// embedChunks fills chunk embeddings, batching calls through the
// worker pool.
func (ing *Ingestor) embedChunks(ctx context.Context, chunks []*store.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	batchSize := ing.config.EmbedBatchSize
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		wg.Add(1)
		submitErr := ing.pool.Submit(func() {
			defer wg.Done()

			texts := make([]string, len(batch))
			for i, chunk := range batch {
				texts[i] = chunk.Text
			}

			embeddings, err := ing.embedder.Embed(ctx, texts)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			for i, chunk := range batch {
				chunk.Embedding = embeddings[i]
			}
		})
		if submitErr != nil {
			wg.Done()
			return fmt.Errorf("submit embed batch: %w", submitErr)
		}
	}

	wg.Wait()
	if firstErr != nil {
		return fmt.Errorf("embed chunks: %w", firstErr)
	}
	return nil
}

// SplitText splits text into chunks of at most size characters with
// the given overlap, preferring paragraph boundaries.
func SplitText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	paragraphs := strings.Split(text, "\n\n")

	var chunks []string
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		// Oversized paragraphs fall back to hard splits.
		if len(para) > size {
			flush()
			for start := 0; start < len(para); start += size - overlap {
				end := start + size
				if end > len(para) {
					end = len(para)
				}
				chunks = append(chunks, para[start:end])
				if end == len(para) {
					break
				}
			}
			continue
		}

		if current.Len() > 0 && current.Len()+len(para)+2 > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
