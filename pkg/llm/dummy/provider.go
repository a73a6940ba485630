// Package dummy provides a deterministic, network-free provider for
// local development and tests. Embeddings are bag-of-words vectors
// hashed into a fixed number of buckets, so texts sharing content
// words get a positive cosine similarity and unrelated texts score
// zero. Generation echoes the highest-ranked context passage with its
// reference marker, so citation extraction behaves exactly as with a
// real backend.
package dummy

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/candor-ai/ragserve/pkg/llm"
)

const ProviderName = "dummy"

// DefaultDimension is the embedding dimension when none is configured.
const DefaultDimension = 256

func init() {
	llm.RegisterProvider(ProviderName, NewProvider)
}

// Config controls the dummy provider.
type Config struct {
	// Dimension is the embedding vector dimension.
	Dimension int
	// FailTimes makes the first N generation calls fail with a
	// transient error. Used to exercise retry paths.
	FailTimes int
	// FailPermanent makes every generation call fail permanently.
	FailPermanent bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{Dimension: DefaultDimension}
}

// Provider is the dummy implementation of llm.Provider.
type Provider struct {
	config *Config
	calls  atomic.Int64
}

// NewProvider creates a dummy provider from a config map.
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	cfg := DefaultConfig()

	if v, ok := configMap["dimension"].(int); ok && v > 0 {
		cfg.Dimension = v
	}
	if v, ok := configMap["fail_times"].(int); ok && v > 0 {
		cfg.FailTimes = v
	}
	if v, ok := configMap["fail_permanent"].(bool); ok {
		cfg.FailPermanent = v
	}

	return NewProviderWithConfig(cfg), nil
}

// NewProviderWithConfig creates a dummy provider from a Config.
func NewProviderWithConfig(cfg *Config) *Provider {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	return &Provider{config: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

// Dimension returns the embedding dimension.
func (p *Provider) Dimension() int {
	return p.config.Dimension
}

// stopwords are function words excluded from the bag-of-words vector so
// that similarity reflects content overlap, not phrasing.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"were": true, "what": true, "how": true, "why": true, "when": true,
	"where": true, "who": true, "this": true, "that": true, "with": true,
	"from": true, "does": true, "did": true, "you": true, "your": true,
	"can": true, "will": true, "has": true, "have": true, "not": true,
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(text string) []string {
	var tokens []string
	for _, tok := range tokenSplit.Split(strings.ToLower(text), -1) {
		if len(tok) <= 2 || stopwords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// embed hashes each content token into a bucket and L2-normalizes the
// resulting count vector. Identical input always yields an identical
// vector.
func (p *Provider) embed(text string) []float32 {
	vec := make([]float32, p.config.Dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.config.Dimension)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// Embed generates embeddings for multiple texts.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, llm.ErrEmptyInput
	}
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, llm.PermanentError(ProviderName, "embed", llm.ErrEmptyInput)
		}
		embeddings[i] = p.embed(text)
	}
	return embeddings, nil
}

// EmbedSingle generates an embedding for a single text.
func (p *Provider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// passageLine matches the first reference-marked passage in a prompt,
// as formatted by the context assembler.
var passageLine = regexp.MustCompile(`(?m)^\[1\]\s*(.+)$`)

func (p *Provider) failInjected() error {
	if p.config.FailPermanent {
		return llm.PermanentError(ProviderName, "generate", fmt.Errorf("generation rejected"))
	}
	if n := p.calls.Add(1); n <= int64(p.config.FailTimes) {
		return llm.TransientError(ProviderName, "generate", fmt.Errorf("injected failure %d/%d", n, p.config.FailTimes))
	}
	return nil
}

func (p *Provider) cannedAnswer(req *llm.GenerateRequest) string {
	if m := passageLine.FindStringSubmatch(req.Prompt); m != nil {
		return fmt.Sprintf("Based on the knowledge base: %s [1]", strings.TrimSpace(m[1]))
	}
	return "I could not find that in the knowledge base."
}

// Generate produces a canned answer referencing the top passage.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, llm.PermanentError(ProviderName, "generate", llm.ErrEmptyInput)
	}
	if err := p.failInjected(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, llm.TransientError(ProviderName, "generate", err)
	}

	answer := p.cannedAnswer(req)
	return &llm.GenerateResponse{
		Content: answer,
		TokenUsage: &llm.TokenUsage{
			PromptTokens:     len(tokenize(req.Prompt)),
			CompletionTokens: len(tokenize(answer)),
			TotalTokens:      len(tokenize(req.Prompt)) + len(tokenize(answer)),
		},
	}, nil
}

// GenerateStream produces the canned answer word by word.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.GenerateRequest) (llm.Stream, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, llm.PermanentError(ProviderName, "generate", llm.ErrEmptyInput)
	}
	if err := p.failInjected(); err != nil {
		return nil, err
	}

	words := strings.SplitAfter(p.cannedAnswer(req), " ")
	return &stream{ctx: ctx, fragments: words}, nil
}

// stream delivers pre-computed fragments one Recv at a time.
type stream struct {
	ctx       context.Context
	mu        sync.Mutex
	fragments []string
	pos       int
	closed    bool
}

func (s *stream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pos >= len(s.fragments) {
		return "", io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ llm.Provider = (*Provider)(nil)
