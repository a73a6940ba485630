// Package llm provides the provider abstraction layer for embedding and
// generation backends. Concrete providers register themselves via init
// and are constructed by name, so the engine never depends on a
// specific variant.
package llm

import (
	"context"
	"fmt"
	"sync"
)

// EmbeddingProvider maps text to fixed-dimension vectors.
// Implementations must be deterministic for identical input within one
// instance; callers rely on this for caching and for dummy stand-ins.
type EmbeddingProvider interface {
	// Embed generates embeddings for multiple texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedSingle generates an embedding for a single text.
	EmbedSingle(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the vector dimension this provider produces.
	Dimension() int

	// Name returns the provider name.
	Name() string
}

// GenerateRequest carries one generation call. Built fresh per request.
type GenerateRequest struct {
	Prompt       string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// TokenUsage reports token consumption of one call, when the backend
// exposes it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResponse is the full (non-streaming) generation result.
type GenerateResponse struct {
	Content    string      `json:"content"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// Stream is a finite, non-restartable sequence of text fragments.
// Recv returns io.EOF after the final fragment. Close stops upstream
// token production and releases the held connection; it is safe to
// call Close after EOF.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// ChatProvider produces answers from prompts, blocking or streaming.
type ChatProvider interface {
	// Generate produces a complete answer for the request.
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// GenerateStream produces the answer as an incremental stream.
	GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error)

	// Name returns the provider name.
	Name() string
}

// Provider supports both embedding and generation.
type Provider interface {
	EmbeddingProvider
	ChatProvider
}

// ProviderFactory builds a full provider from a config map.
type ProviderFactory func(config map[string]any) (Provider, error)

// EmbeddingProviderFactory builds an embedding-only provider.
type EmbeddingProviderFactory func(config map[string]any) (EmbeddingProvider, error)

// ChatProviderFactory builds a chat-only provider.
type ChatProviderFactory func(config map[string]any) (ChatProvider, error)

var registry = &providerRegistry{
	providers:          make(map[string]ProviderFactory),
	embeddingProviders: make(map[string]EmbeddingProviderFactory),
	chatProviders:      make(map[string]ChatProviderFactory),
}

type providerRegistry struct {
	mu                 sync.RWMutex
	providers          map[string]ProviderFactory
	embeddingProviders map[string]EmbeddingProviderFactory
	chatProviders      map[string]ChatProviderFactory
}

// RegisterProvider registers a full provider factory.
func RegisterProvider(name string, factory ProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.providers[name] = factory
}

// RegisterEmbeddingProvider registers an embedding provider factory.
func RegisterEmbeddingProvider(name string, factory EmbeddingProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.embeddingProviders[name] = factory
}

// RegisterChatProvider registers a chat provider factory.
func RegisterChatProvider(name string, factory ChatProviderFactory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.chatProviders[name] = factory
}

// NewProvider creates a full provider by name.
func NewProvider(name string, config map[string]any) (Provider, error) {
	registry.mu.RLock()
	factory, ok := registry.providers[name]
	registry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}

	return factory(config)
}

// NewEmbeddingProvider creates an embedding provider by name. Dedicated
// embedding factories take precedence over full provider factories.
func NewEmbeddingProvider(name string, config map[string]any) (EmbeddingProvider, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if factory, ok := registry.embeddingProviders[name]; ok {
		return factory(config)
	}

	if factory, ok := registry.providers[name]; ok {
		return factory(config)
	}

	return nil, fmt.Errorf("unknown embedding provider: %s", name)
}

// NewChatProvider creates a chat provider by name. Dedicated chat
// factories take precedence over full provider factories.
func NewChatProvider(name string, config map[string]any) (ChatProvider, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	if factory, ok := registry.chatProviders[name]; ok {
		return factory(config)
	}

	if factory, ok := registry.providers[name]; ok {
		return factory(config)
	}

	return nil, fmt.Errorf("unknown chat provider: %s", name)
}

// ListProviders lists all registered provider names.
func ListProviders() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	seen := make(map[string]bool)
	var names []string

	for name := range registry.providers {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range registry.embeddingProviders {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for name := range registry.chatProviders {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names
}
