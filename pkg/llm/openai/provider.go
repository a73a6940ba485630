// Package openai provides the OpenAI provider implementation. It also
// works with OpenAI-compatible services (Azure OpenAI, LocalAI, vLLM)
// by overriding base_url.
//
// Usage:
//
//	import _ "github.com/candor-ai/ragserve/pkg/llm/openai"
//	import "github.com/candor-ai/ragserve/pkg/llm"
//
//	provider, err := llm.NewProvider("openai", map[string]any{
//	    "api_key": "your-api-key",
//	})
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/candor-ai/ragserve/pkg/llm"
)

const ProviderName = "openai"

func init() {
	llm.RegisterProvider(ProviderName, NewProvider)
}

// Config is the OpenAI provider configuration.
type Config struct {
	// BaseURL is the API base address. Override it to target an
	// OpenAI-compatible service.
	BaseURL string `json:"base_url" mapstructure:"base_url"`

	// APIKey is the bearer token.
	APIKey string `json:"api_key" mapstructure:"api_key"`

	// Organization is the optional organization ID.
	Organization string `json:"organization" mapstructure:"organization"`

	// EmbedModel is the embedding model.
	EmbedModel string `json:"embed_model" mapstructure:"embed_model"`

	// ChatModel is the generation model.
	ChatModel string `json:"chat_model" mapstructure:"chat_model"`

	// Dimension is the embedding vector dimension of EmbedModel.
	Dimension int `json:"dimension" mapstructure:"dimension"`

	// Timeout bounds non-streaming requests.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://api.openai.com/v1",
		EmbedModel: "text-embedding-3-small",
		ChatModel:  "gpt-4o-mini",
		Dimension:  1536,
		Timeout:    120 * time.Second,
	}
}

// Provider is the OpenAI implementation of llm.Provider.
type Provider struct {
	config     *Config
	httpClient *http.Client
}

// NewProvider creates an OpenAI provider from a config map.
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	cfg := DefaultConfig()

	if v, ok := configMap["base_url"].(string); ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := configMap["api_key"].(string); ok && v != "" {
		cfg.APIKey = v
	}
	if v, ok := configMap["organization"].(string); ok && v != "" {
		cfg.Organization = v
	}
	if v, ok := configMap["embed_model"].(string); ok && v != "" {
		cfg.EmbedModel = v
	}
	if v, ok := configMap["chat_model"].(string); ok && v != "" {
		cfg.ChatModel = v
	}
	if v, ok := configMap["dimension"].(int); ok && v > 0 {
		cfg.Dimension = v
	}
	if v, ok := configMap["timeout"].(time.Duration); ok && v > 0 {
		cfg.Timeout = v
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api_key is required")
	}

	return NewProviderWithConfig(cfg), nil
}

// NewProviderWithConfig creates an OpenAI provider from a Config.
func NewProviderWithConfig(cfg *Config) *Provider {
	return &Provider{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return ProviderName
}

// Dimension returns the configured embedding dimension.
func (p *Provider) Dimension() int {
	return p.config.Dimension
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	if p.config.Organization != "" {
		req.Header.Set("OpenAI-Organization", p.config.Organization)
	}
}

// classify maps an HTTP status to the retry taxonomy: 429 and 5xx are
// transient, 4xx permanent.
func classify(op string, status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status >= 500 {
		return llm.TransientError(ProviderName, op, err)
	}
	return llm.PermanentError(ProviderName, op, err)
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed generates embeddings for multiple texts.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, llm.ErrEmptyInput
	}

	body, err := json.Marshal(embeddingRequest{Model: p.config.EmbedModel, Input: texts})
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "embed", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, llm.TransientError(ProviderName, "embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classify("embed", resp.StatusCode, respBody)
	}

	var embResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, llm.TransientError(ProviderName, "embed", err)
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range embResp.Data {
		if data.Index < len(embeddings) {
			embeddings[data.Index] = data.Embedding
		}
	}
	for i, emb := range embeddings {
		if emb == nil {
			return nil, llm.TransientError(ProviderName, "embed",
				fmt.Errorf("missing embedding for input %d", i))
		}
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

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) chatBody(req *llm.GenerateRequest, stream bool) ([]byte, error) {
	var messages []chatMessage
	if req.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	return json.Marshal(chatRequest{
		Model:       p.config.ChatModel,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	})
}

// Generate produces a complete answer for the request.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, llm.PermanentError(ProviderName, "generate", llm.ErrEmptyInput)
	}

	body, err := p.chatBody(req, false)
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.TransientError(ProviderName, "generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classify("generate", resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, llm.TransientError(ProviderName, "generate", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, llm.TransientError(ProviderName, "generate", fmt.Errorf("no choices returned"))
	}

	return &llm.GenerateResponse{
		Content: chatResp.Choices[0].Message.Content,
		TokenUsage: &llm.TokenUsage{
			PromptTokens:     chatResp.Usage.PromptTokens,
			CompletionTokens: chatResp.Usage.CompletionTokens,
			TotalTokens:      chatResp.Usage.TotalTokens,
		},
	}, nil
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// GenerateStream produces the answer as an incremental stream using
// server-sent events.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.GenerateRequest) (llm.Stream, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, llm.PermanentError(ProviderName, "generate", llm.ErrEmptyInput)
	}

	body, err := p.chatBody(req, true)
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	// The client timeout would kill long streams; rely on ctx instead.
	client := &http.Client{Transport: p.httpClient.Transport}

	resp, err := client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, llm.TransientError(ProviderName, "generate", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, classify("generate", resp.StatusCode, respBody)
	}

	return &sseStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

// sseStream reads "data: {...}" lines until "data: [DONE]".
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", llm.TransientError(ProviderName, "stream", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != nil && chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", llm.TransientError(ProviderName, "stream", err)
	}
	s.done = true
	return "", io.EOF
}

func (s *sseStream) Close() error {
	s.cancel()
	return s.body.Close()
}

var _ llm.Provider = (*Provider)(nil)
