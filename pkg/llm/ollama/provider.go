// Package ollama provides the Ollama provider implementation.
package ollama

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

const ProviderName = "ollama"

func init() {
	llm.RegisterProvider(ProviderName, NewProvider)
}

// Config is the Ollama provider configuration.
type Config struct {
	BaseURL    string        `json:"base_url" mapstructure:"base_url"`
	EmbedModel string        `json:"embed_model" mapstructure:"embed_model"`
	ChatModel  string        `json:"chat_model" mapstructure:"chat_model"`
	Dimension  int           `json:"dimension" mapstructure:"dimension"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:11434",
		EmbedModel: "nomic-embed-text",
		ChatModel:  "llama3.1:8b",
		Dimension:  768,
		Timeout:    120 * time.Second,
	}
}

// Provider is the Ollama implementation of llm.Provider.
type Provider struct {
	config     *Config
	httpClient *http.Client
}

// NewProvider creates an Ollama provider from a config map.
func NewProvider(configMap map[string]any) (llm.Provider, error) {
	cfg := DefaultConfig()

	if v, ok := configMap["base_url"].(string); ok && v != "" {
		cfg.BaseURL = v
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

	return NewProviderWithConfig(cfg), nil
}

// NewProviderWithConfig creates an Ollama provider from a Config.
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

// classify maps an HTTP status to the retry taxonomy: 429 and 5xx are
// transient, everything else permanent.
func classify(op string, status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status >= 500 {
		return llm.TransientError(ProviderName, op, err)
	}
	return llm.PermanentError(ProviderName, op, err)
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates embeddings for multiple texts.
func (p *Provider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, llm.ErrEmptyInput
	}

	body, err := json.Marshal(embedRequest{Model: p.config.EmbedModel, Input: texts})
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "embed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "embed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, llm.TransientError(ProviderName, "embed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classify("embed", resp.StatusCode, respBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, llm.TransientError(ProviderName, "embed", err)
	}
	if len(embedResp.Embeddings) != len(texts) {
		return nil, llm.TransientError(ProviderName, "embed",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embedResp.Embeddings)))
	}

	return embedResp.Embeddings, nil
}

// EmbedSingle generates an embedding for a single text.
func (p *Provider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

func (p *Provider) generateBody(req *llm.GenerateRequest, stream bool) ([]byte, error) {
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	return json.Marshal(generateRequest{
		Model:   p.config.ChatModel,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Stream:  stream,
		Options: options,
	})
}

// Generate produces a complete answer for the request.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, llm.PermanentError(ProviderName, "generate", llm.ErrEmptyInput)
	}

	body, err := p.generateBody(req, false)
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.TransientError(ProviderName, "generate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classify("generate", resp.StatusCode, respBody)
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return nil, llm.TransientError(ProviderName, "generate", err)
	}

	return &llm.GenerateResponse{
		Content: genResp.Response,
		TokenUsage: &llm.TokenUsage{
			PromptTokens:     genResp.PromptEvalCount,
			CompletionTokens: genResp.EvalCount,
			TotalTokens:      genResp.PromptEvalCount + genResp.EvalCount,
		},
	}, nil
}

// GenerateStream produces the answer as an incremental stream. Ollama
// streams newline-delimited JSON objects; each carries one fragment.
func (p *Provider) GenerateStream(ctx context.Context, req *llm.GenerateRequest) (llm.Stream, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, llm.PermanentError(ProviderName, "generate", llm.ErrEmptyInput)
	}

	body, err := p.generateBody(req, true)
	if err != nil {
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, p.config.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, llm.PermanentError(ProviderName, "generate", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	return &ndjsonStream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
		cancel:  cancel,
	}, nil
}

// ndjsonStream reads one generateResponse per line until done.
type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
	done    bool
}

func (s *ndjsonStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", llm.TransientError(ProviderName, "stream", err)
		}

		if chunk.Done {
			s.done = true
			if chunk.Response == "" {
				return "", io.EOF
			}
		}
		return chunk.Response, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", llm.TransientError(ProviderName, "stream", err)
	}
	s.done = true
	return "", io.EOF
}

func (s *ndjsonStream) Close() error {
	s.cancel()
	return s.body.Close()
}

var _ llm.Provider = (*Provider)(nil)
