// Package ragserve assembles the service: options, component wiring,
// and the HTTP server lifecycle.
package ragserve

import (
	"fmt"
	"time"

	"github.com/kart-io/logger"
	"github.com/kart-io/logger/option"
	"github.com/spf13/pflag"

	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
)

// LogOptions wraps the structured logger configuration.
type LogOptions struct {
	*option.LogOption `mapstructure:",squash"`
}

// NewLogOptions creates logger options with defaults.
func NewLogOptions() *LogOptions {
	return &LogOptions{LogOption: option.DefaultLogOption()}
}

// AddFlags adds logger flags.
func (o *LogOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Engine, "log.engine", o.Engine, "Logging engine (zap|slog)")
	fs.StringVar(&o.Level, "log.level", o.Level, "Log level (DEBUG|INFO|WARN|ERROR|FATAL)")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log format (json|console)")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Output paths for logs")
	fs.BoolVar(&o.Development, "log.development", o.Development, "Enable development mode")
}

// Init installs the global logger.
func (o *LogOptions) Init() error {
	log, err := logger.New(o.LogOption)
	if err != nil {
		return err
	}
	logger.SetGlobal(log)
	return nil
}

// ProviderOptions selects and configures one model provider role.
type ProviderOptions struct {
	Provider string `json:"provider" mapstructure:"provider"`
	BaseURL  string `json:"base-url" mapstructure:"base-url"`
	APIKey   string `json:"api-key" mapstructure:"api-key"`
	Model    string `json:"model" mapstructure:"model"`
	// Dimension overrides the provider's embedding dimension.
	Dimension int           `json:"dimension" mapstructure:"dimension"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// ToConfigMap converts the options into a provider factory config.
func (o *ProviderOptions) ToConfigMap() map[string]any {
	return map[string]any{
		"base_url":    o.BaseURL,
		"api_key":     o.APIKey,
		"embed_model": o.Model,
		"chat_model":  o.Model,
		"dimension":   o.Dimension,
		"timeout":     o.Timeout,
	}
}

// StoreOptions selects the vector store backend.
type StoreOptions struct {
	// Backend is "milvus" or "memory".
	Backend  string `json:"backend" mapstructure:"backend"`
	Address  string `json:"address" mapstructure:"address"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
	// Dimension is the embedding dimension used when creating
	// collections. Zero derives it from the embedding provider.
	Dimension int `json:"dimension" mapstructure:"dimension"`
}

// RetryOptions bounds the backoff applied to transient retrieval and
// generation failures.
type RetryOptions struct {
	MaxAttempts  int           `json:"max-attempts" mapstructure:"max-attempts"`
	InitialDelay time.Duration `json:"initial-delay" mapstructure:"initial-delay"`
	MaxDelay     time.Duration `json:"max-delay" mapstructure:"max-delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
}

// EngineOptions tunes the query pipeline: per-stage timeouts, retry
// bounds, and the canned response for queries with no grounding.
type EngineOptions struct {
	EmbedTimeout       time.Duration `json:"embed-timeout" mapstructure:"embed-timeout"`
	SearchTimeout      time.Duration `json:"search-timeout" mapstructure:"search-timeout"`
	GenerateTimeout    time.Duration `json:"generate-timeout" mapstructure:"generate-timeout"`
	NoGroundingMessage string        `json:"no-grounding-message" mapstructure:"no-grounding-message"`
	Retry              *RetryOptions `json:"retry" mapstructure:"retry"`
}

// TenantOptions declares one tenant profile in the configuration file.
// When any tenants are configured they replace the built-in profiles.
type TenantOptions struct {
	ID             string   `json:"id" mapstructure:"id"`
	Name           string   `json:"name" mapstructure:"name"`
	Collections    []string `json:"collections" mapstructure:"collections"`
	TopK           int      `json:"top-k" mapstructure:"top-k"`
	ScoreThreshold float64  `json:"score-threshold" mapstructure:"score-threshold"`
	SystemPrompt   string   `json:"system-prompt" mapstructure:"system-prompt"`
	PromptBudget   int      `json:"prompt-budget" mapstructure:"prompt-budget"`
	HistoryBudget  int      `json:"history-budget" mapstructure:"history-budget"`
	MaxTokens      int      `json:"max-tokens" mapstructure:"max-tokens"`
	Temperature    float64  `json:"temperature" mapstructure:"temperature"`
}

// ToProfile converts the options into a tenant profile.
func (o *TenantOptions) ToProfile() *tenant.Profile {
	return &tenant.Profile{
		ID:             o.ID,
		Name:           o.Name,
		Collections:    o.Collections,
		TopK:           o.TopK,
		ScoreThreshold: float32(o.ScoreThreshold),
		SystemPrompt:   o.SystemPrompt,
		PromptBudget:   o.PromptBudget,
		HistoryBudget:  o.HistoryBudget,
		MaxTokens:      o.MaxTokens,
		Temperature:    o.Temperature,
	}
}

// CacheOptions configures the Redis answer and embedding caches.
type CacheOptions struct {
	Enabled  bool          `json:"enabled" mapstructure:"enabled"`
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password" mapstructure:"password"`
	Database int           `json:"database" mapstructure:"database"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// Options contains the full service configuration.
type Options struct {
	// Addr is the HTTP listen address.
	Addr string `json:"addr" mapstructure:"addr"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
	// HistoryPath is the conversation database path; empty disables
	// persistence.
	HistoryPath string `json:"history-path" mapstructure:"history-path"`

	Log       *LogOptions      `json:"log" mapstructure:"log"`
	Store     *StoreOptions    `json:"store" mapstructure:"store"`
	Cache     *CacheOptions    `json:"cache" mapstructure:"cache"`
	Embedding *ProviderOptions `json:"embedding" mapstructure:"embedding"`
	Chat      *ProviderOptions `json:"chat" mapstructure:"chat"`
	Engine    *EngineOptions   `json:"engine" mapstructure:"engine"`
	// Tenants replaces the built-in tenant profiles. Configuration-file
	// only; the built-in b2b and b2c profiles apply when empty.
	Tenants []*TenantOptions `json:"tenants" mapstructure:"tenants"`
}

// NewOptions creates options with development-friendly defaults: the
// dummy provider and the in-memory store need no external services.
func NewOptions() *Options {
	return &Options{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		HistoryPath:     "ragserve.db",
		Log:             NewLogOptions(),
		Store: &StoreOptions{
			Backend: "memory",
			Address: "localhost:19530",
		},
		Cache: &CacheOptions{
			Enabled: false,
			Addr:    "localhost:6379",
			TTL:     1 * time.Hour,
		},
		Embedding: &ProviderOptions{
			Provider: "dummy",
			Timeout:  120 * time.Second,
		},
		Chat: &ProviderOptions{
			Provider: "dummy",
			Timeout:  120 * time.Second,
		},
		Engine: &EngineOptions{
			EmbedTimeout:    10 * time.Second,
			SearchTimeout:   10 * time.Second,
			GenerateTimeout: 60 * time.Second,
			Retry: &RetryOptions{
				MaxAttempts:  3,
				InitialDelay: 200 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
			},
		},
	}
}

// AddFlags registers all service flags.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Addr, "addr", o.Addr, "HTTP listen address")
	fs.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Graceful shutdown timeout")
	fs.StringVar(&o.HistoryPath, "history-path", o.HistoryPath, "Conversation history database path (empty to disable)")

	o.Log.AddFlags(fs)

	fs.StringVar(&o.Store.Backend, "store.backend", o.Store.Backend, "Vector store backend (milvus|memory)")
	fs.StringVar(&o.Store.Address, "store.address", o.Store.Address, "Milvus address")
	fs.StringVar(&o.Store.Username, "store.username", o.Store.Username, "Milvus username")
	fs.StringVar(&o.Store.Password, "store.password", o.Store.Password, "Milvus password")
	fs.StringVar(&o.Store.Database, "store.database", o.Store.Database, "Milvus database")
	fs.IntVar(&o.Store.Dimension, "store.dimension", o.Store.Dimension, "Embedding dimension for new collections")

	fs.BoolVar(&o.Cache.Enabled, "cache.enabled", o.Cache.Enabled, "Enable Redis caching")
	fs.StringVar(&o.Cache.Addr, "cache.addr", o.Cache.Addr, "Redis address")
	fs.StringVar(&o.Cache.Password, "cache.password", o.Cache.Password, "Redis password")
	fs.IntVar(&o.Cache.Database, "cache.database", o.Cache.Database, "Redis database")
	fs.DurationVar(&o.Cache.TTL, "cache.ttl", o.Cache.TTL, "Answer cache TTL")

	fs.StringVar(&o.Embedding.Provider, "embedding.provider", o.Embedding.Provider, "Embedding provider (dummy|ollama|openai)")
	fs.StringVar(&o.Embedding.BaseURL, "embedding.base-url", o.Embedding.BaseURL, "Embedding provider base URL")
	fs.StringVar(&o.Embedding.APIKey, "embedding.api-key", o.Embedding.APIKey, "Embedding provider API key")
	fs.StringVar(&o.Embedding.Model, "embedding.model", o.Embedding.Model, "Embedding model name")
	fs.IntVar(&o.Embedding.Dimension, "embedding.dimension", o.Embedding.Dimension, "Embedding dimension override")
	fs.DurationVar(&o.Embedding.Timeout, "embedding.timeout", o.Embedding.Timeout, "Embedding request timeout")

	fs.StringVar(&o.Chat.Provider, "chat.provider", o.Chat.Provider, "Chat provider (dummy|ollama|openai)")
	fs.StringVar(&o.Chat.BaseURL, "chat.base-url", o.Chat.BaseURL, "Chat provider base URL")
	fs.StringVar(&o.Chat.APIKey, "chat.api-key", o.Chat.APIKey, "Chat provider API key")
	fs.StringVar(&o.Chat.Model, "chat.model", o.Chat.Model, "Chat model name")
	fs.DurationVar(&o.Chat.Timeout, "chat.timeout", o.Chat.Timeout, "Chat request timeout")

	fs.DurationVar(&o.Engine.EmbedTimeout, "engine.embed-timeout", o.Engine.EmbedTimeout, "Per-call embedding timeout")
	fs.DurationVar(&o.Engine.SearchTimeout, "engine.search-timeout", o.Engine.SearchTimeout, "Per-call vector search timeout")
	fs.DurationVar(&o.Engine.GenerateTimeout, "engine.generate-timeout", o.Engine.GenerateTimeout, "Per-call generation timeout")
	fs.StringVar(&o.Engine.NoGroundingMessage, "engine.no-grounding-message", o.Engine.NoGroundingMessage, "Answer text when no grounding is found (empty for the default)")
	fs.IntVar(&o.Engine.Retry.MaxAttempts, "engine.retry.max-attempts", o.Engine.Retry.MaxAttempts, "Retry attempts for transient failures, including the first call")
	fs.DurationVar(&o.Engine.Retry.InitialDelay, "engine.retry.initial-delay", o.Engine.Retry.InitialDelay, "Backoff delay before the second attempt")
	fs.DurationVar(&o.Engine.Retry.MaxDelay, "engine.retry.max-delay", o.Engine.Retry.MaxDelay, "Backoff delay ceiling")
	fs.Float64Var(&o.Engine.Retry.Multiplier, "engine.retry.multiplier", o.Engine.Retry.Multiplier, "Backoff multiplier between attempts")
}

// Validate checks option consistency.
func (o *Options) Validate() error {
	switch o.Store.Backend {
	case "milvus", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", o.Store.Backend)
	}
	if o.Store.Backend == "milvus" && o.Store.Address == "" {
		return fmt.Errorf("store.address is required for the milvus backend")
	}
	if o.Store.Dimension < 0 {
		return fmt.Errorf("store.dimension must not be negative")
	}
	if o.Embedding.Provider == "" || o.Chat.Provider == "" {
		return fmt.Errorf("embedding and chat providers are required")
	}
	if o.Cache.Enabled && o.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required when caching is enabled")
	}
	if o.Engine != nil && o.Engine.Retry != nil && o.Engine.Retry.MaxAttempts < 1 {
		return fmt.Errorf("engine.retry.max-attempts must be at least 1")
	}
	for _, t := range o.Tenants {
		if err := t.ToProfile().Validate(); err != nil {
			return err
		}
	}
	return nil
}
