package ragserve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/candor-ai/ragserve/internal/ragserve/engine"
	"github.com/candor-ai/ragserve/internal/ragserve/handler"
	"github.com/candor-ai/ragserve/internal/ragserve/history"
	"github.com/candor-ai/ragserve/internal/ragserve/ingest"
	"github.com/candor-ai/ragserve/internal/ragserve/router"
	"github.com/candor-ai/ragserve/internal/ragserve/store"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
	"github.com/candor-ai/ragserve/pkg/llm"
	"github.com/candor-ai/ragserve/pkg/llm/resilience"

	// Register the model providers.
	_ "github.com/candor-ai/ragserve/pkg/llm/dummy"
	_ "github.com/candor-ai/ragserve/pkg/llm/ollama"
	_ "github.com/candor-ai/ragserve/pkg/llm/openai"
)

// Server is the assembled service.
type Server struct {
	opts    *Options
	http    *http.Server
	store   store.VectorStore
	history *history.Store
	redis   *goredis.Client
}

// NewServer wires all components from the options.
func NewServer(ctx context.Context, opts *Options) (*Server, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	vectorStore, err := newVectorStore(ctx, opts)
	if err != nil {
		return nil, err
	}

	redisClient := newRedisClient(ctx, opts)

	embedder, err := llm.NewEmbeddingProvider(opts.Embedding.Provider, opts.Embedding.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}
	if redisClient != nil {
		embedder = llm.NewCachedEmbeddingProvider(embedder, redisClient, nil)
	}

	chat, err := llm.NewChatProvider(opts.Chat.Provider, opts.Chat.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("create chat provider: %w", err)
	}

	dimension := opts.Store.Dimension
	if dimension == 0 {
		dimension = embedder.Dimension()
	}

	tenants, err := newTenantRegistry(opts)
	if err != nil {
		return nil, err
	}
	created := make(map[string]bool)
	for _, id := range tenants.List() {
		profile, _ := tenants.Get(id)
		for _, name := range profile.Collections {
			if created[name] {
				continue
			}
			if err := vectorStore.CreateCollection(ctx, name, dimension); err != nil {
				return nil, fmt.Errorf("create collection %q: %w", name, err)
			}
			created[name] = true
		}
	}

	var answerCache *engine.AnswerCache
	if redisClient != nil {
		cacheCfg := engine.DefaultAnswerCacheConfig()
		if opts.Cache.TTL > 0 {
			cacheCfg.TTL = opts.Cache.TTL
		}
		answerCache = engine.NewAnswerCache(redisClient, cacheCfg)
	}

	retrieverCfg, engineCfg := engineConfigs(opts.Engine)
	retriever := engine.NewRetriever(vectorStore, embedder, retrieverCfg)
	eng := engine.New(tenants, retriever, chat, answerCache, engineCfg)

	ingestor, err := ingest.New(vectorStore, embedder, nil)
	if err != nil {
		return nil, fmt.Errorf("create ingestor: %w", err)
	}

	var hist *history.Store
	if opts.HistoryPath != "" {
		hist, err = history.Open(opts.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("open history store: %w", err)
		}
	}

	h := handler.New(eng, ingestor, tenants, hist)

	return &Server{
		opts: opts,
		http: &http.Server{
			Addr:    opts.Addr,
			Handler: router.New(h),
		},
		store:   vectorStore,
		history: hist,
		redis:   redisClient,
	}, nil
}

// newTenantRegistry builds the tenant registry from the configured
// tenants, falling back to the built-in profiles when none are set.
func newTenantRegistry(opts *Options) (*tenant.Registry, error) {
	if len(opts.Tenants) == 0 {
		return tenant.NewDefaultRegistry(), nil
	}

	r := tenant.NewRegistry()
	for _, t := range opts.Tenants {
		if err := r.Register(t.ToProfile()); err != nil {
			return nil, fmt.Errorf("register tenant: %w", err)
		}
	}
	return r, nil
}

// engineConfigs applies the configured pipeline knobs on top of the
// engine defaults. The retryable-error predicates stay as the defaults
// define them; only the bounds are tunable.
func engineConfigs(opts *EngineOptions) (*engine.RetrieverConfig, *engine.Config) {
	retrieverCfg := engine.DefaultRetrieverConfig()
	engineCfg := engine.DefaultConfig()
	if opts == nil {
		return retrieverCfg, engineCfg
	}

	if opts.EmbedTimeout > 0 {
		retrieverCfg.EmbedTimeout = opts.EmbedTimeout
	}
	if opts.SearchTimeout > 0 {
		retrieverCfg.SearchTimeout = opts.SearchTimeout
	}
	if opts.GenerateTimeout > 0 {
		engineCfg.GenerateTimeout = opts.GenerateTimeout
	}
	if opts.NoGroundingMessage != "" {
		engineCfg.NoGroundingMessage = opts.NoGroundingMessage
	}

	if r := opts.Retry; r != nil {
		for _, cfg := range []*resilience.RetryConfig{retrieverCfg.Retry, engineCfg.Retry} {
			if r.MaxAttempts > 0 {
				cfg.MaxAttempts = r.MaxAttempts
			}
			if r.InitialDelay > 0 {
				cfg.InitialDelay = r.InitialDelay
			}
			if r.MaxDelay > 0 {
				cfg.MaxDelay = r.MaxDelay
			}
			if r.Multiplier > 0 {
				cfg.Multiplier = r.Multiplier
			}
		}
	}
	return retrieverCfg, engineCfg
}

// newVectorStore builds the configured vector store backend.
func newVectorStore(ctx context.Context, opts *Options) (store.VectorStore, error) {
	switch opts.Store.Backend {
	case "milvus":
		s, err := store.NewMilvusStore(ctx, &store.MilvusConfig{
			Address:  opts.Store.Address,
			Username: opts.Store.Username,
			Password: opts.Store.Password,
			Database: opts.Store.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("connect milvus: %w", err)
		}
		logger.Infow("vector store ready", "backend", "milvus", "address", opts.Store.Address)
		return s, nil
	case "memory":
		logger.Infow("vector store ready", "backend", "memory")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Store.Backend)
	}
}

// newRedisClient connects to Redis when caching is enabled. An
// unreachable Redis disables caching instead of failing startup.
func newRedisClient(ctx context.Context, opts *Options) *goredis.Client {
	if !opts.Cache.Enabled {
		return nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Cache.Addr,
		Password: opts.Cache.Password,
		DB:       opts.Cache.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warnw("redis unreachable, caching disabled", "addr", opts.Cache.Addr, "error", err.Error())
		_ = client.Close()
		return nil
	}

	logger.Infow("redis cache ready", "addr", opts.Cache.Addr)
	return client
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infow("http server listening", "addr", s.opts.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown", "error", err.Error())
	}
	s.close()
	return nil
}

// close releases backend connections.
func (s *Server) close() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Close(closeCtx); err != nil {
		logger.Warnw("vector store close", "error", err.Error())
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			logger.Warnw("history store close", "error", err.Error())
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Warnw("redis close", "error", err.Error())
		}
	}
}
