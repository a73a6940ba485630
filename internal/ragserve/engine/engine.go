// Package engine orchestrates query handling: resolve the tenant
// profile, retrieve grounding passages, assemble the prompt, and
// generate the answer. Each request runs through a fixed state
// sequence and always terminates in a well-formed Answer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/internal/ragserve/metrics"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
	"github.com/candor-ai/ragserve/pkg/llm"
	"github.com/candor-ai/ragserve/pkg/llm/resilience"
)

// State is one step of the per-request lifecycle.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateRetrieving State = "RETRIEVING"
	StateAssembling State = "ASSEMBLING"
	StateGenerating State = "GENERATING"
	StateSucceeded  State = "SUCCEEDED"
	StateNoGround   State = "NO_GROUNDING"
	StateFailed     State = "FAILED"
)

// ErrInvalidRequest rejects a request before retrieval starts.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Request is one query to handle.
type Request struct {
	// TenantID selects the tenant profile. Required.
	TenantID string
	// Query is the user question. Required, non-empty after trimming.
	Query string
	// History is the prior conversation, oldest first.
	History []model.ChatMessage
}

// Config controls the engine stages.
type Config struct {
	// GenerateTimeout bounds one generation call.
	GenerateTimeout time.Duration
	// Retry controls backoff for transient generation failures.
	Retry *resilience.RetryConfig
	// NoGroundingMessage is the answer text for queries with no
	// grounding.
	NoGroundingMessage string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	retry := resilience.DefaultRetryConfig()
	retry.RetryableErrors = llm.IsTransient
	return &Config{
		GenerateTimeout:    60 * time.Second,
		Retry:              retry,
		NoGroundingMessage: "I couldn't find anything in the knowledge base to answer that.",
	}
}

// Engine drives the request state machine. It holds no cross-request
// mutable state, so concurrent requests need no coordination.
type Engine struct {
	tenants   *tenant.Registry
	retriever *Retriever
	assembler *Assembler
	chat      llm.ChatProvider
	cache     *AnswerCache
	config    *Config
	metrics   *metrics.EngineMetrics
}

// New creates an engine. cache may be nil to disable answer caching.
func New(
	tenants *tenant.Registry,
	retriever *Retriever,
	chat llm.ChatProvider,
	cache *AnswerCache,
	config *Config,
) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Retry == nil {
		config.Retry = DefaultConfig().Retry
	}
	return &Engine{
		tenants:   tenants,
		retriever: retriever,
		assembler: NewAssembler(),
		chat:      chat,
		cache:     cache,
		config:    config,
		metrics:   metrics.Get(),
	}
}

// HandleQuery runs one request to a terminal state. The returned
// Answer is always well-formed; err is non-nil for invalid requests
// and stage failures so transports can map status codes, and nil for
// ok and no-grounding outcomes.
func (e *Engine) HandleQuery(ctx context.Context, req *Request) (*model.Answer, error) {
	requestID := ulid.Make().String()
	state := StateReceived

	profile, err := e.accept(requestID, req)
	if err != nil {
		answer := e.terminal(requestID, state, StateFailed, &model.Answer{
			RequestID: requestID,
			Status:    model.StatusInvalidRequest,
		})
		return answer, err
	}

	if e.cache != nil {
		if cached, _ := e.cache.Get(ctx, profile.ID, req.Query, req.History); cached != nil {
			cached.RequestID = requestID
			e.metrics.RecordQuery(string(cached.Status), true)
			logger.Infow("answer served from cache", "request_id", requestID, "tenant", profile.ID)
			return cached, nil
		}
	}

	state = e.transition(requestID, state, StateRetrieving)
	passages, err := e.retriever.Retrieve(ctx, profile, req.Query)
	if err != nil {
		answer := e.terminal(requestID, state, StateFailed, &model.Answer{
			RequestID: requestID,
			Status:    model.StatusGenerationFailed,
		})
		return answer, fmt.Errorf("retrieval: %w", err)
	}

	if len(passages) == 0 {
		answer := e.terminal(requestID, state, StateNoGround, &model.Answer{
			RequestID: requestID,
			Text:      e.config.NoGroundingMessage,
			Citations: []model.RetrievedPassage{},
			Status:    model.StatusNoGrounding,
		})
		return answer, nil
	}

	state = e.transition(requestID, state, StateAssembling)
	assembled, err := e.assembler.Assemble(profile, req.Query, req.History, passages)
	if err != nil {
		answer := e.terminal(requestID, state, StateFailed, &model.Answer{
			RequestID: requestID,
			Status:    model.StatusGenerationFailed,
		})
		return answer, fmt.Errorf("assembly: %w", err)
	}

	state = e.transition(requestID, state, StateGenerating)
	resp, err := e.generate(ctx, assembled.Request)
	if err != nil {
		answer := e.terminal(requestID, state, StateFailed, &model.Answer{
			RequestID: requestID,
			Status:    model.StatusGenerationFailed,
		})
		return answer, fmt.Errorf("generation: %w", err)
	}

	answer := &model.Answer{
		RequestID: requestID,
		Text:      resp.Content,
		Citations: extractCitations(resp.Content, assembled.Included),
		Status:    model.StatusOK,
	}
	if resp.TokenUsage != nil {
		answer.Usage = &model.TokenUsage{
			PromptTokens:     resp.TokenUsage.PromptTokens,
			CompletionTokens: resp.TokenUsage.CompletionTokens,
			TotalTokens:      resp.TokenUsage.TotalTokens,
		}
	}

	answer = e.terminal(requestID, state, StateSucceeded, answer)
	if e.cache != nil {
		e.cache.Set(ctx, profile.ID, req.Query, req.History, answer)
	}
	return answer, nil
}

// accept validates the request and resolves the tenant profile.
func (e *Engine) accept(requestID string, req *Request) (*tenant.Profile, error) {
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	if req.TenantID == "" {
		return nil, fmt.Errorf("%w: empty tenant id", ErrInvalidRequest)
	}

	profile, err := e.tenants.Get(req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	logger.Debugw("request accepted",
		"request_id", requestID,
		"tenant", profile.ID,
		"history_turns", len(req.History),
	)
	return profile, nil
}

func (e *Engine) generate(ctx context.Context, genReq *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	start := time.Now()

	var resp *llm.GenerateResponse
	attempt := 0
	err := resilience.RetryWithBackoff(ctx, e.config.Retry, func() error {
		attempt++
		if attempt > 1 {
			e.metrics.RecordGenerationRetry()
		}

		callCtx, cancel := context.WithTimeout(ctx, e.config.GenerateTimeout)
		defer cancel()

		var genErr error
		resp, genErr = e.chat.Generate(callCtx, genReq)
		return genErr
	})

	e.metrics.RecordGeneration(time.Since(start), err)
	return resp, err
}

func (e *Engine) transition(requestID string, from, to State) State {
	logger.Debugw("state transition", "request_id", requestID, "from", from, "to", to)
	return to
}

func (e *Engine) terminal(requestID string, from, to State, answer *model.Answer) *model.Answer {
	e.transition(requestID, from, to)
	if answer.Citations == nil {
		answer.Citations = []model.RetrievedPassage{}
	}
	e.metrics.RecordQuery(string(answer.Status), false)
	logger.Infow("request terminal",
		"request_id", requestID,
		"state", to,
		"status", answer.Status,
		"citations", len(answer.Citations),
	)
	return answer
}

var citationMarker = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations maps [n] markers in the generated text to the
// passages that were actually in the prompt, ordered by rank. Text
// without any marker cites everything it was shown, preserving the
// rule that an ok answer carries at least one citation.
func extractCitations(text string, included []model.RetrievedPassage) []model.RetrievedPassage {
	if len(included) == 0 {
		return []model.RetrievedPassage{}
	}

	cited := make(map[int]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(included) {
			continue
		}
		cited[n] = true
	}

	if len(cited) == 0 {
		return append([]model.RetrievedPassage(nil), included...)
	}

	citations := make([]model.RetrievedPassage, 0, len(cited))
	for i, passage := range included {
		if cited[i+1] {
			citations = append(citations, passage)
		}
	}
	return citations
}
