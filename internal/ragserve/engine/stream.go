package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/pkg/llm"
	"github.com/candor-ai/ragserve/pkg/llm/resilience"
)

// AnswerStream delivers an answer as incremental text fragments. After
// Recv returns io.EOF the finalized Answer, including citations parsed
// from the full text, is available via Answer. Close cancels upstream
// token production; fragments already delivered are not retracted.
type AnswerStream struct {
	requestID string
	status    model.AnswerStatus
	included  []model.RetrievedPassage
	usage     *model.TokenUsage

	upstream llm.Stream
	cancel   context.CancelFunc

	text     strings.Builder
	finished bool
}

// RequestID returns the request identifier.
func (s *AnswerStream) RequestID() string {
	return s.requestID
}

// Recv returns the next text fragment, or io.EOF after the last one.
func (s *AnswerStream) Recv() (string, error) {
	if s.finished {
		return "", io.EOF
	}

	frag, err := s.upstream.Recv()
	if err != nil {
		if err == io.EOF {
			s.finished = true
		}
		return "", err
	}

	s.text.WriteString(frag)
	return frag, nil
}

// Close stops upstream token production and releases its resources.
func (s *AnswerStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.upstream.Close()
}

// Answer returns the finalized answer. Before EOF it reflects only the
// fragments delivered so far.
func (s *AnswerStream) Answer() *model.Answer {
	text := s.text.String()
	answer := &model.Answer{
		RequestID: s.requestID,
		Text:      text,
		Citations: []model.RetrievedPassage{},
		Status:    s.status,
		Usage:     s.usage,
	}
	if s.status == model.StatusOK {
		answer.Citations = extractCitations(text, s.included)
	}
	return answer
}

// cannedStream replays a fixed text as a one-fragment stream, used for
// terminal outcomes that never reach the generation backend.
type cannedStream struct {
	text string
	sent bool
}

func (s *cannedStream) Recv() (string, error) {
	if s.sent {
		return "", io.EOF
	}
	s.sent = true
	return s.text, nil
}

func (s *cannedStream) Close() error {
	s.sent = true
	return nil
}

// HandleQueryStream runs one request up to generation and returns the
// answer as a stream. Failures before the first fragment are returned
// as errors; a no-grounding outcome streams the canned refusal.
func (e *Engine) HandleQueryStream(ctx context.Context, req *Request) (*AnswerStream, error) {
	requestID := ulid.Make().String()
	state := StateReceived

	profile, err := e.accept(requestID, req)
	if err != nil {
		e.transition(requestID, state, StateFailed)
		e.metrics.RecordQuery(string(model.StatusInvalidRequest), false)
		return nil, err
	}

	state = e.transition(requestID, state, StateRetrieving)
	passages, err := e.retriever.Retrieve(ctx, profile, req.Query)
	if err != nil {
		e.transition(requestID, state, StateFailed)
		e.metrics.RecordQuery(string(model.StatusGenerationFailed), false)
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	if len(passages) == 0 {
		e.transition(requestID, state, StateNoGround)
		e.metrics.RecordQuery(string(model.StatusNoGrounding), false)
		return &AnswerStream{
			requestID: requestID,
			status:    model.StatusNoGrounding,
			upstream:  &cannedStream{text: e.config.NoGroundingMessage},
		}, nil
	}

	state = e.transition(requestID, state, StateAssembling)
	assembled, err := e.assembler.Assemble(profile, req.Query, req.History, passages)
	if err != nil {
		e.transition(requestID, state, StateFailed)
		e.metrics.RecordQuery(string(model.StatusGenerationFailed), false)
		return nil, fmt.Errorf("assembly: %w", err)
	}

	state = e.transition(requestID, state, StateGenerating)
	streamCtx, cancel := context.WithTimeout(ctx, e.config.GenerateTimeout)

	var upstream llm.Stream
	start := time.Now()
	err = resilience.RetryWithBackoff(streamCtx, e.config.Retry, func() error {
		var streamErr error
		upstream, streamErr = e.chat.GenerateStream(streamCtx, assembled.Request)
		return streamErr
	})
	e.metrics.RecordGeneration(time.Since(start), err)
	if err != nil {
		cancel()
		e.transition(requestID, state, StateFailed)
		e.metrics.RecordQuery(string(model.StatusGenerationFailed), false)
		return nil, fmt.Errorf("generation: %w", err)
	}

	e.metrics.RecordQuery(string(model.StatusOK), false)
	logger.Infow("streaming answer started",
		"request_id", requestID,
		"tenant", profile.ID,
		"passages", len(assembled.Included),
	)

	return &AnswerStream{
		requestID: requestID,
		status:    model.StatusOK,
		included:  assembled.Included,
		upstream:  upstream,
		cancel:    cancel,
	}, nil
}
