// Package handler provides the HTTP handlers for query, ingestion,
// and stats.
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/internal/ragserve/engine"
	"github.com/candor-ai/ragserve/internal/ragserve/history"
	"github.com/candor-ai/ragserve/internal/ragserve/ingest"
	"github.com/candor-ai/ragserve/internal/ragserve/metrics"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
)

// Handler serves the ragserve HTTP API.
type Handler struct {
	engine   *engine.Engine
	ingestor *ingest.Ingestor
	tenants  *tenant.Registry
	history  *history.Store
}

// New creates a handler. history may be nil when conversation
// persistence is disabled.
func New(eng *engine.Engine, ingestor *ingest.Ingestor, tenants *tenant.Registry, hist *history.Store) *Handler {
	return &Handler{
		engine:   eng,
		ingestor: ingestor,
		tenants:  tenants,
		history:  hist,
	}
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	TenantID       string              `json:"tenant_id" binding:"required"`
	Query          string              `json:"query" binding:"required"`
	ConversationID string              `json:"conversation_id"`
	History        []model.ChatMessage `json:"history"`
	Stream         bool                `json:"stream"`
}

// QueryResponse wraps the answer with its conversation ID.
type QueryResponse struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	Answer         *model.Answer `json:"answer"`
}

// Query handles a question, blocking or streaming.
func (h *Handler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	historyTurns := req.History
	if req.ConversationID != "" && h.history != nil {
		stored, err := h.history.History(c.Request.Context(), req.ConversationID, 0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: "failed to load conversation"})
			return
		}
		historyTurns = append(stored, historyTurns...)
	}

	engineReq := &engine.Request{
		TenantID: req.TenantID,
		Query:    req.Query,
		History:  historyTurns,
	}

	if req.Stream {
		h.queryStream(c, &req, engineReq)
		return
	}

	answer, err := h.engine.HandleQuery(c.Request.Context(), engineReq)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		logger.Errorw("query failed", "error", err.Error(), "tenant", req.TenantID)
		c.JSON(http.StatusBadGateway, ErrorResponse{Code: 502, Message: "query failed"})
		return
	}

	h.persistTurns(c, &req, answer)
	c.JSON(http.StatusOK, QueryResponse{ConversationID: req.ConversationID, Answer: answer})
}

// queryStream delivers the answer as server-sent events: one "data:"
// event per fragment, then an "answer" event with the final envelope.
func (h *Handler) queryStream(c *gin.Context, req *QueryRequest, engineReq *engine.Request) {
	stream, err := h.engine.HandleQueryStream(c.Request.Context(), engineReq)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
			return
		}
		logger.Errorw("stream query failed", "error", err.Error(), "tenant", req.TenantID)
		c.JSON(http.StatusBadGateway, ErrorResponse{Code: 502, Message: "query failed"})
		return
	}
	defer stream.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Warnw("stream interrupted", "error", err.Error(), "request_id", stream.RequestID())
			return
		}
		c.SSEvent("message", frag)
		c.Writer.Flush()
	}

	answer := stream.Answer()
	h.persistTurns(c, req, answer)
	c.SSEvent("answer", QueryResponse{ConversationID: req.ConversationID, Answer: answer})
	c.Writer.Flush()
}

// persistTurns appends the exchange to the conversation when the
// caller asked for persistence and the answer is grounded.
func (h *Handler) persistTurns(c *gin.Context, req *QueryRequest, answer *model.Answer) {
	if req.ConversationID == "" || h.history == nil || answer.Status != model.StatusOK {
		return
	}

	err := h.history.Append(c.Request.Context(), req.ConversationID, req.TenantID,
		model.ChatMessage{Role: model.RoleUser, Content: req.Query},
		model.ChatMessage{Role: model.RoleAssistant, Content: answer.Text},
	)
	if err != nil {
		logger.Warnw("failed to persist conversation", "error", err.Error(),
			"conversation_id", req.ConversationID)
	}
}

// IngestRequest is the body of POST /v1/ingest.
type IngestRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	Document struct {
		ID   string `json:"id" binding:"required"`
		Name string `json:"name"`
		Text string `json:"text" binding:"required"`
	} `json:"document" binding:"required"`
}

// Ingest writes a document into the tenant's collection.
func (h *Handler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	profile, err := h.tenants.Get(req.TenantID)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Code: 400, Message: err.Error()})
		return
	}

	count, err := h.ingestor.IngestDocument(c.Request.Context(), profile.PrimaryCollection(), &ingest.Document{
		ID:   req.Document.ID,
		Name: req.Document.Name,
		Text: req.Document.Text,
	})
	if err != nil {
		logger.Errorw("ingest failed", "error", err.Error(), "tenant", req.TenantID)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Code: 500, Message: "ingest failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"chunks": count})
}

// NewConversation mints a conversation ID for history tracking.
func (h *Handler) NewConversation(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversation_id": history.NewConversationID()})
}

// Tenants lists registered tenant IDs.
func (h *Handler) Tenants(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tenants": h.tenants.List()})
}

// Stats reports engine counters.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.Get().Snapshot())
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
