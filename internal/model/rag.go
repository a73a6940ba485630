// Package model provides shared data models for the ragserve engine.
package model

// AnswerStatus is the terminal status of a handled query.
type AnswerStatus string

const (
	// StatusOK means the answer was generated and grounded in at least one citation.
	StatusOK AnswerStatus = "ok"
	// StatusNoGrounding means retrieval found nothing above the relevance threshold.
	StatusNoGrounding AnswerStatus = "no_grounding_found"
	// StatusGenerationFailed means the generation backend failed after retries.
	StatusGenerationFailed AnswerStatus = "generation_failed"
	// StatusInvalidRequest means the request was rejected before retrieval.
	StatusInvalidRequest AnswerStatus = "invalid_request"
)

// ChatRole tags a conversation message with its speaker.
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    ChatRole `json:"role"`
	Content string   `json:"content"`
}

// RetrievedPassage is a document chunk plus its relevance to one query.
// Produced per request by the retriever; never persisted.
type RetrievedPassage struct {
	ID         string            `json:"id"`
	Collection string            `json:"collection"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Score      float32           `json:"score"`
	Rank       int               `json:"rank"`
}

// TokenUsage reports token consumption of one generation call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Answer is the structured result returned for every handled query.
// Every terminal state of the engine yields a well-formed Answer.
type Answer struct {
	RequestID string             `json:"request_id"`
	Text      string             `json:"text"`
	Citations []RetrievedPassage `json:"citations"`
	Status    AnswerStatus       `json:"status"`
	Usage     *TokenUsage        `json:"usage,omitempty"`
}
