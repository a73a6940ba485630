package engine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
)

func assemblerProfile() *tenant.Profile {
	return &tenant.Profile{
		ID:             "b2c",
		Collections:    []string{"b2c"},
		TopK:           5,
		ScoreThreshold: 0.2,
		SystemPrompt:   "Answer casually.",
		PromptBudget:   500,
		HistoryBudget:  120,
		Temperature:    0.5,
		MaxTokens:      256,
	}
}

func passage(id, text string, rank int) model.RetrievedPassage {
	return model.RetrievedPassage{ID: id, Text: text, Rank: rank, Score: 0.9}
}

func TestAssembleNumbersPassagesByRank(t *testing.T) {
	a := NewAssembler()

	assembled, err := a.Assemble(assemblerProfile(), "How long do refunds take?", nil, []model.RetrievedPassage{
		passage("c1", "Refunds are processed within 5 days.", 1),
		passage("c2", "Shipping is free.", 2),
	})
	require.NoError(t, err)

	prompt := assembled.Request.Prompt
	assert.Contains(t, prompt, "[1] Refunds are processed within 5 days.")
	assert.Contains(t, prompt, "[2] Shipping is free.")
	assert.Less(t, strings.Index(prompt, "[1]"), strings.Index(prompt, "[2]"))
	assert.Contains(t, prompt, "Question: How long do refunds take?")
	assert.Len(t, assembled.Included, 2)
}

func TestAssembleCarriesProfileParameters(t *testing.T) {
	a := NewAssembler()
	profile := assemblerProfile()

	assembled, err := a.Assemble(profile, "q", nil, []model.RetrievedPassage{passage("c1", "text", 1)})
	require.NoError(t, err)

	assert.Equal(t, profile.SystemPrompt, assembled.Request.SystemPrompt)
	assert.Equal(t, profile.Temperature, assembled.Request.Temperature)
	assert.Equal(t, profile.MaxTokens, assembled.Request.MaxTokens)
}

func TestAssembleDropsPassagesOverBudget(t *testing.T) {
	a := NewAssembler()
	profile := assemblerProfile()
	profile.PromptBudget = 160

	long := strings.Repeat("refund details ", 6)
	assembled, err := a.Assemble(profile, "q", nil, []model.RetrievedPassage{
		passage("c1", long, 1),
		passage("c2", long, 2),
		passage("c3", long, 3),
	})
	require.NoError(t, err)

	assert.Len(t, assembled.Included, 1, "only the top passage fits the budget")
	assert.Equal(t, "c1", assembled.Included[0].ID)
	assert.NotContains(t, assembled.Request.Prompt, "[2]")
}

func TestAssembleBudgetExceeded(t *testing.T) {
	a := NewAssembler()
	profile := assemblerProfile()
	profile.PromptBudget = 40
	profile.HistoryBudget = 10

	_, err := a.Assemble(profile, "q", nil, []model.RetrievedPassage{
		passage("c1", strings.Repeat("x", 200), 1),
	})
	assert.ErrorIs(t, err, ErrBudgetExceeded)
}

func TestAssembleHistoryTruncatesOldestFirst(t *testing.T) {
	a := NewAssembler()
	profile := assemblerProfile()
	profile.HistoryBudget = 80

	var history []model.ChatMessage
	for i := 1; i <= 5; i++ {
		history = append(history,
			model.ChatMessage{Role: model.RoleUser, Content: fmt.Sprintf("question number %d", i)},
			model.ChatMessage{Role: model.RoleAssistant, Content: fmt.Sprintf("answer number %d", i)},
		)
	}

	assembled, err := a.Assemble(profile, "q", history, []model.RetrievedPassage{passage("c1", "text", 1)})
	require.NoError(t, err)

	prompt := assembled.Request.Prompt
	assert.NotContains(t, prompt, "question number 1")
	assert.Contains(t, prompt, "answer number 5", "newest turns survive truncation")
}

func TestAssembleRetainsOversizedNewestTurn(t *testing.T) {
	a := NewAssembler()
	profile := assemblerProfile()
	profile.HistoryBudget = 30

	history := []model.ChatMessage{
		{Role: model.RoleUser, Content: strings.Repeat("refund status question ", 4)},
	}

	assembled, err := a.Assemble(profile, "q", history, []model.RetrievedPassage{passage("c1", "text", 1)})
	require.NoError(t, err)

	prompt := assembled.Request.Prompt
	assert.Contains(t, prompt, "Conversation so far:", "newest turn survives even over budget")
	assert.Contains(t, prompt, "user: refund status")
}

func TestAssembleOmitsEmptyHistoryBlock(t *testing.T) {
	a := NewAssembler()

	assembled, err := a.Assemble(assemblerProfile(), "q", nil, []model.RetrievedPassage{passage("c1", "text", 1)})
	require.NoError(t, err)
	assert.NotContains(t, assembled.Request.Prompt, "Conversation so far:")
}

func TestAssembleFlattensMultilinePassages(t *testing.T) {
	a := NewAssembler()

	assembled, err := a.Assemble(assemblerProfile(), "q", nil, []model.RetrievedPassage{
		passage("c1", "Refunds are\nprocessed within\n5 days.", 1),
	})
	require.NoError(t, err)
	assert.Contains(t, assembled.Request.Prompt, "[1] Refunds are processed within 5 days.")
}
