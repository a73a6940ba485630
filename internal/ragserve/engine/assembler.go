package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/candor-ai/ragserve/internal/model"
	"github.com/candor-ai/ragserve/internal/ragserve/tenant"
	"github.com/candor-ai/ragserve/pkg/llm"
)

// ErrBudgetExceeded means the prompt cannot fit the profile budget
// even after dropping history and all but the top passage. Fatal for
// the request; retrying cannot shrink the content.
var ErrBudgetExceeded = errors.New("engine: prompt budget exceeded")

// Assembler builds the generation request from the query, the
// conversation history, and the retrieved passages, within the
// profile's character budgets.
type Assembler struct{}

// NewAssembler creates an assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assembled is the prompt plus the passages that actually made it into
// the context block. Citation markers [n] refer to Included[n-1].
type Assembled struct {
	Request  *llm.GenerateRequest
	Included []model.RetrievedPassage
}

// Assemble builds the prompt. History is truncated oldest-first until
// it fits the history budget; passages are added in rank order until
// the prompt budget is reached. If not even the top-ranked passage
// fits, the request fails with ErrBudgetExceeded.
func (a *Assembler) Assemble(
	profile *tenant.Profile,
	query string,
	history []model.ChatMessage,
	passages []model.RetrievedPassage,
) (*Assembled, error) {
	historyBlock := a.renderHistory(history, profile.HistoryBudget)

	var sb strings.Builder
	if historyBlock != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(historyBlock)
		sb.WriteString("\n")
	}
	sb.WriteString("Context:\n")

	question := fmt.Sprintf("\nQuestion: %s", query)
	fixed := sb.Len() + len(question)

	var included []model.RetrievedPassage
	for _, passage := range passages {
		line := fmt.Sprintf("[%d] %s\n", len(included)+1, flatten(passage.Text))
		if fixed+len(line) > profile.PromptBudget {
			if len(included) == 0 {
				return nil, fmt.Errorf("%w: top passage of %d chars cannot fit budget %d",
					ErrBudgetExceeded, len(line), profile.PromptBudget)
			}
			break
		}
		sb.WriteString(line)
		fixed += len(line)
		included = append(included, passage)
	}

	sb.WriteString(question)

	return &Assembled{
		Request: &llm.GenerateRequest{
			Prompt:       sb.String(),
			SystemPrompt: profile.SystemPrompt,
			Temperature:  profile.Temperature,
			MaxTokens:    profile.MaxTokens,
		},
		Included: included,
	}, nil
}

// renderHistory formats history turns, dropping the oldest whole
// messages until the block fits the budget. The newest turn is always
// retained; if it alone exceeds the budget its content is truncated.
func (a *Assembler) renderHistory(history []model.ChatMessage, budget int) string {
	if len(history) == 0 || budget <= 0 {
		return ""
	}

	lines := make([]string, len(history))
	for i, msg := range history {
		lines[i] = fmt.Sprintf("%s: %s\n", msg.Role, flatten(msg.Content))
	}

	total := 0
	for _, line := range lines {
		total += len(line)
	}

	start := 0
	for start < len(lines)-1 && total > budget {
		total -= len(lines[start])
		start++
	}

	if total > budget {
		newest := lines[start]
		if budget > 1 {
			newest = newest[:budget-1] + "\n"
		} else {
			newest = "\n"
		}
		return newest
	}

	return strings.Join(lines[start:], "")
}

// flatten collapses newlines so each passage and history turn stays on
// one line of the prompt.
func flatten(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
