package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candor-ai/ragserve/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndHistory(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	conv := NewConversationID()

	require.NoError(t, s.Append(ctx, conv, "b2c",
		model.ChatMessage{Role: model.RoleUser, Content: "How long do refunds take?"},
		model.ChatMessage{Role: model.RoleAssistant, Content: "Refunds take 5 days."},
	))
	require.NoError(t, s.Append(ctx, conv, "b2c",
		model.ChatMessage{Role: model.RoleUser, Content: "And for business orders?"},
	))

	messages, err := s.History(ctx, conv, 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, model.RoleUser, messages[0].Role)
	assert.Equal(t, "How long do refunds take?", messages[0].Content)
	assert.Equal(t, "And for business orders?", messages[2].Content)
}

func TestHistoryLimitReturnsNewest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	conv := NewConversationID()

	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Append(ctx, conv, "b2c",
			model.ChatMessage{Role: model.RoleUser, Content: fmt.Sprintf("turn %d", i)},
		))
	}

	messages, err := s.History(ctx, conv, 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "turn 5", messages[0].Content)
	assert.Equal(t, "turn 6", messages[1].Content)
}

func TestHistoryIsolatedPerConversation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := NewConversationID()
	second := NewConversationID()

	require.NoError(t, s.Append(ctx, first, "b2c",
		model.ChatMessage{Role: model.RoleUser, Content: "first conversation"}))
	require.NoError(t, s.Append(ctx, second, "b2b",
		model.ChatMessage{Role: model.RoleUser, Content: "second conversation"}))

	messages, err := s.History(ctx, first, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "first conversation", messages[0].Content)
}

func TestDeleteConversation(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	conv := NewConversationID()

	require.NoError(t, s.Append(ctx, conv, "b2c",
		model.ChatMessage{Role: model.RoleUser, Content: "to be deleted"}))
	require.NoError(t, s.Delete(ctx, conv))

	messages, err := s.History(ctx, conv, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestAppendValidation(t *testing.T) {
	s := openStore(t)

	err := s.Append(context.Background(), "", "b2c",
		model.ChatMessage{Role: model.RoleUser, Content: "x"})
	assert.Error(t, err)

	assert.NoError(t, s.Append(context.Background(), NewConversationID(), "b2c"))
}
