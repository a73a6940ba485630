package tenant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistryResolvesBuiltins(t *testing.T) {
	r := NewDefaultRegistry()

	b2b, err := r.Get("b2b")
	require.NoError(t, err)
	assert.Equal(t, []string{"kb_b2b", "kb_general"}, b2b.Collections)
	assert.Equal(t, "kb_b2b", b2b.PrimaryCollection())

	b2c, err := r.Get("b2c")
	require.NoError(t, err)
	assert.Equal(t, []string{"kb_b2c", "kb_general"}, b2c.Collections)

	assert.NotEqual(t, b2b.PrimaryCollection(), b2c.PrimaryCollection())
	assert.NotEqual(t, b2b.SystemPrompt, b2c.SystemPrompt)
}

func TestGetUnknownTenant(t *testing.T) {
	r := NewDefaultRegistry()

	_, err := r.Get("b2x")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestRegisterReplacesProfile(t *testing.T) {
	r := NewDefaultRegistry()

	custom := &Profile{
		ID:             "b2c",
		Name:           "Custom consumer",
		Collections:    []string{"kb_custom"},
		TopK:           3,
		ScoreThreshold: 0.5,
		PromptBudget:   4000,
		HistoryBudget:  1000,
	}
	require.NoError(t, r.Register(custom))

	got, err := r.Get("b2c")
	require.NoError(t, err)
	assert.Equal(t, "kb_custom", got.PrimaryCollection())
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		name    string
		profile *Profile
	}{
		{"missing id", &Profile{Collections: []string{"kb"}, TopK: 5, PromptBudget: 100}},
		{"missing collections", &Profile{ID: "x", TopK: 5, PromptBudget: 100}},
		{"empty collection name", &Profile{ID: "x", Collections: []string{""}, TopK: 5, PromptBudget: 100}},
		{"zero top_k", &Profile{ID: "x", Collections: []string{"kb"}, PromptBudget: 100}},
		{"threshold above one", &Profile{ID: "x", Collections: []string{"kb"}, TopK: 5, ScoreThreshold: 1.5, PromptBudget: 100}},
		{"history exceeds prompt budget", &Profile{ID: "x", Collections: []string{"kb"}, TopK: 5, PromptBudget: 100, HistoryBudget: 100}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, r.Register(tc.profile))
		})
	}
}

func TestListTenants(t *testing.T) {
	r := NewDefaultRegistry()
	assert.ElementsMatch(t, []string{"b2b", "b2c"}, r.List())
}
