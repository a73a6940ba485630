// Package tenant holds per-tenant retrieval and generation profiles.
// A profile binds a tenant to its own knowledge-base collection and
// tuning; the engine resolves it once per request and treats it as
// immutable afterwards.
package tenant

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTenant is returned for a tenant ID with no profile.
var ErrUnknownTenant = errors.New("tenant: unknown tenant")

// Profile is the per-tenant configuration applied to every query.
type Profile struct {
	// ID is the tenant identifier carried on requests.
	ID string
	// Name is a human-readable label.
	Name string
	// Collections are the tenant's vector store collections, primary
	// first. Retrieval never leaves them; ingestion targets the
	// primary.
	Collections []string
	// TopK is the retrieval depth.
	TopK int
	// ScoreThreshold is the minimum similarity for a passage to count
	// as grounding.
	ScoreThreshold float32
	// SystemPrompt sets the answer register for this tenant.
	SystemPrompt string
	// PromptBudget caps the assembled prompt size in characters.
	PromptBudget int
	// HistoryBudget caps the conversation history slice of the prompt.
	HistoryBudget int
	// MaxTokens caps the generated answer length.
	MaxTokens int
	// Temperature controls generation randomness.
	Temperature float64
}

// Validate checks that a profile is usable.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("tenant: profile without id")
	}
	if len(p.Collections) == 0 {
		return fmt.Errorf("tenant %s: profile without collections", p.ID)
	}
	for _, name := range p.Collections {
		if name == "" {
			return fmt.Errorf("tenant %s: empty collection name", p.ID)
		}
	}
	if p.TopK <= 0 {
		return fmt.Errorf("tenant %s: non-positive top_k %d", p.ID, p.TopK)
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 1 {
		return fmt.Errorf("tenant %s: score_threshold %v out of [0,1]", p.ID, p.ScoreThreshold)
	}
	if p.PromptBudget <= 0 {
		return fmt.Errorf("tenant %s: non-positive prompt_budget %d", p.ID, p.PromptBudget)
	}
	if p.HistoryBudget < 0 || p.HistoryBudget >= p.PromptBudget {
		return fmt.Errorf("tenant %s: history_budget %d out of range", p.ID, p.HistoryBudget)
	}
	return nil
}

// PrimaryCollection is the collection new documents are ingested into.
func (p *Profile) PrimaryCollection() string {
	return p.Collections[0]
}

// Registry resolves tenant IDs to profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// NewDefaultRegistry creates a registry preloaded with the built-in
// b2b and b2c profiles.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, p := range DefaultProfiles() {
		// Built-in profiles are valid by construction.
		_ = r.Register(p)
	}
	return r
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
	return nil
}

// Get resolves a tenant ID. Returns ErrUnknownTenant when no profile
// exists.
func (r *Registry) Get(tenantID string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, tenantID)
	}
	return p, nil
}

// List returns all registered tenant IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	return ids
}

// DefaultProfiles returns the built-in tenant profiles. The b2b
// profile retrieves deeper and answers formally; the b2c profile
// retrieves shallower with a stricter threshold and answers casually.
// Both also retrieve from the shared kb_general collection.
func DefaultProfiles() []*Profile {
	return []*Profile{
		{
			ID:             "b2b",
			Name:           "Business accounts",
			Collections:    []string{"kb_b2b", "kb_general"},
			TopK:           8,
			ScoreThreshold: 0.2,
			SystemPrompt: "You are a support assistant for business customers. " +
				"Answer formally and precisely, citing the numbered context passages " +
				"as [n]. Only use information from the provided context. If the " +
				"context does not answer the question, say so.",
			PromptBudget:  8000,
			HistoryBudget: 2000,
			MaxTokens:     1024,
			Temperature:   0.2,
		},
		{
			ID:             "b2c",
			Name:           "Consumer accounts",
			Collections:    []string{"kb_b2c", "kb_general"},
			TopK:           5,
			ScoreThreshold: 0.25,
			SystemPrompt: "You are a friendly support assistant for consumers. " +
				"Answer in a warm, plain tone, citing the numbered context passages " +
				"as [n]. Only use information from the provided context. If the " +
				"context does not answer the question, say so.",
			PromptBudget:  6000,
			HistoryBudget: 2000,
			MaxTokens:     512,
			Temperature:   0.5,
		},
	}
}
