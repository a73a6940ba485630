package ragserve

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsedFlags(t *testing.T, opts *Options, args ...string) *pflag.FlagSet {
	t.Helper()

	fs := pflag.NewFlagSet("ragserve", pflag.ContinueOnError)
	opts.AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	t.Setenv("RAGSERVE_ADDR", ":9999")
	t.Setenv("RAGSERVE_CACHE_TTL", "2h")
	t.Setenv("RAGSERVE_ENGINE_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RAGSERVE_EMBEDDING_PROVIDER", "ollama")

	opts := NewOptions()
	fs := parsedFlags(t, opts)

	require.NoError(t, loadConfig("", fs, opts))
	assert.Equal(t, ":9999", opts.Addr)
	assert.Equal(t, 2*time.Hour, opts.Cache.TTL)
	assert.Equal(t, 5, opts.Engine.Retry.MaxAttempts)
	assert.Equal(t, "ollama", opts.Embedding.Provider)
}

func TestLoadConfigFlagBeatsEnv(t *testing.T) {
	t.Setenv("RAGSERVE_ADDR", ":9999")

	opts := NewOptions()
	fs := parsedFlags(t, opts, "--addr=:7777")

	require.NoError(t, loadConfig("", fs, opts))
	assert.Equal(t, ":7777", opts.Addr)
}

func TestLoadConfigFileTenants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ragserve.yaml")
	config := `addr: ":8181"
engine:
  generate-timeout: 30s
  no-grounding-message: "Nothing in the knowledge base covers that."
tenants:
  - id: acme
    name: Acme Corp
    collections: [kb_acme, kb_general]
    top-k: 6
    score-threshold: 0.3
    system-prompt: Answer formally.
    prompt-budget: 4000
    history-budget: 1000
    max-tokens: 512
    temperature: 0.3
`
	require.NoError(t, os.WriteFile(path, []byte(config), 0o644))

	opts := NewOptions()
	fs := parsedFlags(t, opts)

	require.NoError(t, loadConfig(path, fs, opts))
	require.NoError(t, opts.Validate())

	assert.Equal(t, ":8181", opts.Addr)
	assert.Equal(t, 30*time.Second, opts.Engine.GenerateTimeout)

	require.Len(t, opts.Tenants, 1)
	profile := opts.Tenants[0].ToProfile()
	assert.Equal(t, "acme", profile.ID)
	assert.Equal(t, []string{"kb_acme", "kb_general"}, profile.Collections)
	assert.Equal(t, 6, profile.TopK)
	assert.InDelta(t, 0.3, profile.ScoreThreshold, 1e-6)
	assert.Equal(t, 4000, profile.PromptBudget)
}

func TestEngineConfigsApplyKnobs(t *testing.T) {
	retrieverCfg, engineCfg := engineConfigs(&EngineOptions{
		EmbedTimeout:       2 * time.Second,
		SearchTimeout:      3 * time.Second,
		GenerateTimeout:    20 * time.Second,
		NoGroundingMessage: "No grounding.",
		Retry: &RetryOptions{
			MaxAttempts:  5,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   3.0,
		},
	})

	assert.Equal(t, 2*time.Second, retrieverCfg.EmbedTimeout)
	assert.Equal(t, 3*time.Second, retrieverCfg.SearchTimeout)
	assert.Equal(t, 5, retrieverCfg.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, retrieverCfg.Retry.InitialDelay)

	assert.Equal(t, 20*time.Second, engineCfg.GenerateTimeout)
	assert.Equal(t, "No grounding.", engineCfg.NoGroundingMessage)
	assert.Equal(t, 5, engineCfg.Retry.MaxAttempts)
	assert.Equal(t, 3.0, engineCfg.Retry.Multiplier)

	// The retryable predicates come from the defaults, not the options.
	assert.NotNil(t, retrieverCfg.Retry.RetryableErrors)
	assert.NotNil(t, engineCfg.Retry.RetryableErrors)
}

func TestEngineConfigsNilFallsBackToDefaults(t *testing.T) {
	retrieverCfg, engineCfg := engineConfigs(nil)
	assert.Equal(t, 10*time.Second, retrieverCfg.EmbedTimeout)
	assert.Equal(t, 60*time.Second, engineCfg.GenerateTimeout)
	assert.NotEmpty(t, engineCfg.NoGroundingMessage)
}

func TestNewTenantRegistryFromConfig(t *testing.T) {
	opts := NewOptions()
	opts.Tenants = []*TenantOptions{{
		ID:             "acme",
		Collections:    []string{"kb_acme"},
		TopK:           4,
		ScoreThreshold: 0.2,
		PromptBudget:   2000,
		HistoryBudget:  500,
	}}

	r, err := newTenantRegistry(opts)
	require.NoError(t, err)

	profile, err := r.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "kb_acme", profile.PrimaryCollection())

	// Configured tenants replace the built-ins.
	_, err = r.Get("b2b")
	assert.Error(t, err)
}

func TestNewTenantRegistryDefaults(t *testing.T) {
	r, err := newTenantRegistry(NewOptions())
	require.NoError(t, err)

	for _, id := range []string{"b2b", "b2c"} {
		_, err := r.Get(id)
		require.NoError(t, err)
	}
}

func TestNewTenantRegistryRejectsInvalidProfile(t *testing.T) {
	opts := NewOptions()
	opts.Tenants = []*TenantOptions{{ID: "acme"}}

	_, err := newTenantRegistry(opts)
	assert.Error(t, err)
}

func TestValidateRejectsBadTenant(t *testing.T) {
	opts := NewOptions()
	opts.Tenants = []*TenantOptions{{ID: "acme", Collections: []string{"kb_acme"}}}
	assert.Error(t, opts.Validate())
}
