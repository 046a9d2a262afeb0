package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, "openai_compat", cfg.LLM.Provider)
	assert.Equal(t, "structured", cfg.Context.Mode)
	assert.Equal(t, 5, cfg.Tools.MaxRounds)
	assert.True(t, cfg.EmptyReply.DegradeEnabled)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// json5: comments and trailing commas are allowed
	require.NoError(t, os.WriteFile(path, []byte(`{
		// provider selection
		llm: {provider: "anthropic", model: "claude-sonnet-4-5", api_key_list: [123, "sk-b"]},
		proactive: {heat_threshold: 7,},
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, []string{"123", "sk-b"}, []string(cfg.LLM.APIKeys))
	assert.Equal(t, 7.0, cfg.Proactive.HeatThreshold)
	// untouched sections keep defaults
	assert.Equal(t, 300, cfg.Tools.CacheTTLSeconds)
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{llm: {provider: "hal9000"}}`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown llm provider")
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("MIKA_API_KEYS", "k1, k2 ,")
	t.Setenv("MIKA_MODEL", "gpt-5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, []string(cfg.LLM.APIKeys))
	assert.Equal(t, "gpt-5", cfg.LLM.Model)
}

func TestErrorMessageRendering(t *testing.T) {
	cfg := Default()
	cfg.Bot.Name = "Mika"
	msg := cfg.ErrorMessage("rate_limit")
	assert.Contains(t, msg, "Mika")

	// unknown key falls back to the generic template
	assert.Equal(t, cfg.ErrorMessage("unknown"), cfg.ErrorMessage("no_such_key"))
}
