package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9340, cfg.Server.Port)
	assert.Equal(t, "heuristic", cfg.LLM.Provider)
	assert.Equal(t, 10*time.Minute, cfg.Knowledge.PreviewTTL.Duration())
	assert.InDelta(t, 0.5, cfg.Knowledge.EscalationThreshold, 1e-9)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 8400
knowledge:
  preview_ttl: 2m
  escalation_threshold: 0.7
llm:
  provider: heuristic
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8400, cfg.Server.Port)
	assert.Equal(t, 2*time.Minute, cfg.Knowledge.PreviewTTL.Duration())
	assert.InDelta(t, 0.7, cfg.Knowledge.EscalationThreshold, 1e-9)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8400\n"), 0o600))

	t.Setenv("RAVEND_SERVER_PORT", "8500")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8500, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_LLMProviderNeedsKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "anthropic"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")

	cfg.LLM.APIKey = Secret("sk-test")
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := Default()
	cfg.Knowledge.EscalationThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Knowledge.SimilarityThreshold = 0
	// zero is refilled by defaults only at load time; direct zero is invalid
	assert.Error(t, cfg.Validate())
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-very-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-very-secret", s.Value())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "very-secret")
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
