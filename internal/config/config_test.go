package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.Equal(t, 0.7, cfg.LLM.Temperature)
	assert.Equal(t, 1000, cfg.Memory.CacheSize)
	assert.Equal(t, 30.0, cfg.Tools.Timeout)
	assert.Equal(t, 3, cfg.Tools.MaxParallel)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
bogus_top_level_key: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadValidatesLLMProvider(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: not-a-real-provider
`)
	_, err := Load(path)
	require.Error(t, err)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Issues[0], "llm.provider")
}

func TestLoadValidatesMaxTokensRange(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
  max_tokens: 999999
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Issues[0], "llm.max_tokens")
}

func TestLoadValidatesToolMaxParallelRange(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
tools:
  max_parallel: 50
`)
	_, err := Load(path)
	var verr *ConfigValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Issues[0], "tools.max_parallel")
}

func TestLoadEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
  model: claude-sonnet
`)
	t.Setenv("LOOM_LLM_MODEL", "claude-opus")
	t.Setenv("LOOM_LLM_MAX_TOKENS", "8192")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus", cfg.LLM.Model)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens)
}

func TestLoadHonoursBareProviderKeyEnvVars(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
`)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test-key", cfg.LLM.AnthropicKey)
}

func TestLoadExpandsTildeInMemoryDBPath(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
memory:
  db_path: "~/custom/memory.db"
`)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "custom/memory.db"), cfg.Memory.DBPath)
}

func TestLoadExpandsTildeInToolAllowedPaths(t *testing.T) {
	path := writeConfigFile(t, `llm:
  provider: anthropic
tools:
  allowed_paths:
    - "~/projects"
    - "/tmp/scratch"
`)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "projects"), cfg.Tools.AllowedPaths[0])
	assert.Equal(t, "/tmp/scratch", cfg.Tools.AllowedPaths[1])
}

func TestToolTimeoutConvertsSecondsToDuration(t *testing.T) {
	cfg := &Config{Tools: ToolConfig{Timeout: 2.5}}
	assert.Equal(t, 2500_000_000.0, float64(cfg.ToolTimeout()))
}
