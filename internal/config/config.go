// Package config loads the root Config from a YAML file, applies LOOM_-
// prefixed environment overrides (plus bare provider-key variables), fills
// defaults, and validates the result.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Tools   ToolConfig    `yaml:"tools"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the provider chain the LLM Client dispatches to.
type LLMConfig struct {
	Provider      string   `yaml:"provider"`
	Model         string   `yaml:"model"`
	MaxTokens     int      `yaml:"max_tokens"`
	Temperature   float64  `yaml:"temperature"`
	AnthropicKey  string   `yaml:"anthropic_api_key"`
	OpenAIKey     string   `yaml:"openai_api_key"`
	DashScopeKey  string   `yaml:"dashscope_api_key"`
	OpenAIBaseURL string   `yaml:"openai_base_url"`
	FallbackChain []string `yaml:"fallback_chain"`
}

// MemoryConfig configures the Memory Manager's storage backend and cache.
type MemoryConfig struct {
	DBPath    string `yaml:"db_path"`
	CacheSize int    `yaml:"cache_size"`
}

// ToolConfig configures the Tool Registry's execution bounds.
type ToolConfig struct {
	Timeout      float64  `yaml:"timeout"`
	MaxParallel  int      `yaml:"max_parallel"`
	AllowedPaths []string `yaml:"allowed_paths"`
}

// ServerConfig configures the process entry point's listening surface.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path as YAML (after expanding $VAR references in the raw file),
// applies environment overrides, fills defaults, validates, and returns the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := expandPaths(&cfg); err != nil {
		return nil, err
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.Memory.DBPath == "" {
		cfg.Memory.DBPath = "~/.loom/memory.db"
	}
	if cfg.Memory.CacheSize == 0 {
		cfg.Memory.CacheSize = 1000
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30.0
	}
	if cfg.Tools.MaxParallel == 0 {
		cfg.Tools.MaxParallel = 3
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides applies LOOM_-prefixed overrides plus the bare
// provider-key environment variables conventionally used for secrets.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v := strings.TrimSpace(os.Getenv("LOOM_LLM_PROVIDER")); v != "" {
		cfg.LLM.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_LLM_MODEL")); v != "" {
		cfg.LLM.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_LLM_MAX_TOKENS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxTokens = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_LLM_TEMPERATURE")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.Temperature = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_OPENAI_BASE_URL")); v != "" {
		cfg.LLM.OpenAIBaseURL = v
	}

	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.LLM.OpenAIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")); v != "" {
		cfg.LLM.DashScopeKey = v
	}

	if v := strings.TrimSpace(os.Getenv("LOOM_MEMORY_DB_PATH")); v != "" {
		cfg.Memory.DBPath = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_MEMORY_CACHE_SIZE")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Memory.CacheSize = parsed
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOOM_TOOL_TIMEOUT")); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tools.Timeout = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_TOOL_MAX_PARALLEL")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Tools.MaxParallel = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_TOOL_ALLOWED_PATHS")); v != "" {
		cfg.Tools.AllowedPaths = strings.Split(v, ",")
	}

	if v := strings.TrimSpace(os.Getenv("LOOM_LOGGING_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("LOOM_LOGGING_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
}

// expandPaths expands a leading "~" in memory_db_path and every allowed_paths
// entry to the user's home directory.
func expandPaths(cfg *Config) error {
	expanded, err := expandHome(cfg.Memory.DBPath)
	if err != nil {
		return err
	}
	cfg.Memory.DBPath = expanded

	for i, p := range cfg.Tools.AllowedPaths {
		expanded, err := expandHome(strings.TrimSpace(p))
		if err != nil {
			return err
		}
		cfg.Tools.AllowedPaths[i] = expanded
	}
	return nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand ~ in %q: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// ConfigValidationError reports every field that failed validation at once.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	switch cfg.LLM.Provider {
	case "anthropic", "openai", "dashscope":
	default:
		issues = append(issues, fmt.Sprintf("llm.provider: must be one of anthropic, openai, dashscope, got %q", cfg.LLM.Provider))
	}
	if cfg.LLM.MaxTokens < 1 || cfg.LLM.MaxTokens > 200000 {
		issues = append(issues, fmt.Sprintf("llm.max_tokens: must be in [1,200000], got %d", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		issues = append(issues, fmt.Sprintf("llm.temperature: must be in [0,2], got %v", cfg.LLM.Temperature))
	}
	if cfg.Memory.CacheSize < 10 || cfg.Memory.CacheSize > 100000 {
		issues = append(issues, fmt.Sprintf("memory.cache_size: must be in [10,100000], got %d", cfg.Memory.CacheSize))
	}
	if cfg.Tools.Timeout < 1.0 || cfg.Tools.Timeout > 300.0 {
		issues = append(issues, fmt.Sprintf("tools.timeout: must be in [1.0,300.0], got %v", cfg.Tools.Timeout))
	}
	if cfg.Tools.MaxParallel < 1 || cfg.Tools.MaxParallel > 10 {
		issues = append(issues, fmt.Sprintf("tools.max_parallel: must be in [1,10], got %d", cfg.Tools.MaxParallel))
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}

// ToolTimeout converts Tools.Timeout (seconds) to a time.Duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.Timeout * float64(time.Second))
}
