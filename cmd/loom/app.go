// Package main provides the CLI entry point for the loom agent runtime.
//
// loom assembles persistent memory, a prompt assembler, an LLM client with
// provider failover, and a tool registry behind a Conversation Loop, and
// exposes it as a small set of Cobra subcommands: serve, chat, status, and
// memory gc.
//
// # Basic Usage
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Run a single turn from the terminal:
//
//	loom chat "what's in my notes about the migration?"
//
// Check system status:
//
//	loom status
//
// Force a memory lifecycle sweep:
//
//	loom memory gc
//
// # Environment Variables
//
//   - LOOM_CONFIG: path to the configuration file (default: loom.yaml)
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, DASHSCOPE_API_KEY: provider credentials
//   - LOOM_LLM_PROVIDER, LOOM_LLM_MODEL, LOOM_MEMORY_DB_PATH, ...: see internal/config
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/loomagent/loom/internal/agent"
	"github.com/loomagent/loom/internal/config"
	"github.com/loomagent/loom/internal/identity"
	"github.com/loomagent/loom/internal/llm"
	"github.com/loomagent/loom/internal/llm/providers"
	"github.com/loomagent/loom/internal/memory"
	"github.com/loomagent/loom/internal/observability"
	"github.com/loomagent/loom/internal/prompt"
	"github.com/loomagent/loom/internal/tools"
	"github.com/loomagent/loom/internal/tools/shell"
	"github.com/loomagent/loom/internal/tools/web"
	"github.com/loomagent/loom/pkg/models"
)

// app bundles every component the CLI subcommands need, wired together from
// a loaded Config. Callers must call Close when done to release the memory
// store's database handle and stop the lifecycle sweep.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	memory  *memory.Manager
	tools   *tools.Registry
	llm     *llm.Client
	loop    *agent.Loop

	lifecycleCancel context.CancelFunc
}

// newApp loads configPath and wires every component per its configuration.
func newApp(configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	mem, err := memory.NewManager(memory.ManagerConfig{
		DBPath:    cfg.Memory.DBPath,
		CacheSize: cfg.Memory.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	adapters, err := buildAdapters(cfg.LLM)
	if err != nil {
		mem.Close()
		return nil, err
	}
	llmClient, err := llm.NewClient(adapters, nil)
	if err != nil {
		mem.Close()
		return nil, err
	}
	llmClient.SetMetrics(metrics)

	registry := tools.NewRegistry(cfg.ToolTimeout())
	registry.SetMetrics(metrics)
	if err := registry.Register(shell.New("", cfg.ToolTimeout())); err != nil {
		mem.Close()
		return nil, fmt.Errorf("failed to register shell tool: %w", err)
	}
	if err := registry.Register(web.New()); err != nil {
		mem.Close()
		return nil, fmt.Errorf("failed to register web tool: %w", err)
	}

	identityProvider := identity.NewProvider(".", "")
	assembler := prompt.NewAssembler(mem, identityProvider, prompt.Config{
		MaxContextTokens:      maxContextTokens,
		ResponseReserveTokens: cfg.LLM.MaxTokens,
	}, nil)

	monitor := agent.NewMonitor()
	monitor.SetLLMInfo(cfg.LLM.Provider, cfg.LLM.Model)
	loop := agent.NewLoop(assembler, llmClient, registry, mem, monitor, agent.LoopOptions{
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}, logger)
	loop.SetMetrics(metrics)

	lifecycleCtx, cancel := context.WithCancel(context.Background())
	go mem.Lifecycle().Run(lifecycleCtx)

	return &app{
		cfg:             cfg,
		logger:          logger,
		metrics:         metrics,
		memory:          mem,
		tools:           registry,
		llm:             llmClient,
		loop:            loop,
		lifecycleCancel: cancel,
	}, nil
}

// maxContextTokens bounds the prompt assembler's history budget. Not yet
// exposed as a config field; revisit if a provider's context window needs to
// vary independently of max_tokens.
const maxContextTokens = 128_000

// Close stops the memory lifecycle sweep and releases the database handle.
func (a *app) Close() error {
	a.lifecycleCancel()
	return a.memory.Close()
}

// status computes a point-in-time AgentStatus snapshot, filling in the
// counts the Task Monitor doesn't track itself (memory entry count, tool
// registry size).
func (a *app) status(ctx context.Context) (models.AgentStatus, error) {
	count, err := a.memory.Count(ctx, "")
	if err != nil {
		return models.AgentStatus{}, fmt.Errorf("failed to count memory entries: %w", err)
	}
	available := len(a.tools.List())
	return a.loop.Monitor().Status(agent.StatusInputs{
		MemoryCount:    count,
		ActiveTools:    available,
		AvailableTools: available,
	}), nil
}

// buildAdapters constructs the ordered adapter chain: the configured primary
// first, then fallback_chain in order. Both the anthropic and openai/
// dashscope adapters are built whenever their credentials are present, so a
// provider can appear in the fallback chain without also being primary.
func buildAdapters(cfg config.LLMConfig) ([]llm.Adapter, error) {
	byName := make(map[string]llm.Adapter)

	if cfg.AnthropicKey != "" {
		a, err := providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:       cfg.AnthropicKey,
			DefaultModel: cfg.Model,
			MaxRetries:   2,
			RetryDelay:   time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build anthropic adapter: %w", err)
		}
		byName["anthropic"] = a
	}
	if cfg.OpenAIKey != "" {
		a, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.OpenAIKey,
			DefaultModel: cfg.Model,
			MaxRetries:   2,
			RetryDelay:   time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build openai adapter: %w", err)
		}
		byName["openai"] = a
	}
	if cfg.DashScopeKey != "" {
		a, err := providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:       cfg.DashScopeKey,
			BaseURL:      cfg.OpenAIBaseURL,
			DefaultModel: cfg.Model,
			MaxRetries:   2,
			RetryDelay:   time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build dashscope adapter: %w", err)
		}
		byName["dashscope"] = a
	}

	order := append([]string{cfg.Provider}, cfg.FallbackChain...)
	var adapters []llm.Adapter
	seen := make(map[string]bool)
	for _, name := range order {
		if seen[name] {
			continue
		}
		seen[name] = true
		a, ok := byName[name]
		if !ok {
			continue
		}
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no llm adapter configured: provider %q has no matching credentials", cfg.Provider)
	}
	return adapters, nil
}
