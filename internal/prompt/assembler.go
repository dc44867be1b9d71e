// Package prompt assembles the ordered list of Messages handed to an LLM
// adapter for one turn: a system message (identity + memory context + tool
// list) followed by as much prior conversation history as the token budget
// allows, followed by the current user message.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loomagent/loom/pkg/models"
)

// MemoryRetriever is the subset of the Memory Manager's contract the
// assembler needs.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, topK int, memoryType models.MemoryType) ([]*models.MemoryEntry, error)
}

// IdentityProvider is the subset of the Identity Provider's contract the
// assembler needs.
type IdentityProvider interface {
	GetSystemPrompt() string
}

const (
	memoryTopK = 5

	memoryHeader = "## Relevant Context from Memory"
	toolsHeader  = "## Available Tools"
)

// Config bounds the assembler's token budget.
type Config struct {
	MaxContextTokens      int
	ResponseReserveTokens int
}

// Assembler builds the message list for one turn.
type Assembler struct {
	Memory   MemoryRetriever
	Identity IdentityProvider
	Config   Config
	Logger   *slog.Logger
}

// NewAssembler builds an Assembler. Memory may be nil (no memory context is
// added and retrieval is skipped).
func NewAssembler(memory MemoryRetriever, identity IdentityProvider, cfg Config, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{Memory: memory, Identity: identity, Config: cfg, Logger: logger}
}

// Build returns the ordered Messages for one LLM call: a system message,
// then as much of history (newest-affordable-first, re-sorted back to
// chronological order) as fits the remaining budget, then userText as the
// final user message.
func (a *Assembler) Build(ctx context.Context, userText string, history []models.Message, tools []models.ToolDefinition) []models.Message {
	system := a.buildSystemMessage(ctx, userText, tools)
	userMsg := models.NewUserMessage(userText)

	remaining := a.Config.MaxContextTokens - a.Config.ResponseReserveTokens - estimate(system.Content) - estimate(userText)

	kept := a.fitHistory(history, remaining)
	kept = dropPartialTurns(kept)

	messages := make([]models.Message, 0, len(kept)+2)
	messages = append(messages, system)
	messages = append(messages, kept...)
	messages = append(messages, userMsg)
	return messages
}

func (a *Assembler) buildSystemMessage(ctx context.Context, userText string, tools []models.ToolDefinition) models.Message {
	var sections []string

	identityPrompt := ""
	if a.Identity != nil {
		identityPrompt = a.Identity.GetSystemPrompt()
	}
	if identityPrompt != "" {
		sections = append(sections, identityPrompt)
	}

	if memSection := a.memorySection(ctx, userText); memSection != "" {
		sections = append(sections, memSection)
	}

	if toolsSection := toolsSection(tools); toolsSection != "" {
		sections = append(sections, toolsSection)
	}

	return models.Message{Role: models.RoleSystem, Content: strings.Join(sections, "\n\n")}
}

func (a *Assembler) memorySection(ctx context.Context, userText string) string {
	if a.Memory == nil {
		return ""
	}
	entries, err := a.Memory.Retrieve(ctx, userText, memoryTopK, "")
	if err != nil {
		a.Logger.Warn("memory retrieval failed during prompt assembly, skipping", "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(memoryHeader)
	for _, e := range entries {
		b.WriteString("\n- ")
		b.WriteString(e.Content)
	}
	return b.String()
}

func toolsSection(tools []models.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(toolsHeader)
	for _, t := range tools {
		fmt.Fprintf(&b, "\n- %s: %s", t.Name, t.Description)
	}
	return b.String()
}

// fitHistory walks history newest-to-oldest, keeping each message whose
// estimated cost still fits the remaining budget, then returns the kept
// messages back in chronological order.
func (a *Assembler) fitHistory(history []models.Message, remaining int) []models.Message {
	var kept []models.Message
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimate(history[i].Content)
		if cost > remaining {
			continue
		}
		remaining -= cost
		kept = append(kept, history[i])
	}

	// kept is newest-first; reverse to chronological order.
	for l, r := 0, len(kept)-1; l < r; l, r = l+1, r-1 {
		kept[l], kept[r] = kept[r], kept[l]
	}
	return kept
}

// dropPartialTurns removes an assistant message with unanswered tool_calls,
// together with any tool-result messages answering calls it did make, when
// the matching tool message for every call was dropped by the budget walk.
// It also drops the reverse case: a tool-result message whose requesting
// assistant message was itself dropped by the budget walk, leaving it an
// orphan. A partial turn is never useful to the model without its tool
// context in either direction.
func dropPartialTurns(messages []models.Message) []models.Message {
	answeredByToolMsg := make(map[string]bool)
	for _, m := range messages {
		if m.Role == models.RoleTool {
			answeredByToolMsg[m.ToolCallID] = true
		}
	}

	// First pass: decide which assistant messages survive, and collect the
	// tool_call IDs only a surviving assistant message actually requested.
	requested := make(map[string]bool)
	keepAssistant := make([]bool, len(messages))
	for i, m := range messages {
		if m.Role != models.RoleAssistant || !m.HasPendingToolCalls() {
			keepAssistant[i] = true
			continue
		}
		fullyAnswered := true
		for _, tc := range m.ToolCalls {
			if !answeredByToolMsg[tc.ID] {
				fullyAnswered = false
				break
			}
		}
		keepAssistant[i] = fullyAnswered
		if fullyAnswered {
			for _, tc := range m.ToolCalls {
				requested[tc.ID] = true
			}
		}
	}

	kept := make([]models.Message, 0, len(messages))
	for i, m := range messages {
		if m.Role == models.RoleAssistant && m.HasPendingToolCalls() {
			if !keepAssistant[i] {
				continue
			}
		}
		if m.Role == models.RoleTool && !requested[m.ToolCallID] {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// estimate gives the same ~4-chars-per-token approximation used by the LLM
// adapters' own CountTokens, so the assembler's budget accounting agrees
// with what the client will actually see.
func estimate(s string) int {
	return len(s) / 4
}
