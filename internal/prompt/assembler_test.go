package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomagent/loom/pkg/models"
)

type fakeIdentity struct{ prompt string }

func (f fakeIdentity) GetSystemPrompt() string { return f.prompt }

type fakeMemory struct {
	entries []*models.MemoryEntry
	err     error
}

func (f fakeMemory) Retrieve(ctx context.Context, query string, topK int, memoryType models.MemoryType) ([]*models.MemoryEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func assembledContent(t *testing.T, messages []models.Message, role models.Role) string {
	t.Helper()
	for _, m := range messages {
		if m.Role == role {
			return m.Content
		}
	}
	t.Fatalf("no message with role %q found", role)
	return ""
}

func TestBuildIncludesIdentityMemoryAndTools(t *testing.T) {
	a := NewAssembler(
		fakeMemory{entries: []*models.MemoryEntry{{Content: "user prefers concise answers"}}},
		fakeIdentity{prompt: "You are Loom."},
		Config{MaxContextTokens: 1000, ResponseReserveTokens: 100},
		nil,
	)

	tools := []models.ToolDefinition{{Name: "shell", Description: "run a shell command"}}
	messages := a.Build(context.Background(), "hello", nil, tools)

	require.Len(t, messages, 2)
	system := assembledContent(t, messages, models.RoleSystem)
	assert.Contains(t, system, "You are Loom.")
	assert.Contains(t, system, memoryHeader)
	assert.Contains(t, system, "user prefers concise answers")
	assert.Contains(t, system, toolsHeader)
	assert.Contains(t, system, "shell: run a shell command")

	user := assembledContent(t, messages, models.RoleUser)
	assert.Equal(t, "hello", user)
}

func TestBuildSkipsMemorySectionOnError(t *testing.T) {
	a := NewAssembler(
		fakeMemory{err: errors.New("fts5 unavailable")},
		fakeIdentity{prompt: "You are Loom."},
		Config{MaxContextTokens: 1000, ResponseReserveTokens: 100},
		nil,
	)

	messages := a.Build(context.Background(), "hello", nil, nil)
	system := assembledContent(t, messages, models.RoleSystem)
	assert.NotContains(t, system, memoryHeader)
}

func TestBuildWithNilMemoryOmitsSection(t *testing.T) {
	a := NewAssembler(nil, fakeIdentity{prompt: "You are Loom."}, Config{MaxContextTokens: 1000, ResponseReserveTokens: 100}, nil)
	messages := a.Build(context.Background(), "hello", nil, nil)
	system := assembledContent(t, messages, models.RoleSystem)
	assert.Equal(t, "You are Loom.", system)
}

func TestBuildRespectsTokenBudget(t *testing.T) {
	a := NewAssembler(nil, fakeIdentity{prompt: "sys"}, Config{MaxContextTokens: 50, ResponseReserveTokens: 10}, nil)

	var history []models.Message
	for i := 0; i < 20; i++ {
		history = append(history, models.NewUserMessage(strings.Repeat("x", 40)))
	}

	messages := a.Build(context.Background(), "current question", history, nil)

	total := 0
	for _, m := range messages {
		total += estimate(m.Content)
	}
	assert.LessOrEqual(t, total, a.Config.MaxContextTokens-a.Config.ResponseReserveTokens+estimate("current question")+estimate("sys"))

	// The last message must be the current user turn.
	assert.Equal(t, "current question", messages[len(messages)-1].Content)
}

func TestBuildPreservesChronologicalOrderOfKeptHistory(t *testing.T) {
	a := NewAssembler(nil, fakeIdentity{prompt: ""}, Config{MaxContextTokens: 10000, ResponseReserveTokens: 0}, nil)

	history := []models.Message{
		models.NewUserMessage("first"),
		{ID: "2", Role: models.RoleAssistant, Content: "second"},
		models.NewUserMessage("third"),
	}

	messages := a.Build(context.Background(), "fourth", history, nil)

	var contents []string
	for _, m := range messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"", "first", "second", "third", "fourth"}, contents)
}

func TestBuildDropsOrphanedPartialTurn(t *testing.T) {
	a := NewAssembler(nil, fakeIdentity{prompt: ""}, Config{MaxContextTokens: 10000, ResponseReserveTokens: 0}, nil)

	toolCall := models.NewToolCall("shell", map[string]any{"command": "ls"})
	history := []models.Message{
		models.NewUserMessage("run ls"),
		{ID: "a1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{toolCall}},
		// Note: no matching tool message for toolCall.ID — the budget walk
		// dropped it, so the assistant call must be dropped too.
		models.NewUserMessage("ok thanks"),
	}

	messages := a.Build(context.Background(), "next", history, nil)

	for _, m := range messages {
		assert.False(t, m.Role == models.RoleAssistant && m.HasPendingToolCalls(),
			"assistant message with unanswered tool_calls must not survive assembly")
	}
}

func TestBuildKeepsFullyAnsweredToolTurn(t *testing.T) {
	a := NewAssembler(nil, fakeIdentity{prompt: ""}, Config{MaxContextTokens: 10000, ResponseReserveTokens: 0}, nil)

	toolCall := models.NewToolCall("shell", map[string]any{"command": "ls"})
	history := []models.Message{
		models.NewUserMessage("run ls"),
		{ID: "a1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{toolCall}},
		models.NewToolMessage(toolCall.ID, "file1\nfile2"),
	}

	messages := a.Build(context.Background(), "next", history, nil)

	var sawAssistant, sawTool bool
	for _, m := range messages {
		if m.Role == models.RoleAssistant && len(m.ToolCalls) > 0 {
			sawAssistant = true
		}
		if m.Role == models.RoleTool && m.ToolCallID == toolCall.ID {
			sawTool = true
		}
	}
	assert.True(t, sawAssistant)
	assert.True(t, sawTool)
}

func TestDropPartialTurnsDropsOrphanToolReplyWhenRequestingAssistantIsGone(t *testing.T) {
	toolCall := models.NewToolCall("shell", map[string]any{"command": "ls"})
	// The requesting assistant message was dropped by the budget walk
	// (fitHistory) before dropPartialTurns ever sees it; its tool reply
	// survived on its own and must now be dropped too.
	messages := []models.Message{
		models.NewUserMessage("run ls"),
		models.NewToolMessage(toolCall.ID, "file1\nfile2"),
		models.NewUserMessage("ok thanks"),
	}

	kept := dropPartialTurns(messages)

	for _, m := range kept {
		assert.False(t, m.Role == models.RoleTool && m.ToolCallID == toolCall.ID,
			"tool reply for a dropped assistant message must not survive")
	}
	assert.Len(t, kept, 2)
}

func TestToolsSectionEmptyWhenNoTools(t *testing.T) {
	assert.Equal(t, "", toolsSection(nil))
}

func TestToolsSectionListsEachTool(t *testing.T) {
	tools := []models.ToolDefinition{
		{Name: "shell", Description: "run a shell command", Parameters: json.RawMessage(`{}`)},
		{Name: "web_fetch", Description: "fetch a url"},
	}
	got := toolsSection(tools)
	assert.Contains(t, got, "shell: run a shell command")
	assert.Contains(t, got, "web_fetch: fetch a url")
}

func TestEstimateIsConservative(t *testing.T) {
	assert.Equal(t, 0, estimate(""))
	assert.Equal(t, 2, estimate("12345678"))
}
