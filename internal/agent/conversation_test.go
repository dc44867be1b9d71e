package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomagent/loom/internal/llm"
	"github.com/loomagent/loom/pkg/models"
)

type fakeAssembler struct{}

func (fakeAssembler) Build(ctx context.Context, userText string, history []models.Message, tools []models.ToolDefinition) []models.Message {
	messages := append([]models.Message{{Role: models.RoleSystem, Content: "sys"}}, history...)
	return append(messages, models.NewUserMessage(userText))
}

type fakeTools struct {
	defs    []models.ToolDefinition
	results map[string]models.ToolResult
	errs    map[string]error
	calls   []string
}

func (f *fakeTools) List() []models.ToolDefinition { return f.defs }

func (f *fakeTools) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	f.calls = append(f.calls, call.Name)
	if err, ok := f.errs[call.Name]; ok {
		return models.ToolResult{}, err
	}
	return f.results[call.Name], nil
}

type fakeMemoryStore struct {
	stored []*models.MemoryEntry
	err    error
}

func (f *fakeMemoryStore) Store(ctx context.Context, entry *models.MemoryEntry) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.stored = append(f.stored, entry)
	return entry.ID, nil
}

// scriptedLLM returns one pre-built response per call, in order.
type scriptedLLM struct {
	responses []models.Message
	errs      []error
	calls     int

	streamChunks [][]llm.StreamChunk
	streamErrs   []error
	streamCalls  int
}

func (s *scriptedLLM) Chat(ctx context.Context, req llm.ChatRequest) (models.Message, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return models.Message{}, s.errs[i]
	}
	return s.responses[i], nil
}

func (s *scriptedLLM) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	i := s.streamCalls
	s.streamCalls++
	if i < len(s.streamErrs) && s.streamErrs[i] != nil {
		return nil, s.streamErrs[i]
	}
	ch := make(chan llm.StreamChunk, len(s.streamChunks[i]))
	for _, c := range s.streamChunks[i] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestLoopChatTerminatesWithoutToolCalls(t *testing.T) {
	l := NewLoop(
		fakeAssembler{},
		&scriptedLLM{responses: []models.Message{{Role: models.RoleAssistant, Content: "hi there"}}},
		&fakeTools{},
		nil,
		nil,
		LoopOptions{},
		nil,
	)

	msg, err := l.Chat(context.Background(), "hello", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "hi there", msg.Content)
}

func TestLoopChatDispatchesToolCallAndReentersModel(t *testing.T) {
	tc := models.NewToolCall("shell", map[string]any{"command": "ls"})
	tools := &fakeTools{
		defs:    []models.ToolDefinition{{Name: "shell", Description: "run a shell command"}},
		results: map[string]models.ToolResult{"shell": {Success: true, Output: "file1"}},
	}

	llmFake := &scriptedLLM{
		responses: []models.Message{
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{tc}},
			{Role: models.RoleAssistant, Content: "here is the file list: file1"},
		},
	}

	mem := &fakeMemoryStore{}
	l := NewLoop(fakeAssembler{}, llmFake, tools, mem, nil, LoopOptions{}, nil)

	msg, err := l.Chat(context.Background(), "list files", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "here is the file list: file1", msg.Content)
	assert.Equal(t, []string{"shell"}, tools.calls)
	require.Len(t, mem.stored, 1)
	assert.Contains(t, mem.stored[0].Content, "list files")
	assert.Contains(t, mem.stored[0].Content, "here is the file list: file1")
}

func TestLoopChatToolFailureDoesNotTerminateLoop(t *testing.T) {
	tc := models.NewToolCall("shell", map[string]any{"command": "bad"})
	tools := &fakeTools{
		defs: []models.ToolDefinition{{Name: "shell"}},
		errs: map[string]error{"shell": errors.New("command blocked")},
	}
	llmFake := &scriptedLLM{
		responses: []models.Message{
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{tc}},
			{Role: models.RoleAssistant, Content: "sorry, that command is blocked"},
		},
	}

	l := NewLoop(fakeAssembler{}, llmFake, tools, nil, nil, LoopOptions{}, nil)

	msg, err := l.Chat(context.Background(), "run bad command", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "sorry, that command is blocked", msg.Content)
}

func TestLoopChatExhaustsMaxToolIterations(t *testing.T) {
	tc := models.NewToolCall("loop_tool", nil)
	tools := &fakeTools{
		defs:    []models.ToolDefinition{{Name: "loop_tool"}},
		results: map[string]models.ToolResult{"loop_tool": {Success: true, Output: "ok"}},
	}

	responses := make([]models.Message, 3)
	for i := range responses {
		responses[i] = models.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{tc}}
	}
	llmFake := &scriptedLLM{responses: responses}

	l := NewLoop(fakeAssembler{}, llmFake, tools, nil, nil, LoopOptions{MaxToolIterations: 3}, nil)

	msg, err := l.Chat(context.Background(), "loop forever", "conv-1")
	require.NoError(t, err)
	assert.Contains(t, msg.Content, "maximum number of tool iterations")
}

func TestLoopChatPropagatesLLMError(t *testing.T) {
	llmFake := &scriptedLLM{errs: []error{errors.New("all providers failed")}, responses: []models.Message{{}}}
	l := NewLoop(fakeAssembler{}, llmFake, &fakeTools{}, nil, nil, LoopOptions{}, nil)

	_, err := l.Chat(context.Background(), "hello", "conv-1")
	assert.Error(t, err)
}

func TestLoopChatMemoryPersistenceFailureIsSwallowed(t *testing.T) {
	llmFake := &scriptedLLM{responses: []models.Message{{Role: models.RoleAssistant, Content: "ok"}}}
	mem := &fakeMemoryStore{err: errors.New("disk full")}
	l := NewLoop(fakeAssembler{}, llmFake, &fakeTools{}, mem, nil, LoopOptions{}, nil)

	msg, err := l.Chat(context.Background(), "hello", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", msg.Content)
}

func TestLoopStreamChatForwardsTextAndToolEvents(t *testing.T) {
	tc := models.NewToolCall("shell", map[string]any{"command": "ls"})
	tools := &fakeTools{
		defs:    []models.ToolDefinition{{Name: "shell"}},
		results: map[string]models.ToolResult{"shell": {Success: true, Output: "file1"}},
	}

	llmFake := &scriptedLLM{
		streamChunks: [][]llm.StreamChunk{
			{{Text: "thinking..."}, {ToolCall: &tc}, {Done: true}},
			{{Text: "done: file1"}, {Done: true}},
		},
	}

	l := NewLoop(fakeAssembler{}, llmFake, tools, nil, nil, LoopOptions{}, nil)

	events, err := l.StreamChat(context.Background(), "list files", "conv-1")
	require.NoError(t, err)

	var types []string
	var final models.Message
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == "done" {
			final = ev.Message
		}
	}

	assert.Contains(t, types, "text")
	assert.Contains(t, types, "tool_start")
	assert.Contains(t, types, "tool_end")
	assert.Equal(t, "done", types[len(types)-1])
	assert.Equal(t, "done: file1", final.Content)
}

func TestTurnImportanceClampsAndScalesWithToolCallsAndError(t *testing.T) {
	base := turnImportance(0, false)
	assert.InDelta(t, 0.3, base, 1e-9)

	withTools := turnImportance(3, false)
	assert.Greater(t, withTools, base)

	withError := turnImportance(0, true)
	assert.InDelta(t, 0.4, withError, 1e-9)

	assert.LessOrEqual(t, turnImportance(1000000, true), 1.0)
}

func TestSplitSystemExtractsLeadingSystemMessage(t *testing.T) {
	built := []models.Message{
		{Role: models.RoleSystem, Content: "sys prompt"},
		models.NewUserMessage("hi"),
	}
	system, rest := splitSystem(built)
	assert.Equal(t, "sys prompt", system)
	require.Len(t, rest, 1)
	assert.Equal(t, "hi", rest[0].Content)
}
