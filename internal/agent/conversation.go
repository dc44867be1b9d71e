package agent

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomagent/loom/internal/llm"
	"github.com/loomagent/loom/internal/observability"
	"github.com/loomagent/loom/pkg/models"
)

// defaultMaxToolIterations bounds the tool loop when LoopConfig omits one.
const defaultMaxToolIterations = 8

// turnDelimiter separates user and assistant text in the MemoryEntry
// persisted after a turn.
const turnDelimiter = "\n---\n"

// toolExecutor is the subset of the Tool Registry's contract the
// Conversation Loop needs.
type toolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error)
	List() []models.ToolDefinition
}

// llmClient is the subset of the LLM Client's contract the Conversation Loop
// needs.
type llmClient interface {
	Chat(ctx context.Context, req llm.ChatRequest) (models.Message, error)
	Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error)
}

// memoryStore is the subset of the Memory Manager's contract the
// Conversation Loop needs to persist a turn summary.
type memoryStore interface {
	Store(ctx context.Context, entry *models.MemoryEntry) (string, error)
}

// promptBuilder is the subset of the Prompt Assembler's contract the
// Conversation Loop needs.
type promptBuilder interface {
	Build(ctx context.Context, userText string, history []models.Message, tools []models.ToolDefinition) []models.Message
}

// LoopOptions configures a Loop's generation parameters and bounds.
type LoopOptions struct {
	Model             string
	MaxTokens         int
	Temperature       float64
	MaxToolIterations int
}

// Loop drives one user turn at a time: assembling the prompt, calling the
// LLM, dispatching any tool calls the model asks for, and persisting a
// summary of the turn to memory. State is kept per conversation id; calls
// sharing an id are serialised against each other, calls on different ids
// proceed independently.
type Loop struct {
	assembler promptBuilder
	llm       llmClient
	tools     toolExecutor
	memory    memoryStore
	monitor   *Monitor
	logger    *observability.Logger
	metrics   *observability.Metrics

	opts LoopOptions

	conversationsMu sync.Mutex
	conversations   map[string]*models.Conversation

	convLocksMu sync.Mutex
	convLocks   map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// NewLoop builds a Loop. memory may be nil, in which case turn persistence
// is skipped entirely.
func NewLoop(assembler promptBuilder, client llmClient, tools toolExecutor, memory memoryStore, monitor *Monitor, opts LoopOptions, logger *observability.Logger) *Loop {
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = defaultMaxToolIterations
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	if monitor == nil {
		monitor = NewMonitor()
	}
	return &Loop{
		assembler:     assembler,
		llm:           client,
		tools:         tools,
		memory:        memory,
		monitor:       monitor,
		logger:        logger,
		opts:          opts,
		conversations: make(map[string]*models.Conversation),
		convLocks:     make(map[string]*convLock),
	}
}

// Monitor returns the Loop's Task Monitor, for a status-reporting caller.
func (l *Loop) Monitor() *Monitor { return l.monitor }

// SetMetrics attaches Prometheus metrics recording to the Loop. Safe to call
// with nil to disable metrics; metrics default to disabled until set.
func (l *Loop) SetMetrics(metrics *observability.Metrics) { l.metrics = metrics }

// lockConversation serialises calls sharing conversationID. Based on the
// lazily-created, reference-counted lock-striping idiom used for per-session
// locking elsewhere in this runtime.
func (l *Loop) lockConversation(id string) func() {
	l.convLocksMu.Lock()
	lock := l.convLocks[id]
	if lock == nil {
		lock = &convLock{}
		l.convLocks[id] = lock
	}
	lock.refs++
	l.convLocksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.convLocksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.convLocks, id)
		}
		l.convLocksMu.Unlock()
	}
}

func (l *Loop) getOrCreateConversation(id string) (conv *models.Conversation, created bool) {
	l.conversationsMu.Lock()
	defer l.conversationsMu.Unlock()
	if c, ok := l.conversations[id]; ok {
		return c, false
	}
	c := models.NewConversation(id)
	l.conversations[id] = c
	return c, true
}

// Chat runs one user turn to completion: assembling the prompt, calling the
// LLM, dispatching any requested tool calls in order, and re-entering the
// model with their results, bounded by MaxToolIterations.
func (l *Loop) Chat(ctx context.Context, userText, conversationID string) (models.Message, error) {
	id := conversationID
	if id == "" {
		id = uuid.NewString()
	}

	unlock := l.lockConversation(id)
	defer unlock()

	conv, created := l.getOrCreateConversation(id)
	if created {
		l.monitor.RecordConversation()
		if l.metrics != nil {
			l.metrics.RecordConversation()
		}
	}
	l.monitor.SetBusy("chat")
	defer l.monitor.SetIdle()

	toolDefs := l.tools.List()
	system, messages := splitSystem(l.assembler.Build(ctx, userText, conv.Messages, toolDefs))

	var final models.Message
	exhausted := true
	toolCalls := 0
	hadError := false

	for iter := 0; iter < l.opts.MaxToolIterations; iter++ {
		req := llm.ChatRequest{
			Model:       l.opts.Model,
			System:      system,
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   l.opts.MaxTokens,
			Temperature: l.opts.Temperature,
		}
		assistant, err := l.llm.Chat(ctx, req)
		if err != nil {
			return models.Message{}, err
		}
		conv.AddMessage(assistant)
		messages = append(messages, assistant)
		l.monitor.RecordTokens(assistant.Usage.InputTokens, assistant.Usage.OutputTokens)

		if len(assistant.ToolCalls) == 0 {
			final = assistant
			exhausted = false
			break
		}

		for _, tc := range assistant.ToolCalls {
			result, err := l.tools.Execute(ctx, tc)
			if err != nil {
				result = models.ToolResult{ToolCallID: tc.ID, ToolName: tc.Name, Success: false, Error: err.Error()}
			}
			toolCalls++
			if !result.Success {
				hadError = true
			}
			l.monitor.RecordToolCall(tc.Name, result.DurationMs, result.Success)

			toolMsg := models.NewToolMessage(tc.ID, toolResultContent(result))
			conv.AddMessage(toolMsg)
			messages = append(messages, toolMsg)
		}
	}

	if exhausted {
		final = models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleAssistant,
			Content:   "I reached the maximum number of tool iterations for this turn without a final answer.",
			Timestamp: time.Now(),
		}
		conv.AddMessage(final)
	}

	l.persistTurn(ctx, userText, final.Content, toolCalls, hadError)

	return final, nil
}

// ChatEvent is one increment of a streamed turn.
type ChatEvent struct {
	Type     string // "text", "tool_start", "tool_end", "done", "error"
	Text     string
	ToolName string
	Message  models.Message
	Err      error
}

// StreamChat behaves like Chat but streams text as it arrives and emits
// tool_start/tool_end events around each tool dispatch. The returned channel
// is closed after a "done" or "error" event.
func (l *Loop) StreamChat(ctx context.Context, userText, conversationID string) (<-chan ChatEvent, error) {
	id := conversationID
	if id == "" {
		id = uuid.NewString()
	}

	out := make(chan ChatEvent)
	go l.runStream(ctx, id, userText, out)
	return out, nil
}

func (l *Loop) runStream(ctx context.Context, id, userText string, out chan<- ChatEvent) {
	defer close(out)

	unlock := l.lockConversation(id)
	defer unlock()

	conv, created := l.getOrCreateConversation(id)
	if created {
		l.monitor.RecordConversation()
		if l.metrics != nil {
			l.metrics.RecordConversation()
		}
	}
	l.monitor.SetBusy("stream_chat")
	defer l.monitor.SetIdle()

	toolDefs := l.tools.List()
	system, messages := splitSystem(l.assembler.Build(ctx, userText, conv.Messages, toolDefs))

	toolCalls := 0
	hadError := false

	for iter := 0; iter < l.opts.MaxToolIterations; iter++ {
		req := llm.ChatRequest{
			Model:       l.opts.Model,
			System:      system,
			Messages:    messages,
			Tools:       toolDefs,
			MaxTokens:   l.opts.MaxTokens,
			Temperature: l.opts.Temperature,
		}
		chunks, err := l.llm.Stream(ctx, req)
		if err != nil {
			out <- ChatEvent{Type: "error", Err: err}
			return
		}

		assistant, streamErr := l.drainStream(chunks, out)
		if streamErr != nil {
			out <- ChatEvent{Type: "error", Err: streamErr}
			return
		}
		conv.AddMessage(assistant)
		messages = append(messages, assistant)
		l.monitor.RecordTokens(assistant.Usage.InputTokens, assistant.Usage.OutputTokens)

		if len(assistant.ToolCalls) == 0 {
			l.persistTurn(ctx, userText, assistant.Content, toolCalls, hadError)
			out <- ChatEvent{Type: "done", Message: assistant}
			return
		}

		for _, tc := range assistant.ToolCalls {
			out <- ChatEvent{Type: "tool_start", ToolName: tc.Name}
			result, err := l.tools.Execute(ctx, tc)
			if err != nil {
				result = models.ToolResult{ToolCallID: tc.ID, ToolName: tc.Name, Success: false, Error: err.Error()}
			}
			toolCalls++
			if !result.Success {
				hadError = true
			}
			l.monitor.RecordToolCall(tc.Name, result.DurationMs, result.Success)
			out <- ChatEvent{Type: "tool_end", ToolName: tc.Name}

			toolMsg := models.NewToolMessage(tc.ID, toolResultContent(result))
			conv.AddMessage(toolMsg)
			messages = append(messages, toolMsg)
		}
	}

	final := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   "I reached the maximum number of tool iterations for this turn without a final answer.",
		Timestamp: time.Now(),
	}
	conv.AddMessage(final)
	l.persistTurn(ctx, userText, final.Content, toolCalls, hadError)
	out <- ChatEvent{Type: "done", Message: final}
}

// drainStream forwards text chunks as "text" events and accumulates the
// complete assistant Message across the chunk sequence.
func (l *Loop) drainStream(chunks <-chan llm.StreamChunk, out chan<- ChatEvent) (models.Message, error) {
	msg := models.Message{ID: uuid.NewString(), Role: models.RoleAssistant, Timestamp: time.Now()}
	var text string

	for chunk := range chunks {
		if chunk.Error != nil {
			return models.Message{}, chunk.Error
		}
		if chunk.Text != "" {
			text += chunk.Text
			out <- ChatEvent{Type: "text", Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			msg.Usage = chunk.Usage
			break
		}
	}
	msg.Content = text
	return msg, nil
}

func toolResultContent(result models.ToolResult) string {
	if result.Success || result.Error == "" {
		return result.Output
	}
	return result.Error
}

func splitSystem(built []models.Message) (string, []models.Message) {
	if len(built) == 0 {
		return "", nil
	}
	if built[0].Role == models.RoleSystem {
		rest := make([]models.Message, len(built)-1)
		copy(rest, built[1:])
		return built[0].Content, rest
	}
	return "", append([]models.Message{}, built...)
}

// persistTurn stores a MemoryEntry summarising the turn. Failures are
// logged and swallowed; memory persistence never fails a turn that already
// produced an assistant answer.
func (l *Loop) persistTurn(ctx context.Context, userText, assistantText string, toolCalls int, hadError bool) {
	if l.memory == nil {
		return
	}
	content := userText + turnDelimiter + assistantText
	entry := models.NewMemoryEntry(content, models.MemoryEpisodic, turnImportance(toolCalls, hadError))
	if _, err := l.memory.Store(ctx, &entry); err != nil {
		l.logger.Warn(ctx, "failed to persist turn memory", "error", err)
		if l.metrics != nil {
			l.metrics.RecordMemoryOperation("store", "error")
		}
		return
	}
	if l.metrics != nil {
		l.metrics.RecordMemoryOperation("store", "success")
	}
}

// turnImportance implements the importance heuristic: clamp(0.3 +
// 0.1*ln(1+tool_calls) + 0.1*has_error, 0, 1).
func turnImportance(toolCalls int, hadError bool) float64 {
	errTerm := 0.0
	if hadError {
		errTerm = 1.0
	}
	v := 0.3 + 0.1*math.Log(1+float64(toolCalls)) + 0.1*errTerm
	return clampFloat(v, 0, 1)
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
