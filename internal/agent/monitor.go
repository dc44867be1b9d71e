package agent

import (
	"sync"
	"time"

	"github.com/loomagent/loom/pkg/models"
)

// activityLogCap bounds the Task Monitor's activity ring buffer (§4.10).
const activityLogCap = 1000

// Monitor tracks the Conversation Loop's live status: busy/idle state,
// running counters, and a capped log of recent activity, all under one
// lock per the single-monitor-lock discipline.
type Monitor struct {
	mu sync.Mutex

	startedAt time.Time
	busy      bool
	task      string

	conversations int
	toolCalls     int
	tokensUsed    int

	llmProvider string
	llmModel    string

	activity []models.ActivityEntry
}

// NewMonitor builds a Monitor with uptime measured from now.
func NewMonitor() *Monitor {
	return &Monitor{startedAt: time.Now()}
}

// SetBusy marks the monitor busy with the given task label.
func (m *Monitor) SetBusy(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = true
	m.task = task
}

// SetIdle marks the monitor idle and clears the current task label.
func (m *Monitor) SetIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	m.task = ""
}

// RecordConversation increments the total-conversations counter.
func (m *Monitor) RecordConversation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations++
}

// RecordToolCall increments the tool-call counter and appends an activity
// entry, trimming the log to activityLogCap.
func (m *Monitor) RecordToolCall(toolName string, durationMs float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls++
	m.appendActivity(models.ActivityEntry{
		Type:       "tool_call",
		ToolName:   toolName,
		DurationMs: durationMs,
		Success:    success,
		Timestamp:  float64(time.Now().UnixMilli()) / 1000,
	})
}

// RecordTokens adds to the total-tokens-used counter and appends an
// activity entry.
func (m *Monitor) RecordTokens(input, output int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensUsed += input + output
	m.appendActivity(models.ActivityEntry{
		Type:      "tokens",
		InputTok:  input,
		OutputTok: output,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	})
}

// SetLLMInfo records the provider/model currently in use, surfaced in
// Status().
func (m *Monitor) SetLLMInfo(provider, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.llmProvider = provider
	m.llmModel = model
}

// appendActivity must be called with mu held.
func (m *Monitor) appendActivity(e models.ActivityEntry) {
	m.activity = append(m.activity, e)
	if over := len(m.activity) - activityLogCap; over > 0 {
		m.activity = m.activity[over:]
	}
}

// StatusInputs carries the pieces of a status snapshot the Monitor cannot
// compute itself: tool registry size and memory entry count.
type StatusInputs struct {
	MemoryCount    int
	ActiveTools    int
	AvailableTools int
}

// Status produces a point-in-time AgentStatus snapshot.
func (m *Monitor) Status(in StatusInputs) models.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.AgentStatus{
		IsOnline:           true,
		IsBusy:             m.busy,
		CurrentTask:        m.task,
		UptimeSeconds:      time.Since(m.startedAt).Seconds(),
		TotalConversations: m.conversations,
		TotalToolCalls:     m.toolCalls,
		TotalTokensUsed:    m.tokensUsed,
		MemoryCount:        in.MemoryCount,
		ActiveTools:        in.ActiveTools,
		AvailableTools:     in.AvailableTools,
		LLMProvider:        m.llmProvider,
		LLMModel:           m.llmModel,
	}
}

// RecentActivity returns a copy of the current activity log.
func (m *Monitor) RecentActivity() []models.ActivityEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ActivityEntry, len(m.activity))
	copy(out, m.activity)
	return out
}
