// Package models defines the core data types shared across the agent runtime:
// messages, tool calls, conversations, memory entries, and status snapshots.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallStatus tracks a ToolCall through its execution lifecycle.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
	ToolCallTimeout   ToolCallStatus = "timeout"
)

// ToolCall is a request, emitted by the model, to invoke a named tool.
// Arguments are schema-free at this layer; the tool itself validates them.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Status    ToolCallStatus `json:"status"`
}

// NewToolCall builds a ToolCall with a fresh id and pending status.
func NewToolCall(name string, arguments map[string]any) ToolCall {
	return ToolCall{
		ID:        uuid.NewString(),
		Name:      name,
		Arguments: arguments,
		Status:    ToolCallPending,
	}
}

// ToolResult is the outcome of executing a ToolCall.
//
// Invariant: Success true implies Error is empty; Success false implies Error
// is set or Output carries a diagnostic.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Success    bool           `json:"success"`
	Output     string         `json:"output"`
	Error      string         `json:"error,omitempty"`
	DurationMs float64        `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Message is a single turn of one role within a Conversation.
//
// Invariant: Role == RoleTool implies ToolCallID is non-empty and references a
// prior assistant ToolCall in the same conversation.
type Message struct {
	ID         string         `json:"id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	// Usage carries token accounting reported by the LLM adapter for this
	// message, when available. Zero value means "not reported".
	Usage Usage `json:"usage,omitempty"`
}

// Usage is token accounting attached to an assistant Message.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// NewUserMessage builds a user Message with a fresh id and timestamp.
func NewUserMessage(content string) Message {
	return Message{ID: uuid.NewString(), Role: RoleUser, Content: content, Timestamp: time.Now()}
}

// NewToolMessage builds a tool-result Message replying to toolCallID.
func NewToolMessage(toolCallID, content string) Message {
	return Message{
		ID:         uuid.NewString(),
		Role:       RoleTool,
		Content:    content,
		Timestamp:  time.Now(),
		ToolCallID: toolCallID,
	}
}

// HasPendingToolCalls reports whether an assistant message still has tool
// calls without a reply in the conversation (a "partial turn").
func (m Message) HasPendingToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}
