// Package llm defines the LLM Adapter contract and a failover Client that
// tries a primary adapter and an ordered list of fallbacks.
package llm

import (
	"context"

	"github.com/loomagent/loom/pkg/models"
)

// ChatRequest carries everything an Adapter needs to produce one assistant
// turn: conversation history, available tools, and generation parameters.
type ChatRequest struct {
	Model       string
	System      string
	Messages    []models.Message
	Tools       []models.ToolDefinition
	MaxTokens   int
	Temperature float64
}

// StreamChunk is one increment of a streaming response. A chunk carries
// exactly one of Text, ToolCall, or a terminal Done/Error.
type StreamChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Error    error
	Usage    models.Usage
}

// Adapter is implemented by each provider integration (Anthropic,
// OpenAI-compatible, ...). Implementations must classify provider failures
// as one of the agenterr LLM error types rather than returning raw SDK
// errors, so the Client can decide whether to fail over.
type Adapter interface {
	// Name identifies the adapter for logging, metrics, and failover details.
	Name() string

	// Chat sends messages and returns the complete assistant Message.
	Chat(ctx context.Context, req ChatRequest) (models.Message, error)

	// Stream sends messages and returns a channel of incremental chunks. The
	// channel is closed after a Done or Error chunk.
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)

	// CountTokens estimates the token cost of req, used to detect context
	// overflow before sending.
	CountTokens(req ChatRequest) int

	// HealthCheck issues a minimal chat call to confirm the provider is
	// reachable and credentials are valid.
	HealthCheck(ctx context.Context) error
}
