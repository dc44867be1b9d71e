// Package providers implements llm.Adapter for each supported backend.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/loomagent/loom/internal/agenterr"
	"github.com/loomagent/loom/internal/llm"
	"github.com/loomagent/loom/pkg/models"
)

// AnthropicConfig configures an Anthropic adapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Anthropic implements llm.Adapter over the Anthropic Messages API.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewAnthropic builds an Anthropic adapter. APIKey is required.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (a *Anthropic) Name() string { return "anthropic" }

// Chat drains Stream into a single assistant Message.
func (a *Anthropic) Chat(ctx context.Context, req llm.ChatRequest) (models.Message, error) {
	chunks, err := a.Stream(ctx, req)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{Role: models.RoleAssistant, Timestamp: time.Now()}
	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return models.Message{}, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, *chunk.ToolCall)
		}
		if chunk.Done {
			msg.Usage = chunk.Usage
		}
	}
	msg.Content = text.String()
	return msg, nil
}

func (a *Anthropic) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	out := make(chan llm.StreamChunk)

	go func() {
		defer close(out)

		model := a.model(req.Model)
		stream, err := a.createStreamWithRetry(ctx, req, model)
		if err != nil {
			out <- llm.StreamChunk{Error: err}
			return
		}
		a.processStream(stream, out, model)
	}()

	return out, nil
}

func (a *Anthropic) createStreamWithRetry(ctx context.Context, req llm.ChatRequest, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	var err error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		stream, err = a.createStream(ctx, req, model)
		if err == nil {
			return stream, nil
		}

		wrapped := a.classifyError(err, model)
		if !isRetryable(wrapped) {
			return nil, wrapped
		}
		if attempt == a.maxRetries {
			break
		}

		backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, agenterr.NewLLMConnectionError("anthropic", ctx.Err().Error())
		case <-time.After(backoff):
		}
	}

	return nil, a.classifyError(err, model)
}

func (a *Anthropic) createStream(ctx context.Context, req llm.ChatRequest, model string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOr(req.MaxTokens, 4096)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	return a.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents guards against a malformed stream that floods empty
// events, mirroring go-openai's stream reader protections.
const maxEmptyStreamEvents = 300

func (a *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- llm.StreamChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentInput strings.Builder
	var inputTokens, outputTokens int
	empty := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			if start := event.AsMessageStart(); start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name, Status: models.ToolCallPending}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- llm.StreamChunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				args, err := decodeArguments(currentInput.String())
				if err != nil {
					out <- llm.StreamChunk{Error: agenterr.NewLLMResponseError("anthropic", err.Error())}
					return
				}
				currentToolCall.Arguments = args
				out <- llm.StreamChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			if delta := event.AsMessageDelta(); delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			out <- llm.StreamChunk{Done: true, Usage: models.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}}
			return

		case "error":
			out <- llm.StreamChunk{Error: a.classifyError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			empty = 0
		} else {
			empty++
			if empty >= maxEmptyStreamEvents {
				out <- llm.StreamChunk{Error: agenterr.NewLLMResponseError("anthropic", "stream appears malformed")}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		out <- llm.StreamChunk{Error: a.classifyError(err, model)}
	}
}

func convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, map[string]any(tc.Arguments), tc.Name))
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertTools(tools []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func decodeArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid tool call arguments: %w", err)
	}
	return args, nil
}

func (a *Anthropic) model(requested string) string {
	if requested == "" {
		return a.defaultModel
	}
	return requested
}

func maxTokensOr(requested, fallback int) int {
	if requested <= 0 {
		return fallback
	}
	return requested
}

// CountTokens gives a ~4-chars-per-token estimate; Anthropic does not expose
// a cheap local tokenizer.
func (a *Anthropic) CountTokens(req llm.ChatRequest) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		for _, tc := range msg.ToolCalls {
			total += len(tc.Name) / 4
		}
	}
	for _, tool := range req.Tools {
		total += len(tool.Name)/4 + len(tool.Description)/4 + len(tool.Parameters)/4
	}
	return total
}

func (a *Anthropic) HealthCheck(ctx context.Context) error {
	_, err := a.Chat(ctx, llm.ChatRequest{
		Messages:  []models.Message{models.NewUserMessage("ping")},
		MaxTokens: 1,
	})
	return err
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// classifyError maps an Anthropic SDK error (or stream error) onto the
// agenterr LLM error taxonomy, inspecting HTTP status and message text since
// the SDK's own error type is the only signal available for this.
func (a *Anthropic) classifyError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		status := apiErr.StatusCode
		message := apiErr.Message
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				message = payload.Error.Message
			}
		}

		switch {
		case status == 429:
			return agenterr.NewLLMRateLimitError("anthropic", nil)
		case status >= 500:
			return agenterr.NewLLMConnectionError("anthropic", message)
		case status == 400 && strings.Contains(strings.ToLower(message), "context"):
			return agenterr.NewLLMContextOverflowError(0, 0)
		default:
			return agenterr.NewLLMResponseError("anthropic", message)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429"):
		return agenterr.NewLLMRateLimitError("anthropic", nil)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return agenterr.NewLLMConnectionError("anthropic", msg)
	default:
		return agenterr.NewLLMResponseError("anthropic", msg)
	}
}

func isRetryable(err error) bool {
	var connErr *agenterr.LLMConnectionError
	var rateErr *agenterr.LLMRateLimitError
	return errors.As(err, &connErr) || errors.As(err, &rateErr)
}

var _ llm.Adapter = (*Anthropic)(nil)
