package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomagent/loom/internal/agenterr"
	"github.com/loomagent/loom/internal/llm"
	"github.com/loomagent/loom/pkg/models"
)

// OpenAIConfig configures an OpenAI-compatible adapter. BaseURL lets the
// same adapter serve the dashscope provider and any other OpenAI-wire
// compatible endpoint.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAI implements llm.Adapter over the Chat Completions API.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAI builds an OpenAI-compatible adapter. APIKey is required.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Chat(ctx context.Context, req llm.ChatRequest) (models.Message, error) {
	chunks, err := o.Stream(ctx, req)
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

func (o *OpenAI) Stream(ctx context.Context, req llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	chatReq := o.buildRequest(req)

	var stream *openai.ChatCompletionStream
	var err error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, agenterr.NewLLMConnectionError("openai", ctx.Err().Error())
			case <-time.After(o.retryDelay * time.Duration(attempt)):
			}
		}

		stream, err = o.client.CreateChatCompletionStream(ctx, chatReq)
		if err == nil {
			break
		}

		wrapped := o.classifyError(err)
		if !isRetryable(wrapped) {
			return nil, wrapped
		}
		err = wrapped
	}
	if stream == nil {
		return nil, o.classifyError(err)
	}

	out := make(chan llm.StreamChunk)
	go o.processStream(ctx, stream, out)
	return out, nil
}

func (o *OpenAI) buildRequest(req llm.ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = o.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg)...)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Stream:      true,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	return chatReq
}

func convertMessage(msg models.Message) []openai.ChatCompletionMessage {
	switch msg.Role {
	case models.RoleTool:
		return []openai.ChatCompletionMessage{{
			Role:       openai.ChatMessageRoleTool,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}}
	case models.RoleAssistant:
		oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		return []openai.ChatCompletionMessage{oaiMsg}
	default:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: msg.Content}}
	}
}

func convertOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func (o *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- llm.StreamChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*toolCallBuilder)
	var orderedIndexes []int

	for {
		select {
		case <-ctx.Done():
			out <- llm.StreamChunk{Error: agenterr.NewLLMConnectionError("openai", ctx.Err().Error())}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				o.flushToolCalls(toolCalls, orderedIndexes, out)
				out <- llm.StreamChunk{Done: true}
				return
			}
			out <- llm.StreamChunk{Error: o.classifyError(err)}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- llm.StreamChunk{Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			b, ok := toolCalls[index]
			if !ok {
				b = &toolCallBuilder{}
				toolCalls[index] = b
				orderedIndexes = append(orderedIndexes, index)
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args.WriteString(tc.Function.Arguments)
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			o.flushToolCalls(toolCalls, orderedIndexes, out)
			toolCalls = make(map[int]*toolCallBuilder)
			orderedIndexes = nil
		}
	}
}

type toolCallBuilder struct {
	id, name string
	args     strings.Builder
}

func (o *OpenAI) flushToolCalls(toolCalls map[int]*toolCallBuilder, order []int, out chan<- llm.StreamChunk) {
	for _, idx := range order {
		b := toolCalls[idx]
		if b == nil || b.id == "" || b.name == "" {
			continue
		}
		args, err := decodeArguments(b.args.String())
		if err != nil {
			out <- llm.StreamChunk{Error: agenterr.NewLLMResponseError("openai", err.Error())}
			continue
		}
		out <- llm.StreamChunk{ToolCall: &models.ToolCall{
			ID: b.id, Name: b.name, Arguments: args, Status: models.ToolCallPending,
		}}
	}
}

// CountTokens gives a ~4-chars-per-token estimate.
func (o *OpenAI) CountTokens(req llm.ChatRequest) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	for _, tool := range req.Tools {
		total += len(tool.Name)/4 + len(tool.Description)/4 + len(tool.Parameters)/4
	}
	return total
}

func (o *OpenAI) HealthCheck(ctx context.Context) error {
	_, err := o.Chat(ctx, llm.ChatRequest{
		Messages:  []models.Message{models.NewUserMessage("ping")},
		MaxTokens: 1,
	})
	return err
}

// classifyError maps an OpenAI SDK error onto the agenterr LLM error
// taxonomy by inspecting the SDK's own APIError type when available, falling
// back to message-text matching for transport-level errors.
func (o *OpenAI) classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return agenterr.NewLLMRateLimitError("openai", nil)
		case apiErr.HTTPStatusCode >= 500:
			return agenterr.NewLLMConnectionError("openai", apiErr.Message)
		case apiErr.HTTPStatusCode == 400 && strings.Contains(strings.ToLower(apiErr.Message), "context"):
			return agenterr.NewLLMContextOverflowError(0, 0)
		default:
			return agenterr.NewLLMResponseError("openai", apiErr.Message)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return agenterr.NewLLMRateLimitError("openai", nil)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return agenterr.NewLLMConnectionError("openai", msg)
	default:
		return agenterr.NewLLMResponseError("openai", msg)
	}
}

var _ llm.Adapter = (*OpenAI)(nil)
