// Package observability provides structured logging and Prometheus metrics
// for the agent runtime.
//
// # Metrics
//
// Metrics are implemented with promauto and track the Conversation Loop, Tool
// Registry, and LLM Client surfaces: conversation count, tool-call count and
// duration, LLM request count/duration/token usage, and memory operation
// count.
//
//	metrics := observability.NewMetrics()
//	metrics.RecordConversation()
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("shell", "success", time.Since(start).Seconds())
//
// # Logging
//
// Logging wraps log/slog with:
//   - Automatic request_id/conversation_id correlation from context
//   - Sensitive data redaction (API keys, passwords, tokens) applied to both
//     the log message and any structured field value
//   - JSON output for production, text for interactive CLI use
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//
//	ctx := observability.AddRequestID(ctx, requestID)
//	ctx = observability.AddConversationID(ctx, conversationID)
//
//	logger.Info(ctx, "tool dispatched", "tool_name", "shell")
//	logger.Error(ctx, "llm request failed", "error", err, "provider", "anthropic")
//
// # Security
//
// The logger redacts, by default: Anthropic/OpenAI-shaped API keys, bearer
// tokens, JWTs, and generic secret/password/token key-value pairs, plus any
// additional regex patterns supplied via LogConfig.RedactPatterns. Sensitive
// map keys (password, secret, api_key, token, auth, ...) are redacted even
// when the surrounding message is not.
package observability
