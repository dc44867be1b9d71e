package llm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomagent/loom/internal/agenterr"
	"github.com/loomagent/loom/internal/observability"
	"github.com/loomagent/loom/pkg/models"
)

// Client holds a primary adapter and an ordered chain of fallbacks. A single
// retryable failure on the current adapter hands off to the next one
// immediately; it does not retry the current adapter internally (that
// composition belongs to the retry package, layered outside the Client).
type Client struct {
	adapters []Adapter
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewClient builds a Client from a non-empty, strictly ordered adapter chain:
// adapters[0] is primary, the rest are fallbacks tried in order.
func NewClient(adapters []Adapter, logger *slog.Logger) (*Client, error) {
	if len(adapters) == 0 {
		return nil, errors.New("llm: at least one adapter is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{adapters: adapters, logger: logger}, nil
}

// SetMetrics attaches Prometheus metrics recording to the Client. Safe to
// call with nil to disable metrics; metrics default to disabled until set.
// Recording happens here, inside the Client, rather than at its callers,
// because only the Client knows which adapter in the failover chain actually
// served a given request.
func (c *Client) SetMetrics(metrics *observability.Metrics) { c.metrics = metrics }

// Chat tries each adapter in order, returning the first success. A context
// overflow is fatal for the turn and is never failed over (§4.6); every
// other classified LLM error advances to the next adapter.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (models.Message, error) {
	var names []string
	var errs []string

	for _, a := range c.adapters {
		start := time.Now()
		msg, err := a.Chat(ctx, req)
		if err == nil {
			c.recordRequest(a.Name(), req.Model, "success", time.Since(start), msg.Usage.InputTokens, msg.Usage.OutputTokens)
			return msg, nil
		}

		var overflow *agenterr.LLMContextOverflowError
		if errors.As(err, &overflow) {
			c.recordRequest(a.Name(), req.Model, "overflow", time.Since(start), 0, 0)
			return models.Message{}, err
		}

		c.recordRequest(a.Name(), req.Model, "error", time.Since(start), 0, 0)
		names = append(names, a.Name())
		errs = append(errs, err.Error())
		c.logger.Warn("llm adapter failed, trying next", "adapter", a.Name(), "error", err)
	}

	return models.Message{}, agenterr.NewLLMAllProvidersFailedError(names, errs)
}

func (c *Client) recordRequest(provider, model, status string, elapsed time.Duration, inputTokens, outputTokens int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordLLMRequest(provider, model, status, elapsed.Seconds(), inputTokens, outputTokens)
}

// Stream behaves like Chat but for the streaming contract: it starts the
// first adapter's stream that successfully begins. A streaming error
// delivered mid-stream (via StreamChunk.Error) is NOT failed over; only a
// failure to start the stream (the adapter's Stream call itself returning an
// error) advances to the next adapter, preserving "immediate handoff on the
// primary's failure" without silently replaying already-delivered chunks to
// the caller twice.
func (c *Client) Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	var names []string
	var errs []string

	for _, a := range c.adapters {
		start := time.Now()
		ch, err := a.Stream(ctx, req)
		if err == nil {
			c.recordRequest(a.Name(), req.Model, "success", time.Since(start), 0, 0)
			return ch, nil
		}

		var overflow *agenterr.LLMContextOverflowError
		if errors.As(err, &overflow) {
			c.recordRequest(a.Name(), req.Model, "overflow", time.Since(start), 0, 0)
			return nil, err
		}

		c.recordRequest(a.Name(), req.Model, "error", time.Since(start), 0, 0)
		names = append(names, a.Name())
		errs = append(errs, err.Error())
		c.logger.Warn("llm adapter failed to start stream, trying next", "adapter", a.Name(), "error", err)
	}

	return nil, agenterr.NewLLMAllProvidersFailedError(names, errs)
}

// HealthCheck queries every adapter in parallel and returns each one's
// result keyed by provider name. An adapter failure is recorded in its own
// entry, never raised to the caller.
func (c *Client) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error, len(c.adapters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, a := range c.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			err := a.HealthCheck(ctx)
			mu.Lock()
			results[a.Name()] = err
			mu.Unlock()
		}(a)
	}

	wg.Wait()
	return results
}

// CountTokens delegates to the primary adapter's estimator.
func (c *Client) CountTokens(req ChatRequest) int {
	return c.adapters[0].CountTokens(req)
}

// Primary returns the configured primary adapter's name.
func (c *Client) Primary() string {
	return c.adapters[0].Name()
}
