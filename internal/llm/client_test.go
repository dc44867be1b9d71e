package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomagent/loom/internal/agenterr"
	"github.com/loomagent/loom/internal/observability"
	"github.com/loomagent/loom/pkg/models"
)

type fakeAdapter struct {
	name      string
	chatErr   error
	chatMsg   models.Message
	streamCh  chan StreamChunk
	streamErr error
	healthErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Chat(ctx context.Context, req ChatRequest) (models.Message, error) {
	if f.chatErr != nil {
		return models.Message{}, f.chatErr
	}
	return f.chatMsg, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.streamCh, nil
}

func (f *fakeAdapter) CountTokens(req ChatRequest) int { return 0 }

func (f *fakeAdapter) HealthCheck(ctx context.Context) error {
	if f.healthErr != nil {
		return f.healthErr
	}
	return f.chatErr
}

func TestClientChatUsesPrimaryOnSuccess(t *testing.T) {
	primary := &fakeAdapter{name: "primary", chatMsg: models.Message{Content: "OK"}}
	fallback := &fakeAdapter{name: "fallback", chatMsg: models.Message{Content: "should not be used"}}

	client, err := NewClient([]Adapter{primary, fallback}, nil)
	require.NoError(t, err)

	msg, err := client.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "OK", msg.Content)
}

func TestClientChatFailsOverOnConnectionError(t *testing.T) {
	primary := &fakeAdapter{name: "primary", chatErr: agenterr.NewLLMConnectionError("primary", "timeout")}
	fallback := &fakeAdapter{name: "fallback", chatMsg: models.Message{Content: "OK from fallback"}}

	client, err := NewClient([]Adapter{primary, fallback}, nil)
	require.NoError(t, err)

	msg, err := client.Chat(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "OK from fallback", msg.Content)
}

func TestClientChatAllProvidersFailed(t *testing.T) {
	primary := &fakeAdapter{name: "primary", chatErr: agenterr.NewLLMConnectionError("primary", "down")}
	fallback := &fakeAdapter{name: "fallback", chatErr: agenterr.NewLLMRateLimitError("fallback", nil)}

	client, err := NewClient([]Adapter{primary, fallback}, nil)
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)

	var allFailed *agenterr.LLMAllProvidersFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Equal(t, []string{"primary", "fallback"}, allFailed.Providers)
}

func TestClientChatContextOverflowIsNotFailedOver(t *testing.T) {
	primary := &fakeAdapter{name: "primary", chatErr: agenterr.NewLLMContextOverflowError(1000, 500)}
	fallback := &fakeAdapter{name: "fallback", chatMsg: models.Message{Content: "should not run"}}

	client, err := NewClient([]Adapter{primary, fallback}, nil)
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), ChatRequest{})
	require.Error(t, err)

	var overflow *agenterr.LLMContextOverflowError
	require.ErrorAs(t, err, &overflow)
}

func TestNewClientRequiresAtLeastOneAdapter(t *testing.T) {
	_, err := NewClient(nil, nil)
	require.Error(t, err)
}

func newTestClientMetrics() *observability.Metrics {
	return &observability.Metrics{
		ConversationCounter: prometheus.NewCounter(prometheus.CounterOpts{Name: "c"}),
		ToolExecutionCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "tool_exec_total"}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "tool_exec_duration"}, []string{"tool_name"}),
		LLMRequestCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_req_total"}, []string{"provider", "model", "status"}),
		LLMRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "llm_req_duration"}, []string{"provider", "model"}),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "llm_tokens_total"}, []string{"provider", "model", "type"}),
		MemoryOperationCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "mem_ops_total"}, []string{"operation", "status"}),
	}
}

func TestClientChatRecordsMetricsAgainstTheServingAdapter(t *testing.T) {
	primary := &fakeAdapter{name: "primary", chatErr: agenterr.NewLLMConnectionError("primary", "timeout")}
	fallback := &fakeAdapter{name: "fallback", chatMsg: models.Message{
		Content: "OK", Usage: models.Usage{InputTokens: 10, OutputTokens: 5},
	}}

	client, err := NewClient([]Adapter{primary, fallback}, nil)
	require.NoError(t, err)
	metrics := newTestClientMetrics()
	client.SetMetrics(metrics)

	_, err = client.Chat(context.Background(), ChatRequest{Model: "test-model"})
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LLMRequestCounter.WithLabelValues("primary", "test-model", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LLMRequestCounter.WithLabelValues("fallback", "test-model", "success")))
	assert.Equal(t, float64(10), testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("fallback", "test-model", "input")))
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.LLMTokensUsed.WithLabelValues("fallback", "test-model", "output")))
}

func TestClientChatSkipsTokenMetricsWhenZero(t *testing.T) {
	primary := &fakeAdapter{name: "primary", chatMsg: models.Message{Content: "OK"}}

	client, err := NewClient([]Adapter{primary}, nil)
	require.NoError(t, err)
	metrics := newTestClientMetrics()
	client.SetMetrics(metrics)

	_, err = client.Chat(context.Background(), ChatRequest{Model: "m"})
	require.NoError(t, err)

	assert.Equal(t, float64(0), testutil.CollectAndCount(metrics.LLMTokensUsed))
}

func TestClientHealthCheckQueriesEveryAdapterAndKeepsFailuresPerName(t *testing.T) {
	healthy := &fakeAdapter{name: "healthy"}
	unhealthy := &fakeAdapter{name: "unhealthy", healthErr: errors.New("connection refused")}

	client, err := NewClient([]Adapter{healthy, unhealthy}, nil)
	require.NoError(t, err)

	results := client.HealthCheck(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["healthy"])
	assert.EqualError(t, results["unhealthy"], "connection refused")
}
