package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomagent/loom/internal/agenterr"
	"github.com/loomagent/loom/internal/observability"
	"github.com/loomagent/loom/pkg/models"
)

// DefaultTimeout is the per-call execution timeout applied when a Registry is
// built without an explicit one (§4.5).
const DefaultTimeout = 30 * time.Second

// Registry holds the set of tools available to the agent and wraps every
// execution with argument validation and a timeout.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	timeout time.Duration
	metrics *observability.Metrics
}

// SetMetrics attaches Prometheus metrics recording to the Registry. Safe to
// call with nil to disable metrics; metrics default to disabled until set.
func (r *Registry) SetMetrics(metrics *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
}

// NewRegistry builds an empty Registry. A non-positive timeout falls back to
// DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		timeout: timeout,
	}
}

// Register adds a tool, compiling its JSON Schema up front so a malformed
// schema fails at registration time rather than on first use. Replaces any
// existing tool registered under the same name.
func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.Schema())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
	return nil
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool's wire-level definition, for the prompt
// assembler's "Available Tools" section and the LLM adapter's tool-use
// payload.
func (r *Registry) List() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, Definition(t))
	}
	return defs
}

// Execute validates args against the tool's schema, then runs it under a
// per-call timeout. It never returns a raw panic or unexpected error from the
// tool itself as a Go error — those are converted to agenterr.ToolExecutionError
// and surfaced to the caller so the conversation loop can still append a
// ToolResult turn.
func (r *Registry) Execute(ctx context.Context, call models.ToolCall) (models.ToolResult, error) {
	start := time.Now()

	r.mu.RLock()
	t, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	metrics := r.metrics
	r.mu.RUnlock()

	recordMetrics := func(status string) {
		if metrics != nil {
			metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
		}
	}

	if !ok {
		recordMetrics("not_found")
		return models.ToolResult{}, agenterr.NewToolNotFoundError(call.Name)
	}

	if err := validateArgs(schema, call.Arguments); err != nil {
		recordMetrics("invalid_args")
		return models.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Success:    false,
			Error:      err.Error(),
			DurationMs: float64(time.Since(start).Milliseconds()),
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type execOutcome struct {
		result models.ToolResult
		err    error
	}
	outcome := make(chan execOutcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				outcome <- execOutcome{err: agenterr.NewToolExecutionError(call.Name, fmt.Sprintf("panic: %v", p), nil)}
			}
		}()
		res, err := t.Execute(ctx, call.Arguments)
		outcome <- execOutcome{result: res, err: err}
	}()

	select {
	case <-ctx.Done():
		recordMetrics("timeout")
		return models.ToolResult{}, agenterr.NewToolTimeoutError(call.Name, r.timeout.Seconds())
	case o := <-outcome:
		if o.err != nil {
			recordMetrics("error")
			return models.ToolResult{}, agenterr.NewToolExecutionError(call.Name, o.err.Error(), o.err)
		}
		o.result.ToolCallID = call.ID
		o.result.ToolName = call.Name
		o.result.DurationMs = float64(time.Since(start).Milliseconds())
		if o.result.Success {
			recordMetrics("success")
		} else {
			recordMetrics("failure")
		}
		return o.result, nil
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("tool %s: invalid schema json: %w", name, err)
	}

	resource := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
	}
	return schema, nil
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	return schema.ValidateInterface(args)
}
