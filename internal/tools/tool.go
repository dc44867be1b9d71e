// Package tools defines the capability contract every agent tool implements
// and a Registry that looks tools up and enforces a per-call timeout around
// their execution.
package tools

import (
	"context"
	"encoding/json"

	"github.com/loomagent/loom/pkg/models"
)

// Tool is implemented by every capability the agent can invoke during its
// tool loop. Execute must never panic or return a non-nil error for anything
// other than a programming bug; ordinary failures (bad input, a blocked
// command, a failed HTTP request) are reported through ToolResult instead.
type Tool interface {
	// Name is the stable identifier the LLM refers to the tool by.
	Name() string
	// Description is shown to the LLM to help it decide when to call this tool.
	Description() string
	// Schema is the tool's parameters as a JSON Schema document.
	Schema() json.RawMessage
	// RequiredParams lists the parameter names Schema marks required.
	RequiredParams() []string
	// Execute runs the tool against the given arguments, already validated
	// against Schema by the Registry.
	Execute(ctx context.Context, args map[string]any) (models.ToolResult, error)
}

// Definition converts a Tool into the wire-level models.ToolDefinition the
// prompt assembler and LLM adapters pass to the provider API.
func Definition(t Tool) models.ToolDefinition {
	return models.ToolDefinition{
		Name:           t.Name(),
		Description:    t.Description(),
		Parameters:     t.Schema(),
		RequiredParams: t.RequiredParams(),
	}
}
