package models

import "encoding/json"

// ToolDefinition describes a registered tool's self-description: what it is
// called, what it does, and the shape of the arguments it accepts.
type ToolDefinition struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Parameters     json.RawMessage `json:"parameters"`
	RequiredParams []string        `json:"required_params,omitempty"`
}
