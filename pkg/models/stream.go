package models

// StreamChunkType tags the variant carried by a StreamChunk.
type StreamChunkType string

const (
	ChunkText     StreamChunkType = "text"
	ChunkToolCall StreamChunkType = "tool_start"
	ChunkToolEnd  StreamChunkType = "tool_end"
	ChunkError    StreamChunkType = "error"
	ChunkDone     StreamChunkType = "done"
)

// StreamChunk is one element of a streamed chat response. Exactly the fields
// relevant to Type are populated; callers must switch on Type rather than
// infer it from which fields are set.
type StreamChunk struct {
	Type       StreamChunkType `json:"type"`
	Content    string          `json:"content,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
	Err        error           `json:"-"`
}
