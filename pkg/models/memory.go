package models

import (
	"time"

	"github.com/google/uuid"
)

// MemoryType categorizes a MemoryEntry.
type MemoryType string

const (
	MemoryEpisodic   MemoryType = "episodic"
	MemorySemantic   MemoryType = "semantic"
	MemoryProcedural MemoryType = "procedural"
)

// MemoryEntry is a durable fact or observation indexed for later retrieval.
//
// Invariants: Importance is clamped to [0,1]; LastAccessed >= CreatedAt;
// AccessCount is monotonically non-decreasing.
type MemoryEntry struct {
	ID                   string         `json:"id"`
	Content              string         `json:"content"`
	MemoryType           MemoryType     `json:"memory_type"`
	Importance           float64        `json:"importance"`
	Embedding            []float32      `json:"embedding,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	SourceConversationID string         `json:"source_conversation_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	LastAccessed         time.Time      `json:"last_accessed"`
	AccessCount          int            `json:"access_count"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// NewMemoryEntry builds a MemoryEntry with a fresh id and timestamps set to
// now, clamping Importance to [0,1].
func NewMemoryEntry(content string, memoryType MemoryType, importance float64) MemoryEntry {
	now := time.Now()
	return MemoryEntry{
		ID:            uuid.NewString(),
		Content:       content,
		MemoryType:    memoryType,
		Importance:    ClampImportance(importance),
		CreatedAt:     now,
		LastAccessed:  now,
		AccessCount:   0,
	}
}

// ClampImportance restricts v to the closed interval [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Touch records a retrieval access, bumping AccessCount and LastAccessed.
func (e *MemoryEntry) Touch() {
	e.AccessCount++
	e.LastAccessed = time.Now()
}
