package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation is an append-only ordered sequence of Messages sharing an id.
// It exclusively owns its Messages; callers never mutate them in place.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Messages  []Message      `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewConversation creates an empty Conversation with a fresh id.
func NewConversation(id string) *Conversation {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	return &Conversation{ID: id, CreatedAt: now, UpdatedAt: now}
}

// AddMessage appends a message and refreshes UpdatedAt.
func (c *Conversation) AddMessage(m Message) {
	c.Messages = append(c.Messages, m)
	c.UpdatedAt = time.Now()
}

// LastAssistantMessage returns the most recent assistant message, if any.
func (c *Conversation) LastAssistantMessage() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Role == RoleAssistant {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}
