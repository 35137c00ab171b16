// Package model defines data structures for the chat platform.
package model

import (
	"time"
)

// Conversation is the durable message log of one assistant thread.
type Conversation struct {
	ThreadID  string       `json:"threadId"`
	UserID    string       `json:"userId"`
	Owner     *UserSummary `json:"owner,omitempty"`
	Messages  []Message    `json:"messages"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// IsOwnedBy reports whether userID owns the conversation.
func (c *Conversation) IsOwnedBy(userID string) bool {
	return c != nil && userID != "" && c.UserID == userID
}

// ConversationSummary is the listing projection of a conversation.
type ConversationSummary struct {
	ThreadID     string    `json:"threadId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview,omitempty"`
}

// PreviewLength caps the summary preview in runes.
const PreviewLength = 80

// Summarize builds the listing projection of c.
func (c *Conversation) Summarize() ConversationSummary {
	s := ConversationSummary{
		ThreadID:     c.ThreadID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
	}
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			s.Preview = Preview(m.Content)
			break
		}
	}
	return s
}

// Preview truncates content to PreviewLength runes.
func Preview(content string) string {
	r := []rune(content)
	if len(r) <= PreviewLength {
		return content
	}
	return string(r[:PreviewLength])
}
