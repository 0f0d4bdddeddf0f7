package models

import "time"

// DefaultConversationTitle is assigned to conversations created without an
// explicit title. Title generation only replaces this value.
const DefaultConversationTitle = "New Conversation"

// Conversation is a persistent chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationSummary is a conversation row augmented with its message
// count, as returned by listings.
type ConversationSummary struct {
	Conversation
	MessageCount int `json:"message_count"`
}
