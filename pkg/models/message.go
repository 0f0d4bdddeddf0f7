// Package models defines the core data types shared across the runtime.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether the role is one of the persistable roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is a single entry in a conversation timeline. Position is dense
// and zero-based within the conversation.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Position       int          `json:"position"`
	ToolCalls      []*ToolCall  `json:"tool_calls,omitempty"`
	Attachments    []*Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// ToolCallStatus tracks the lifecycle of a persisted tool invocation.
type ToolCallStatus string

const (
	ToolCallPending ToolCallStatus = "pending"
	ToolCallSuccess ToolCallStatus = "success"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCall is a persisted record of a tool invocation requested by the
// assistant. Input and Output hold JSON documents.
type ToolCall struct {
	ID           string          `json:"id"`
	MessageID    string          `json:"message_id"`
	ToolName     string          `json:"tool_name"`
	ProviderName string          `json:"provider_name,omitempty"`
	Input        json.RawMessage `json:"input"`
	Output       json.RawMessage `json:"output,omitempty"`
	Status       ToolCallStatus  `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ToolCallRequest is an in-flight tool invocation assembled from a model
// stream, before any record exists for it.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Attachment is a file stored alongside a message. StoragePath is relative
// to the data directory.
type Attachment struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
}
