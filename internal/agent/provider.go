// Package agent runs the assistant turn loop: it streams model output,
// executes tool calls through the registry, persists every step, and
// emits progress events for subscribers.
package agent

import (
	"context"

	"github.com/anteroom/anteroom/pkg/models"
)

// CompletionRequest carries one model invocation: the full message
// history, the advertised tools, and generation limits.
type CompletionRequest struct {
	Messages  []*models.Message
	Tools     []ToolSpec
	MaxTokens int
}

// ToolSpec is the provider-neutral tool advertisement.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// CompletionChunk is one streamed increment. Exactly one of Text,
// ToolCall, or Err is set; FinishReason arrives on the final chunk.
type CompletionChunk struct {
	Text         string
	ToolCall     *models.ToolCallRequest
	FinishReason string
	Err          error
}

// Provider streams completions from a language model backend.
type Provider interface {
	Name() string

	// Stream starts a completion and returns a channel of chunks. The
	// channel is closed when the completion finishes or fails; a failure
	// is delivered as a final chunk with Err set.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Complete runs a short non-streaming completion and returns the
	// full text. Used for titles and summaries.
	Complete(ctx context.Context, messages []*models.Message, maxTokens int) (string, error)
}
