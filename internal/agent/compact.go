package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anteroom/anteroom/pkg/models"
)

const (
	// compactMinMessages is the smallest history worth summarising.
	compactMinMessages = 4

	// compactExcerptChars bounds each message's contribution to the
	// summarisation prompt.
	compactExcerptChars = 500

	compactMaxTokens = 1000

	compactPrompt = "Summarize the following conversation concisely, preserving key facts, " +
		"decisions, file paths, and any unresolved questions. Write the summary as plain " +
		"prose, without headers."
)

// Compact summarises the history into a single system message. The
// returned list replaces the input for subsequent requests; the stored
// conversation is left untouched.
func (e *Engine) Compact(ctx context.Context, messages []*models.Message) ([]*models.Message, error) {
	if len(messages) < compactMinMessages {
		return messages, fmt.Errorf("history too short to compact: %d messages", len(messages))
	}

	before := EstimateTokens(messages)

	var transcript strings.Builder
	for _, m := range messages {
		content := m.Content
		if len(content) > compactExcerptChars {
			content = content[:compactExcerptChars] + "…"
		}
		fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, content)
	}

	prompt := []*models.Message{
		{Role: models.RoleSystem, Content: compactPrompt},
		{Role: models.RoleUser, Content: transcript.String()},
	}
	summary, err := e.provider.Complete(ctx, prompt, compactMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("summarise history: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, fmt.Errorf("summarise history: empty summary")
	}

	replacement := &models.Message{
		Role: models.RoleSystem,
		Content: fmt.Sprintf("Previous conversation summary (auto-compacted from %d messages, ~%d tokens):\n\n%s",
			len(messages), before, summary),
		CreatedAt: time.Now(),
	}
	return []*models.Message{replacement}, nil
}
