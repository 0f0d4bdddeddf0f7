package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/anteroom/anteroom/pkg/models"
)

const (
	titlePrompt = "Generate a short title (3-6 words) for this conversation. " +
		"Return only the title, no quotes or punctuation."
	titleMaxTokens = 20
)

// maybeGenerateTitle sets a title after the first full exchange on a
// fresh conversation. Any failure keeps the default title.
func (e *Engine) maybeGenerateTitle(ctx context.Context, conversationID string, logger *slog.Logger) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil || conv.Title != models.DefaultConversationTitle {
		return
	}
	messages, err := e.store.ListMessages(ctx, conversationID)
	if err != nil {
		return
	}

	var firstUser, firstAssistant string
	for _, m := range messages {
		switch {
		case firstUser == "" && m.Role == models.RoleUser:
			firstUser = m.Content
		case firstAssistant == "" && m.Role == models.RoleAssistant && m.Content != "":
			firstAssistant = m.Content
		}
	}
	if firstUser == "" || firstAssistant == "" {
		return
	}

	prompt := []*models.Message{
		{Role: models.RoleSystem, Content: titlePrompt},
		{Role: models.RoleUser, Content: "User: " + firstUser + "\nAssistant: " + firstAssistant},
	}
	raw, err := e.provider.Complete(ctx, prompt, titleMaxTokens)
	if err != nil {
		logger.Warn("title generation failed", "error", err)
		return
	}
	title := cleanTitle(raw)
	if title == "" {
		return
	}
	if err := e.store.UpdateConversationTitle(ctx, conversationID, title); err != nil {
		logger.Warn("title update failed", "error", err)
	}
}

func cleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	title = strings.TrimSuffix(title, ".")
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	return title
}
