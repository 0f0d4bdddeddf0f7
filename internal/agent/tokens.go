package agent

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/anteroom/anteroom/pkg/models"
)

const (
	tokenEncoding = "cl100k_base"

	// perMessageOverhead approximates the wire framing tokens each
	// message costs beyond its content.
	perMessageOverhead = 4
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenEncoder() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// EstimateTokens approximates the context cost of a message list. When
// the tokenizer is unavailable it falls back to a bytes/4 heuristic.
func EstimateTokens(messages []*models.Message) int {
	enc := tokenEncoder()
	total := 0
	for _, m := range messages {
		if enc != nil {
			total += len(enc.Encode(m.Content, nil, nil))
		} else {
			total += len(m.Content) / 4
		}
		total += perMessageOverhead
		for _, tc := range m.ToolCalls {
			total += (len(tc.Input) + len(tc.Output)) / 4
		}
	}
	return total
}

// EstimateText approximates the token cost of a single string.
func EstimateText(text string) int {
	if enc := tokenEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
