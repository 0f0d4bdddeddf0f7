package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/anteroom/anteroom/pkg/models"
)

const (
	defaultModel     = "gpt-4"
	streamRetries    = 3
	streamRetryDelay = 2 * time.Second
)

// OpenAIConfig configures the OpenAI-compatible provider. BaseURL may
// point at any endpoint speaking the chat completions protocol.
type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	VerifySSL    bool
}

// OpenAIProvider talks to an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	client       *openai.Client
	model        string
	systemPrompt string
	logger       *slog.Logger
}

// NewOpenAIProvider builds a provider from config. An empty model falls
// back to the default.
func NewOpenAIProvider(cfg OpenAIConfig, logger *slog.Logger) *OpenAIProvider {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if !cfg.VerifySSL {
		clientCfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		systemPrompt: cfg.SystemPrompt,
		logger:       logger.With("component", "provider", "model", model),
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Stream implements Provider. Transient request failures are retried
// with a linear backoff before the stream is abandoned.
func (p *OpenAIProvider) Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: p.convertMessages(req.Messages),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, spec := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}

	stream, err := p.openStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan *CompletionChunk)
	go p.pump(ctx, stream, out)
	return out, nil
}

func (p *OpenAIProvider) openStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	var lastErr error
	for attempt := 1; attempt <= streamRetries; attempt++ {
		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("stream request failed", "attempt", attempt, "error", err)
		if attempt < streamRetries {
			select {
			case <-time.After(time.Duration(attempt) * streamRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("create completion stream: %w", lastErr)
}

// pump reads the SSE stream and forwards chunks. Tool call fragments
// are accumulated per index and emitted whole once the model signals it
// is done calling tools.
func (p *OpenAIProvider) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- *CompletionChunk) {
	defer close(out)
	defer stream.Close()

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	pending := make(map[int]*partialCall)
	order := []int{}

	emitCalls := func() {
		for _, idx := range order {
			pc := pending[idx]
			args := pc.args.String()
			if args == "" {
				args = "{}"
			}
			send(ctx, out, &CompletionChunk{ToolCall: &models.ToolCallRequest{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: json.RawMessage(args),
			}})
		}
		pending = make(map[int]*partialCall)
		order = order[:0]
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			emitCalls()
			send(ctx, out, &CompletionChunk{FinishReason: "stop"})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, out, &CompletionChunk{Err: fmt.Errorf("stream recv: %w", err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			send(ctx, out, &CompletionChunk{Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc, ok := pending[idx]
			if !ok {
				pc = &partialCall{}
				pending[idx] = pc
				order = append(order, idx)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		switch choice.FinishReason {
		case openai.FinishReasonToolCalls:
			emitCalls()
			send(ctx, out, &CompletionChunk{FinishReason: string(openai.FinishReasonToolCalls)})
			return
		case openai.FinishReasonStop, openai.FinishReasonLength:
			emitCalls()
			send(ctx, out, &CompletionChunk{FinishReason: string(choice.FinishReason)})
			return
		}
	}
}

func send(ctx context.Context, out chan<- *CompletionChunk, chunk *CompletionChunk) {
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []*models.Message, maxTokens int) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: p.convertMessages(messages),
	}
	if maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// convertMessages maps stored messages onto the wire format. The
// configured system prompt is prepended unless the history already
// starts with a system message. Tool results are paired with the
// preceding assistant message's calls in order.
func (p *OpenAIProvider) convertMessages(msgs []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if p.systemPrompt != "" && (len(msgs) == 0 || msgs[0].Role != models.RoleSystem) {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.systemPrompt,
		})
	}

	var pendingCallIDs []string
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			pendingCallIDs = pendingCallIDs[:0]
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.ToolName,
						Arguments: string(tc.Input),
					},
				})
				pendingCallIDs = append(pendingCallIDs, tc.ID)
			}
			out = append(out, cm)
		case models.RoleTool:
			cm := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleTool,
				Content: m.Content,
			}
			if len(pendingCallIDs) > 0 {
				cm.ToolCallID = pendingCallIDs[0]
				pendingCallIDs = pendingCallIDs[1:]
			}
			out = append(out, cm)
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: m.Content,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: m.Content,
			})
		}
	}
	return out
}
