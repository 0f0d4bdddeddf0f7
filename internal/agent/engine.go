package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anteroom/anteroom/internal/store"
	"github.com/anteroom/anteroom/internal/tools"
	"github.com/anteroom/anteroom/pkg/models"
)

const (
	// DefaultMaxIterations bounds the tool loop within one turn.
	DefaultMaxIterations = 10

	// DefaultWarnTokens is the estimated context size above which a
	// warning is logged before each request.
	DefaultWarnTokens = 80_000

	// DefaultCompactTokens is the estimated context size above which the
	// history is summarised before the request goes out.
	DefaultCompactTokens = 100_000
)

// EngineConfig tunes turn execution. Zero values fall back to defaults.
type EngineConfig struct {
	MaxIterations int
	WarnTokens    int
	CompactTokens int
}

// Engine drives assistant turns against one provider, store, and tool
// registry. It is safe for concurrent turns on distinct conversations.
type Engine struct {
	provider Provider
	store    *store.Store
	registry *tools.Registry
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine wires an engine. Nil logger falls back to slog.Default.
func NewEngine(provider Provider, st *store.Store, registry *tools.Registry, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.WarnTokens <= 0 {
		cfg.WarnTokens = DefaultWarnTokens
	}
	if cfg.CompactTokens <= 0 {
		cfg.CompactTokens = DefaultCompactTokens
	}
	return &Engine{
		provider: provider,
		store:    st,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
	}
}

// TurnInput describes one turn. The user message is assumed to be
// already appended to the conversation. FollowUps, when non-nil, is
// drained between tool iterations; Cancel, when non-nil, is invoked if
// a queued exit command arrives.
type TurnInput struct {
	ConversationID string
	FollowUps      <-chan string
	Cancel         context.CancelFunc
}

// RunTurn executes one turn and returns its event timeline. The channel
// is closed when the turn ends; the caller must drain it. Cancelling ctx
// ends the turn after in-flight tool calls complete; no partial
// assistant message is persisted.
func (e *Engine) RunTurn(ctx context.Context, input TurnInput) <-chan models.Event {
	out := make(chan models.Event)
	go e.runTurn(ctx, input, out)
	return out
}

type emitter struct {
	ch  chan<- models.Event
	seq int64
}

func (em *emitter) emit(kind models.EventKind, data map[string]any) {
	em.seq++
	ev := models.NewEvent(kind, data)
	ev.Seq = em.seq
	em.ch <- ev
}

func (e *Engine) runTurn(ctx context.Context, input TurnInput, out chan<- models.Event) {
	defer close(out)
	em := &emitter{ch: out}
	logger := e.logger.With("conversation_id", input.ConversationID)

	// Persistence must survive cancellation: tool results and the tool
	// transcript are written even when the turn is being torn down.
	persistCtx := context.WithoutCancel(ctx)

	messages, err := e.store.ListMessages(ctx, input.ConversationID)
	if err != nil {
		em.emit(models.EventError, map[string]any{"message": fmt.Sprintf("load conversation: %v", err)})
		return
	}

	em.emit(models.EventThinking, nil)

	specs := e.toolSpecs()
	for iteration := 0; iteration < e.cfg.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			em.emit(models.EventDone, nil)
			return
		}

		messages = e.manageContext(ctx, input.ConversationID, messages, logger)

		text, calls, finish, err := e.streamOnce(ctx, messages, specs, em)
		if err != nil {
			if ctx.Err() != nil {
				em.emit(models.EventDone, nil)
				return
			}
			em.emit(models.EventError, map[string]any{"message": err.Error()})
			return
		}

		if finish != "tool_calls" || len(calls) == 0 {
			if ctx.Err() != nil {
				em.emit(models.EventDone, nil)
				return
			}
			msg, err := e.store.AppendMessage(persistCtx, input.ConversationID, models.RoleAssistant, text)
			if err != nil {
				em.emit(models.EventError, map[string]any{"message": fmt.Sprintf("persist assistant message: %v", err)})
				return
			}
			em.emit(models.EventAssistantMessage, map[string]any{"id": msg.ID, "content": text})
			e.maybeGenerateTitle(persistCtx, input.ConversationID, logger)
			em.emit(models.EventDone, nil)
			return
		}

		// Tool iteration: the assistant message anchors the call records
		// even when its text is empty.
		assistantMsg, err := e.store.AppendMessage(persistCtx, input.ConversationID, models.RoleAssistant, text)
		if err != nil {
			em.emit(models.EventError, map[string]any{"message": fmt.Sprintf("persist assistant message: %v", err)})
			return
		}
		messages = append(messages, assistantMsg)

		for _, call := range calls {
			toolMsg, err := e.executeCall(persistCtx, input.ConversationID, assistantMsg, call, em, logger)
			if err != nil {
				em.emit(models.EventError, map[string]any{"message": err.Error()})
				return
			}
			assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, toolMsg.call)
			messages = append(messages, toolMsg.message)
		}

		if ctx.Err() != nil {
			em.emit(models.EventDone, nil)
			return
		}

		messages = e.drainFollowUps(persistCtx, input, messages, em, logger)
	}

	em.emit(models.EventError, map[string]any{
		"message": fmt.Sprintf("tool loop exceeded %d iterations", e.cfg.MaxIterations),
	})
}

// streamOnce runs one completion request to its finish, emitting token
// events and collecting tool calls.
func (e *Engine) streamOnce(ctx context.Context, messages []*models.Message, specs []ToolSpec, em *emitter) (string, []*models.ToolCallRequest, string, error) {
	stream, err := e.provider.Stream(ctx, &CompletionRequest{Messages: messages, Tools: specs})
	if err != nil {
		return "", nil, "", fmt.Errorf("open stream: %w", err)
	}

	var text strings.Builder
	var calls []*models.ToolCallRequest
	finish := "stop"
	for chunk := range stream {
		switch {
		case chunk.Err != nil:
			return "", nil, "", chunk.Err
		case chunk.Text != "":
			text.WriteString(chunk.Text)
			em.emit(models.EventToken, map[string]any{"text": chunk.Text})
		case chunk.ToolCall != nil:
			calls = append(calls, chunk.ToolCall)
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}
	return text.String(), calls, finish, nil
}

type executedCall struct {
	call    *models.ToolCall
	message *models.Message
}

// executeCall persists a pending record, dispatches, completes the
// record, and appends the tool-role transcript message.
func (e *Engine) executeCall(ctx context.Context, conversationID string, assistantMsg *models.Message, call *models.ToolCallRequest, em *emitter, logger *slog.Logger) (*executedCall, error) {
	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			logger.Warn("unparseable tool arguments", "tool", call.Name, "error", err)
			args = map[string]any{}
		}
	}

	record, err := e.store.RecordToolCall(ctx, assistantMsg.ID, call.ID, call.Name, e.registry.ProviderName(call.Name), call.Arguments)
	if err != nil {
		return nil, fmt.Errorf("record tool call: %w", err)
	}
	em.emit(models.EventToolCallStart, map[string]any{
		"id":        record.ID,
		"name":      call.Name,
		"arguments": args,
	})

	status := models.ToolCallSuccess
	result, dispatchErr := e.registry.Dispatch(ctx, call.Name, args)
	if dispatchErr != nil {
		status = models.ToolCallError
		result = map[string]any{"error": dispatchErr.Error()}
		logger.Warn("tool dispatch failed", "tool", call.Name, "error", dispatchErr)
	}
	output, err := json.Marshal(result)
	if err != nil {
		output = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
		status = models.ToolCallError
	}

	if err := e.store.CompleteToolCall(ctx, record.ID, output, status); err != nil {
		return nil, fmt.Errorf("complete tool call: %w", err)
	}
	record.Output = output
	record.Status = status
	em.emit(models.EventToolCallEnd, map[string]any{
		"id":     record.ID,
		"status": string(status),
		"output": result,
	})

	toolMsg, err := e.store.AppendMessage(ctx, conversationID, models.RoleTool, string(output))
	if err != nil {
		return nil, fmt.Errorf("persist tool message: %w", err)
	}
	return &executedCall{call: record, message: toolMsg}, nil
}

// drainFollowUps splices queued user input into the conversation.
// Slash commands are filtered; exit commands cancel the turn.
func (e *Engine) drainFollowUps(ctx context.Context, input TurnInput, messages []*models.Message, em *emitter, logger *slog.Logger) []*models.Message {
	if input.FollowUps == nil {
		return messages
	}
	for {
		select {
		case content, ok := <-input.FollowUps:
			if !ok {
				return messages
			}
			content = strings.TrimSpace(content)
			if content == "" {
				continue
			}
			if strings.HasPrefix(content, "/") {
				if IsExitCommand(content) && input.Cancel != nil {
					input.Cancel()
					return messages
				}
				logger.Warn("ignoring queued command during turn", "command", content)
				continue
			}
			msg, err := e.store.AppendMessage(ctx, input.ConversationID, models.RoleUser, content)
			if err != nil {
				logger.Error("persist queued message", "error", err)
				continue
			}
			messages = append(messages, msg)
			em.emit(models.EventQueuedMessage, map[string]any{"id": msg.ID, "content": content})
		default:
			return messages
		}
	}
}

// IsExitCommand reports whether a queued slash command asks to end the
// turn rather than steer it.
func IsExitCommand(command string) bool {
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "/exit", "/quit", "/q":
		return true
	}
	return false
}

// manageContext estimates the request size, warns past the soft limit,
// and compacts past the hard one. On compaction failure the original
// history is kept.
func (e *Engine) manageContext(ctx context.Context, conversationID string, messages []*models.Message, logger *slog.Logger) []*models.Message {
	estimate := EstimateTokens(messages)
	if estimate > e.cfg.CompactTokens {
		compacted, err := e.Compact(ctx, messages)
		if err != nil {
			logger.Warn("compaction failed, continuing with full history", "error", err, "estimated_tokens", estimate)
			return messages
		}
		logger.Info("history compacted",
			"conversation_id", conversationID,
			"before_tokens", estimate,
			"after_tokens", EstimateTokens(compacted))
		return compacted
	}
	if estimate > e.cfg.WarnTokens {
		logger.Warn("context approaching limit", "estimated_tokens", estimate)
	}
	return messages
}

func (e *Engine) toolSpecs() []ToolSpec {
	if e.registry == nil {
		return nil
	}
	defs := e.registry.List()
	specs := make([]ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, ToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}
	return specs
}
