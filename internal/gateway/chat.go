package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anteroom/anteroom/internal/agent"
	"github.com/anteroom/anteroom/internal/bus"
	"github.com/anteroom/anteroom/internal/store"
	"github.com/anteroom/anteroom/pkg/models"
)

// handleChat appends the user message and streams the turn timeline as
// SSE. When a turn is already running for the conversation, the message
// is queued as a follow-up instead.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	if _, err := s.store.GetConversation(r.Context(), conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation %s not found", conversationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "get conversation: %v", err)
		return
	}

	if turn := s.lookupTurn(conversationID); turn != nil {
		select {
		case turn.followUps <- req.Message:
			writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		default:
			writeError(w, http.StatusTooManyRequests, "follow-up queue full")
		}
		return
	}

	if _, err := s.store.AppendMessage(r.Context(), conversationID, models.RoleUser, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, "append message: %v", err)
		return
	}

	// The turn runs on its own context so a dropped SSE client does not
	// abort it; /stop is the cancellation path.
	turnCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn := &activeTurn{cancel: cancel, followUps: make(chan string, followUpQueueSize)}
	if !s.registerTurn(conversationID, turn) {
		writeError(w, http.StatusConflict, "conversation %s has an active turn", conversationID)
		return
	}
	defer s.releaseTurn(conversationID)
	s.metrics.turnsTotal.Inc()

	flusher, streaming := w.(http.Flusher)
	if streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	channel := bus.ConversationChannel(conversationID)
	pubCtx := context.WithoutCancel(turnCtx)
	emit := func(ev models.Event) {
		s.observeEvent(ev)
		if ev.Kind != models.EventToken {
			s.bus.Publish(pubCtx, channel, ev)
		}
		if streaming {
			writeSSE(w, ev)
			flusher.Flush()
		}
	}

	runTurn := func() {
		events := s.engine.RunTurn(turnCtx, agent.TurnInput{
			ConversationID: conversationID,
			FollowUps:      turn.followUps,
			Cancel:         cancel,
		})
		for ev := range events {
			emit(ev)
		}
	}
	runTurn()

	// A follow-up accepted with 202 may arrive too late for the engine
	// to splice it; leftovers become turns of their own rather than
	// vanishing from an abandoned queue.
	for turnCtx.Err() == nil {
		if !s.spliceLeftovers(pubCtx, conversationID, turn, cancel, emit) {
			break
		}
		s.metrics.turnsTotal.Inc()
		runTurn()
	}
}

// spliceLeftovers drains the follow-up queue after a turn has ended,
// persisting each plain message. It reports whether anything was
// persisted and a follow-on turn is due.
func (s *Server) spliceLeftovers(ctx context.Context, conversationID string, turn *activeTurn, cancel context.CancelFunc, emit func(models.Event)) bool {
	spliced := false
	for {
		select {
		case content := <-turn.followUps:
			content = strings.TrimSpace(content)
			if content == "" {
				continue
			}
			if strings.HasPrefix(content, "/") {
				if agent.IsExitCommand(content) {
					cancel()
					return spliced
				}
				s.logger.Warn("ignoring queued command", "command", content)
				continue
			}
			msg, err := s.store.AppendMessage(ctx, conversationID, models.RoleUser, content)
			if err != nil {
				s.logger.Error("persist queued message", "conversation_id", conversationID, "error", err)
				continue
			}
			emit(models.NewEvent(models.EventQueuedMessage, map[string]any{"id": msg.ID, "content": content}))
			spliced = true
		default:
			return spliced
		}
	}
}

func (s *Server) observeEvent(ev models.Event) {
	switch ev.Kind {
	case models.EventToken:
		s.metrics.tokensStreamed.Inc()
	case models.EventToolCallEnd:
		status, _ := ev.Data["status"].(string)
		if status == "" {
			status = "unknown"
		}
		s.metrics.toolDispatches.WithLabelValues(status).Inc()
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	turn := s.lookupTurn(conversationID)
	if turn == nil {
		writeError(w, http.StatusNotFound, "no active turn for %s", conversationID)
		return
	}
	turn.cancel()
	writeJSON(w, http.StatusOK, map[string]any{"stopped": conversationID})
}

func (s *Server) lookupTurn(conversationID string) *activeTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[conversationID]
}

func (s *Server) turnActive(conversationID string) bool {
	return s.lookupTurn(conversationID) != nil
}

func (s *Server) registerTurn(conversationID string, turn *activeTurn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.turns[conversationID]; exists {
		return false
	}
	s.turns[conversationID] = turn
	return true
}

func (s *Server) releaseTurn(conversationID string) {
	s.mu.Lock()
	delete(s.turns, conversationID)
	s.mu.Unlock()
}

func writeSSE(w http.ResponseWriter, ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, payload)
}
