package gateway

import (
	"net/http"

	"github.com/anteroom/anteroom/internal/bus"
	"github.com/anteroom/anteroom/internal/store"
)

// handleEvents streams a bus channel as SSE until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = bus.GlobalChannel(store.PersonalDatabase)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.bus.Subscribe(channel)
	defer s.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-sub.Events:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.approvals.Pending()})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.resolveApproval(w, r, false)
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request, approved bool) {
	id := r.PathValue("id")
	if !s.approvals.Resolve(id, approved, approvalOwner) {
		writeError(w, http.StatusNotFound, "approval %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "approved": approved})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"model":      s.cfg.AI.Model,
		"process_id": s.bus.ProcessID(),
	}
	if s.providers != nil {
		resp["providers"] = s.providers.Statuses()
	}
	writeJSON(w, http.StatusOK, resp)
}
