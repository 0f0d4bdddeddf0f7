package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/anteroom/anteroom/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{"error": fmt.Sprintf(format, args...)})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{
		Search: r.URL.Query().Get("search"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}

	summaries, err := s.store.ListConversations(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list conversations: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": summaries})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	conv, err := s.store.CreateConversation(r.Context(), req.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create conversation: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation %s not found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get conversation: %v", err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list messages: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     messages,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteConversation(r.Context(), id, s.cfg.DataDir); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "delete conversation: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Position  int    `json:"position"`
		UndoFiles bool   `json:"undo_files"`
		WorkDir   string `json:"work_dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}

	if s.turnActive(id) {
		writeError(w, http.StatusConflict, "conversation %s has an active turn", id)
		return
	}

	result, err := s.store.Rewind(r.Context(), id, req.Position, req.UndoFiles, req.WorkDir, s.cfg.DataDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rewind: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if err := r.ParseMultipartForm(store.MaxAttachmentSize); err != nil {
		writeError(w, http.StatusBadRequest, "parse upload: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field: %v", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, store.MaxAttachmentSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: %v", err)
		return
	}

	messageID := r.FormValue("message_id")
	if messageID == "" {
		writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}
	mimeType := header.Header.Get("Content-Type")

	att, err := s.store.SaveAttachment(r.Context(), messageID, conversationID, header.Filename, mimeType, data, s.cfg.DataDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, "save attachment: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleGetAttachment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	att, err := s.store.GetAttachment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "attachment %s not found", id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get attachment: %v", err)
		return
	}

	path, err := store.ResolveAttachmentPath(s.cfg.DataDir, att.StoragePath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolve attachment: %v", err)
		return
	}

	disposition := "attachment"
	if strings.HasPrefix(att.MimeType, "image/") || att.MimeType == "application/pdf" || strings.HasPrefix(att.MimeType, "text/") {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", att.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, att.Filename))
	http.ServeFile(w, r, path)
}
