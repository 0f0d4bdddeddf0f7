package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// RewindResult reports what a rewind removed and reverted.
type RewindResult struct {
	DeletedMessages int      `json:"deleted_messages"`
	RevertedFiles   []string `json:"reverted_files"`
	SkippedFiles    []string `json:"skipped_files"`
}

// fileWritingTools maps tool names to the argument key holding the path of
// the file they modify.
var fileWritingTools = map[string]string{
	"write_file": "path",
	"edit_file":  "path",
}

// Rewind deletes every message with position greater than toPosition. Tool
// call and attachment rows cascade; attachment files of the deleted range
// are removed from disk. When undoFiles is set, files touched by
// file-writing tool calls in the deleted range are restored from git in
// workDir; paths git cannot restore are reported as skipped.
func (s *Store) Rewind(ctx context.Context, conversationID string, toPosition int, undoFiles bool, workDir, dataRoot string) (*RewindResult, error) {
	s.mu.Lock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				_ = err
			}
		}
		s.mu.Unlock()
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM messages WHERE conversation_id = ? AND position > ?`,
		conversationID, toPosition)
	if err != nil {
		return nil, fmt.Errorf("select doomed messages: %w", err)
	}
	var doomed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		doomed = append(doomed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &RewindResult{DeletedMessages: len(doomed)}
	if len(doomed) == 0 {
		committed = true
		return result, tx.Commit()
	}

	var filePaths []string
	var storagePaths []string
	for _, msgID := range doomed {
		paths, err := collectFilePathsTx(ctx, tx, msgID)
		if err != nil {
			return nil, err
		}
		filePaths = append(filePaths, paths...)

		attRows, err := tx.QueryContext(ctx,
			`SELECT storage_path FROM attachments WHERE message_id = ?`, msgID)
		if err != nil {
			return nil, fmt.Errorf("select attachments: %w", err)
		}
		for attRows.Next() {
			var p string
			if err := attRows.Scan(&p); err != nil {
				attRows.Close()
				return nil, fmt.Errorf("scan storage path: %w", err)
			}
			storagePaths = append(storagePaths, p)
		}
		attRows.Close()
		if err := attRows.Err(); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ? AND position > ?`,
		conversationID, toPosition); err != nil {
		return nil, fmt.Errorf("delete messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	for _, p := range storagePaths {
		target, err := ResolveAttachmentPath(dataRoot, p)
		if err != nil {
			continue
		}
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove attachment file", "path", target, "error", err)
		}
	}

	if undoFiles {
		seen := make(map[string]bool)
		for _, p := range filePaths {
			if seen[p] {
				continue
			}
			seen[p] = true
			if revertFile(ctx, workDir, p) {
				result.RevertedFiles = append(result.RevertedFiles, p)
			} else {
				result.SkippedFiles = append(result.SkippedFiles, p)
			}
		}
	}

	return result, nil
}

// CollectFilePaths returns the file paths touched by file-writing tool
// calls on the given messages, for building rewind prompts.
func (s *Store) CollectFilePaths(ctx context.Context, conversationID string, afterPosition int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT tc.tool_name, tc.input_json
		FROM tool_calls tc JOIN messages m ON m.id = tc.message_id
		WHERE m.conversation_id = ? AND m.position > ?`,
		conversationID, afterPosition)
	if err != nil {
		return nil, fmt.Errorf("select tool calls: %w", err)
	}
	defer rows.Close()

	var paths []string
	seen := make(map[string]bool)
	for rows.Next() {
		var name, input string
		if err := rows.Scan(&name, &input); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if p := extractFilePath(name, json.RawMessage(input)); p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, rows.Err()
}

func collectFilePathsTx(ctx context.Context, tx *sql.Tx, messageID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT tool_name, input_json FROM tool_calls WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, fmt.Errorf("select tool calls: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var name, input string
		if err := rows.Scan(&name, &input); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if p := extractFilePath(name, json.RawMessage(input)); p != "" {
			paths = append(paths, p)
		}
	}
	return paths, rows.Err()
}

func extractFilePath(toolName string, input json.RawMessage) string {
	key, ok := fileWritingTools[toolName]
	if !ok {
		return ""
	}
	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	if p, ok := args[key].(string); ok {
		return p
	}
	// Some clients send file_path instead of path.
	if p, ok := args["file_path"].(string); ok {
		return p
	}
	return ""
}

// revertFile restores a single file from HEAD. Returns false when the file
// is untracked or outside the repository.
func revertFile(ctx context.Context, workDir, path string) bool {
	if workDir == "" {
		return false
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}
	cmd := exec.CommandContext(ctx, "git", "checkout", "--", path)
	cmd.Dir = workDir
	return cmd.Run() == nil
}
