package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anteroom/anteroom/pkg/models"
)

// MaxAttachmentSize caps uploads at 10 MiB.
const MaxAttachmentSize = 10 << 20

var allowedMimeTypes = map[string]bool{
	"text/plain":                true,
	"text/markdown":             true,
	"text/css":                  true,
	"text/csv":                  true,
	"text/xml":                  true,
	"application/json":          true,
	"application/pdf":           true,
	"application/x-yaml":        true,
	"application/yaml":          true,
	"image/png":                 true,
	"image/jpeg":                true,
	"image/gif":                 true,
	"image/webp":                true,
	"application/javascript":    true,
	"text/javascript":           true,
	"application/x-python-code": true,
	"text/x-python":             true,
	"application/octet-stream":  true,
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeFilename reduces a client-supplied filename to a safe basename.
func SanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "\x00", "")
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		return "unnamed"
	}
	return name
}

// SaveAttachment validates, stores, and records a file attached to a
// message. The file lands under
// <dataRoot>/attachments/<conversation-id>/<id>_<name>.
func (s *Store) SaveAttachment(ctx context.Context, messageID, conversationID, filename, mimeType string, data []byte, dataRoot string) (*models.Attachment, error) {
	if len(data) > MaxAttachmentSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if !allowedMimeTypes[mimeType] {
		return nil, fmt.Errorf("mime type %q not allowed", mimeType)
	}

	att := &models.Attachment{
		ID:        uuid.New().String(),
		MessageID: messageID,
		Filename:  SanitizeFilename(filename),
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	att.StoragePath = filepath.Join("attachments", conversationID, att.ID+"_"+att.Filename)

	absRoot, err := filepath.Abs(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	target := filepath.Join(absRoot, att.StoragePath)
	if !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
		return nil, fmt.Errorf("attachment path escapes data directory")
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(target, data, 0o600); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, message_id, filename, mime_type, size_bytes, storage_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.MessageID, att.Filename, att.MimeType, att.SizeBytes, att.StoragePath, att.CreatedAt)
	if err != nil {
		os.Remove(target)
		return nil, fmt.Errorf("insert attachment: %w", err)
	}

	return att, nil
}

// GetAttachment returns an attachment record by ID.
func (s *Store) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a models.Attachment
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, filename, mime_type, size_bytes, storage_path, created_at
		FROM attachments WHERE id = ?`, id).
		Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StoragePath, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query attachment: %w", err)
	}
	return &a, nil
}

// ListAttachments returns the attachments recorded for a message.
func (s *Store) ListAttachments(ctx context.Context, messageID string) ([]*models.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, filename, mime_type, size_bytes, storage_path, created_at
		FROM attachments WHERE message_id = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StoragePath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}

// ResolveAttachmentPath returns the absolute on-disk path for an attachment,
// refusing paths that escape the data directory.
func ResolveAttachmentPath(dataRoot, storagePath string) (string, error) {
	absRoot, err := filepath.Abs(dataRoot)
	if err != nil {
		return "", fmt.Errorf("resolve data root: %w", err)
	}
	target := filepath.Join(absRoot, storagePath)
	if !strings.HasPrefix(target, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment path escapes data directory")
	}
	return target, nil
}

// DeleteConversation removes a conversation, its cascading rows, and its
// attachment directory.
func (s *Store) DeleteConversation(ctx context.Context, id, dataRoot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if dataRoot != "" {
		dir := filepath.Join(dataRoot, "attachments", id)
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove attachment directory", "dir", dir, "error", err)
		}
	}
	return nil
}
