// Package store implements the SQLite persistence layer: conversations,
// messages, tool call records, attachments, and the change log backing the
// cross-process event bus.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/anteroom/anteroom/pkg/models"
)

// DefaultPageLimit bounds conversation listings when no limit is given.
const DefaultPageLimit = 100

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a single SQLite database file. All operations are serialized
// by one store-wide mutex; SQLite handles durability.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex

	ftsEnabled bool
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps WAL setup and the in-memory case sane.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With("component", "store", "path", path),
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// Full-text search is optional: if the fts5 module is unavailable,
	// search degrades to unfiltered listing.
	s.ftsEnabled = true
	for _, stmt := range ftsStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			s.logger.Warn("full-text search unavailable", "error", err)
			s.ftsEnabled = false
			break
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FTSEnabled reports whether full-text search is available.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

// CreateConversation creates a conversation. An empty title gets the
// default.
func (s *Store) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if title == "" {
		title = models.DefaultConversationTitle
	}

	conv := &models.Conversation{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	conv.UpdatedAt = conv.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return conv, nil
}

// GetConversation returns a conversation by ID, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getConversationLocked(ctx, id)
}

func (s *Store) getConversationLocked(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &conv, nil
}

// UpdateConversationTitle sets the title and bumps updated_at.
func (s *Store) UpdateConversationTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOptions controls conversation listings.
type ListOptions struct {
	Search string
	Limit  int
	Offset int
}

// ListConversations returns conversation summaries ordered by most recent
// activity. A non-empty Search restricts results via full-text match over
// titles and message contents; the query is treated as a verbatim phrase.
func (s *Store) ListConversations(ctx context.Context, opts ListOptions) ([]*models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	query := `SELECT c.id, c.title, c.created_at, c.updated_at,
		(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count
		FROM conversations c`
	args := []any{}

	if opts.Search != "" && s.ftsEnabled {
		query += ` JOIN conversations_fts f ON f.conversation_id = c.id
			WHERE conversations_fts MATCH ?`
		args = append(args, ftsPhrase(opts.Search))
	}

	query += ` ORDER BY c.updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []*models.ConversationSummary
	for rows.Next() {
		var cs models.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.CreatedAt, &cs.UpdatedAt, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		result = append(result, &cs)
	}
	return result, rows.Err()
}

// ftsPhrase quotes the user query as a single phrase so fts5 operators in
// the input are matched literally rather than interpreted.
func ftsPhrase(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

// AppendMessage appends a message at the next dense position and bumps the
// conversation's updated_at, all in one transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role models.Role, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !role.Valid() {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&msg.Position); err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Position, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// ListMessages returns all messages in position order, with tool calls and
// attachments attached.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, position, created_at
		FROM messages WHERE conversation_id = ? ORDER BY position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	byID := make(map[string]*models.Message)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Position, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &m)
		byID[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	tcRows, err := s.db.QueryContext(ctx,
		`SELECT tc.id, tc.message_id, tc.tool_name, tc.provider_name, tc.input_json, tc.output_json, tc.status, tc.created_at
		FROM tool_calls tc JOIN messages m ON m.id = tc.message_id
		WHERE m.conversation_id = ? ORDER BY tc.created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer tcRows.Close()

	for tcRows.Next() {
		tc, err := scanToolCall(tcRows)
		if err != nil {
			return nil, err
		}
		if m, ok := byID[tc.MessageID]; ok {
			m.ToolCalls = append(m.ToolCalls, tc)
		}
	}
	if err := tcRows.Err(); err != nil {
		return nil, err
	}

	attRows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.message_id, a.filename, a.mime_type, a.size_bytes, a.storage_path, a.created_at
		FROM attachments a JOIN messages m ON m.id = a.message_id
		WHERE m.conversation_id = ? ORDER BY a.created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer attRows.Close()

	for attRows.Next() {
		var a models.Attachment
		if err := attRows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MimeType, &a.SizeBytes, &a.StoragePath, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		if m, ok := byID[a.MessageID]; ok {
			m.Attachments = append(m.Attachments, &a)
		}
	}
	return messages, attRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToolCall(row rowScanner) (*models.ToolCall, error) {
	var tc models.ToolCall
	var input string
	var output sql.NullString
	if err := row.Scan(&tc.ID, &tc.MessageID, &tc.ToolName, &tc.ProviderName, &input, &output, &tc.Status, &tc.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan tool call: %w", err)
	}
	tc.Input = json.RawMessage(input)
	if output.Valid {
		tc.Output = json.RawMessage(output.String)
	}
	return &tc, nil
}

// RecordToolCall persists a pending tool call attached to a message. The
// caller supplies the ID so the record matches the model-issued call ID.
func (s *Store) RecordToolCall(ctx context.Context, messageID, id, toolName, providerName string, input json.RawMessage) (*models.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id == "" {
		id = uuid.New().String()
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	tc := &models.ToolCall{
		ID:           id,
		MessageID:    messageID,
		ToolName:     toolName,
		ProviderName: providerName,
		Input:        input,
		Status:       models.ToolCallPending,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, message_id, tool_name, provider_name, input_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tc.ID, tc.MessageID, tc.ToolName, tc.ProviderName, string(tc.Input), tc.Status, tc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert tool call: %w", err)
	}
	return tc, nil
}

// CompleteToolCall transitions a pending record to success or error.
// Repeating an identical completion is a no-op; conflicting completions of
// a terminal record fail.
func (s *Store) CompleteToolCall(ctx context.Context, id string, output json.RawMessage, status models.ToolCallStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status != models.ToolCallSuccess && status != models.ToolCallError {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	if len(output) == 0 {
		output = json.RawMessage("null")
	}

	var current models.ToolCallStatus
	var existing sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT status, output_json FROM tool_calls WHERE id = ?`, id).Scan(&current, &existing)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query tool call: %w", err)
	}

	if current != models.ToolCallPending {
		if current == status && existing.Valid && existing.String == string(output) {
			return nil
		}
		return fmt.Errorf("tool call %s already %s", id, current)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tool_calls SET output_json = ?, status = ? WHERE id = ?`,
		string(output), status, id)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return nil
}

// GetToolCall returns a tool call record by ID.
func (s *Store) GetToolCall(ctx context.Context, id string) (*models.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, tool_name, provider_name, input_json, output_json, status, created_at
		FROM tool_calls WHERE id = ?`, id)
	tc, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// AppendChangeLog records a published event for other processes to replay.
func (s *Store) AppendChangeLog(ctx context.Context, processID, channel, eventType, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO change_log (process_id, channel, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		processID, channel, eventType, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// ChangeLogRow is one replayable change log entry.
type ChangeLogRow struct {
	ID        int64
	ProcessID string
	Channel   string
	EventType string
	Payload   string
	CreatedAt time.Time
}

// MaxChangeLogID returns the current high-water mark, 0 when empty.
func (s *Store) MaxChangeLogID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var max int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM change_log`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max change log id: %w", err)
	}
	return max, nil
}

// ChangeLogSince returns rows with id greater than since, in id order.
func (s *Store) ChangeLogSince(ctx context.Context, since int64) ([]*ChangeLogRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, process_id, channel, event_type, payload, created_at
		FROM change_log WHERE id > ? ORDER BY id`, since)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	defer rows.Close()

	var result []*ChangeLogRow
	for rows.Next() {
		var r ChangeLogRow
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Channel, &r.EventType, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// PruneChangeLog deletes rows older than the cutoff and returns the count.
func (s *Store) PruneChangeLog(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM change_log WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune change log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
