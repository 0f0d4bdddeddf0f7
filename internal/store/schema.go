package store

// Schema statements are idempotent and applied on every open. The FTS table
// and its triggers are applied separately so a SQLite build without fts5
// still yields a working store.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT 'New Conversation',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK(role IN ('user', 'assistant', 'system', 'tool')),
		content TEXT NOT NULL,
		position INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(conversation_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, position)`,
	`CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		tool_name TEXT NOT NULL,
		provider_name TEXT NOT NULL DEFAULT '',
		input_json TEXT NOT NULL,
		output_json TEXT,
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'success', 'error')),
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		filename TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		storage_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
	`CREATE TABLE IF NOT EXISTS change_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		process_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_change_log_created ON change_log(created_at)`,
}

var ftsStatements = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS conversations_fts USING fts5(
		conversation_id UNINDEXED,
		title,
		content,
		tokenize='porter unicode61'
	)`,
	`CREATE TRIGGER IF NOT EXISTS conversations_fts_ai AFTER INSERT ON conversations BEGIN
		INSERT INTO conversations_fts(conversation_id, title, content) VALUES (new.id, new.title, '');
	END`,
	`CREATE TRIGGER IF NOT EXISTS conversations_fts_au AFTER UPDATE OF title ON conversations BEGIN
		UPDATE conversations_fts SET title = new.title WHERE conversation_id = new.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS conversations_fts_ad AFTER DELETE ON conversations BEGIN
		DELETE FROM conversations_fts WHERE conversation_id = old.id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
		UPDATE conversations_fts SET content = content || ' ' || new.content
		WHERE conversation_id = new.conversation_id;
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
		UPDATE conversations_fts SET content = (
			SELECT COALESCE(group_concat(content, ' '), '')
			FROM messages WHERE conversation_id = old.conversation_id
		)
		WHERE conversation_id = old.conversation_id;
	END`,
}
