package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/barambur26/aidock/internal/domain"
	"github.com/barambur26/aidock/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes multi-statement writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		llm_config_id INTEGER,
		model_used TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		model_used TEXT,
		tokens_used INTEGER,
		cost_usd REAL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON conversation_messages(conversation_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation creates a conversation with its initial messages in one
// transaction so a partial save can never leave an empty conversation behind.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation, messages []domain.ConversationMessage) (*domain.Conversation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create conversation: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("failed to roll back create conversation", "error", rbErr)
		}
	}()

	now := time.Now()
	var llmConfigID interface{}
	if conv.LLMConfigID != 0 {
		llmConfigID = conv.LLMConfigID
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (user_id, title, llm_config_id, model_used, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.UserID, conv.Title, llmConfigID, conv.ModelUsed, len(messages), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation insert id: %w", err)
	}

	if err := insertMessages(ctx, tx, id, messages, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create conversation: %w", err)
	}

	created := *conv
	created.ID = id
	created.MessageCount = len(messages)
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

// AppendMessages adds messages to an existing conversation.
func (s *SQLiteStore) AppendMessages(ctx context.Context, conversationID int64, messages []domain.ConversationMessage) error {
	if len(messages) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append messages: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("failed to roll back append messages", "error", rbErr)
		}
	}()

	now := time.Now()
	if err := insertMessages(ctx, tx, conversationID, messages, now); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + ?, updated_at = ?
		WHERE id = ?`,
		len(messages), now.Unix(), conversationID,
	)
	if err != nil {
		return fmt.Errorf("update conversation counters: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %d: %w", conversationID, domain.ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append messages: %w", err)
	}
	return nil
}

func insertMessages(ctx context.Context, tx *sql.Tx, conversationID int64, messages []domain.ConversationMessage, now time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, role, content, model_used, tokens_used, cost_usd, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare message insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			slog.Warn("failed to close message insert statement", "error", closeErr)
		}
	}()

	for _, m := range messages {
		metadata := m.MetadataJSON
		if metadata != "" && !json.Valid([]byte(metadata)) {
			slog.Warn("message metadata is not valid JSON, dropping", "conversation_id", conversationID)
			metadata = ""
		}

		var tokens, cost, meta interface{}
		if m.TokensUsed != 0 {
			tokens = m.TokensUsed
		}
		if m.CostUSD != 0 {
			cost = m.CostUSD
		}
		if metadata != "" {
			meta = metadata
		}

		if _, err := stmt.ExecContext(ctx, conversationID, m.Role, m.Content, m.ModelUsed, tokens, cost, meta, now.Unix()); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return nil
}

// GetConversation retrieves a conversation with its messages.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID int64, userID string) (*domain.Conversation, []domain.ConversationMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, llm_config_id, model_used, message_count, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	)

	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("scan conversation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, model_used, tokens_used, cost_usd, metadata_json, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY id`,
		conversationID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.ConversationMessage
	for rows.Next() {
		var m domain.ConversationMessage
		var modelUsed, metadata sql.NullString
		var tokens sql.NullInt64
		var cost sql.NullFloat64
		var createdAt int64

		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &modelUsed, &tokens, &cost, &metadata, &createdAt); err != nil {
			return nil, nil, fmt.Errorf("scan message row: %w", err)
		}
		m.ModelUsed = modelUsed.String
		m.TokensUsed = int(tokens.Int64)
		m.CostUSD = cost.Float64
		m.MetadataJSON = metadata.String
		m.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	return conv, messages, nil
}

// ListConversations returns a user's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, llm_config_id, model_used, message_count, created_at, updated_at
		FROM conversations WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return convs, nil
}

// UpdateConversationTitle renames a conversation.
func (s *SQLiteStore) UpdateConversationTitle(ctx context.Context, conversationID int64, userID string, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, time.Now().Unix(), conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("update conversation title: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %d: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
// Retries with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, conversationID int64, userID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteConversationOnce(ctx, conversationID, userID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
			slog.Debug("DeleteConversation failed with SQLITE_BUSY, retrying",
				"conversation_id", conversationID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("delete conversation %d after %d attempts: %w", conversationID, i+1, err)
	}

	return nil
}

func (s *SQLiteStore) deleteConversationOnce(ctx context.Context, conversationID int64, userID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id = (SELECT id FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID, userID,
	); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %d: %w", conversationID, domain.ErrNotFound)
	}
	return nil
}

// DeleteConversationsBefore removes conversations not updated since the cutoff.
func (s *SQLiteStore) DeleteConversationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_messages WHERE conversation_id IN (SELECT id FROM conversations WHERE updated_at < ?)`,
		cutoff.Unix(),
	); err != nil {
		return 0, fmt.Errorf("delete expired messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired conversations: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*domain.Conversation, error) {
	var conv domain.Conversation
	var llmConfigID sql.NullInt64
	var modelUsed sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&conv.ID, &conv.UserID, &conv.Title, &llmConfigID,
		&modelUsed, &conv.MessageCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	conv.LLMConfigID = llmConfigID.Int64
	conv.ModelUsed = modelUsed.String
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	return &conv, nil
}
