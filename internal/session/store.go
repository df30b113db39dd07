// Package session persists chats and their messages. Each chat is a
// flat ordered transcript; attachments are stored as file paths next to
// the message that carried them and re-resolved on replay.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrChatNotFound is returned when a chat id has no row.
var ErrChatNotFound = errors.New("chat not found")

// Chat is one stored conversation.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one stored turn. Files holds attachment paths as given by
// the client; they are resolved to model content at query time, not
// here.
type Message struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chatId"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Files        []string  `json:"files,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"inputTokens,omitempty"`
	OutputTokens int       `json:"outputTokens,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is a SQLite-backed chat store. Safe for concurrent use; SQLite
// serializes writes.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the chat database at path.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		title      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id            TEXT PRIMARY KEY,
		chat_id       TEXT NOT NULL,
		seq           INTEGER NOT NULL,
		role          TEXT NOT NULL,
		content       TEXT NOT NULL,
		files         TEXT,
		model         TEXT,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		FOREIGN KEY (chat_id) REFERENCES chats(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ChatExists reports whether a chat row exists.
func (s *Store) ChatExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query chat: %w", err)
	}
	return true, nil
}

// CreateChat inserts a new chat. An empty id gets a generated UUID; an
// empty title defaults to "New Chat". Returns the stored chat.
func (s *Store) CreateChat(ctx context.Context, id, title string) (*Chat, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if title == "" {
		title = "New Chat"
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, title, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return &Chat{ID: id, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

// Chat retrieves one chat by id.
func (s *Store) Chat(ctx context.Context, id string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chats WHERE id = ?`, id)

	var c Chat
	var created, updated string
	if err := row.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("query chat: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &c, nil
}

// ListChats returns all chats, most recently updated first.
func (s *Store) ListChats(ctx context.Context) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM chats ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var created, updated string
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, created)
		c.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// Rename updates a chat's title.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteChat removes a chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

// AppendMessage stores a message at the end of a chat and bumps the
// chat's updated_at. An empty message id gets a generated UUID. Returns
// the stored message id.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var files any
	if len(msg.Files) > 0 {
		b, err := json.Marshal(msg.Files)
		if err != nil {
			return "", fmt.Errorf("encode files: %w", err)
		}
		files = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?`, msg.ChatID,
	).Scan(&next); err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages
			(id, chat_id, seq, role, content, files, model, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, next, msg.Role, msg.Content, files,
		msg.Model, msg.InputTokens, msg.OutputTokens,
		msg.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE id = ?`,
		msg.CreatedAt.UTC().Format(time.RFC3339), msg.ChatID,
	)
	if err != nil {
		return "", fmt.Errorf("touch chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Messages returns a chat's messages in transcript order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, files, model, input_tokens, output_tokens, created_at
		 FROM messages WHERE chat_id = ? ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var files, model sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &files,
			&model, &m.InputTokens, &m.OutputTokens, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &m.Files); err != nil {
				return nil, fmt.Errorf("decode files: %w", err)
			}
		}
		if model.Valid {
			m.Model = model.String
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteMessagesAfter removes the message with the given id and every
// later message in the chat. Used to rewind a chat before regenerating
// from an edited turn.
func (s *Store) DeleteMessagesAfter(ctx context.Context, chatID, messageID string) error {
	var seq int
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE chat_id = ? AND id = ?`, chatID, messageID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find message: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ? AND seq >= ?`, chatID, seq)
	if err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}
