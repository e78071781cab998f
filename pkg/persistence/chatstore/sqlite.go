package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const defaultListLimit = 200

// SQLiteStore is the durable Store backed by sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: open")
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			chat_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			model_api_source TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			model_api_source TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			file_ids TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			arguments TEXT NOT NULL DEFAULT '',
			call_id TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			usage TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_chat ON messages(chat_id, created_at_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) FindOrCreateChat(ctx context.Context, chatID, userID, modelAPISource, modelID string) (*Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("sqlite chat store: chatID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats(chat_id, user_id, model_api_source, model_id, created_at_ms)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO NOTHING
	`, chatID, userID, modelAPISource, modelID, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: upsert chat")
	}
	return s.GetChat(ctx, chatID)
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, user_id, model_api_source, model_id, created_at_ms
		FROM chats WHERE chat_id = ?
	`, chatID)
	var c Chat
	var createdMs int64
	if err := row.Scan(&c.ChatID, &c.UserID, &c.ModelAPISource, &c.ModelID, &createdMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "sqlite chat store: get chat")
	}
	c.CreatedAt = time.UnixMilli(createdMs)
	return &c, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	if msg == nil {
		return errors.New("sqlite chat store: message is nil")
	}
	if strings.TrimSpace(msg.MessageID) == "" {
		return errors.New("sqlite chat store: messageID is empty")
	}
	if strings.TrimSpace(msg.ChatID) == "" {
		return errors.New("sqlite chat store: chatID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	fileIDs := ""
	if len(msg.FileIDs) > 0 {
		b, err := json.Marshal(msg.FileIDs)
		if err != nil {
			return errors.Wrap(err, "sqlite chat store: marshal file ids")
		}
		fileIDs = string(b)
	}
	usage := ""
	if msg.Usage != nil {
		b, err := json.Marshal(msg.Usage)
		if err != nil {
			return errors.Wrap(err, "sqlite chat store: marshal usage")
		}
		usage = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(message_id, chat_id, user_id, model_id, model_api_source,
			role, type, content, file_ids, name, arguments, call_id, result, usage, seq, created_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.MessageID, msg.ChatID, msg.UserID, msg.ModelID, msg.ModelAPISource,
		string(msg.Role), string(msg.Type), msg.Content, fileIDs, msg.Name,
		msg.Arguments, msg.CallID, string(msg.Result), usage, msg.Seq, createdAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite chat store: insert message")
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite chat store: db is nil")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("sqlite chat store: chatID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, chat_id, user_id, model_id, model_api_source,
			role, type, content, file_ids, name, arguments, call_id, result, usage, seq, created_at_ms
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at_ms DESC, seq DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := []*Message{}
	for rows.Next() {
		var m Message
		var role, typ, fileIDs, result, usage string
		var createdMs int64
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.UserID, &m.ModelID, &m.ModelAPISource,
			&role, &typ, &m.Content, &fileIDs, &m.Name, &m.Arguments, &m.CallID,
			&result, &usage, &m.Seq, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite chat store: scan message")
		}
		m.Role = Role(role)
		m.Type = MessageType(typ)
		m.CreatedAt = time.UnixMilli(createdMs)
		if fileIDs != "" {
			if err := json.Unmarshal([]byte(fileIDs), &m.FileIDs); err != nil {
				return nil, errors.Wrap(err, "sqlite chat store: unmarshal file ids")
			}
		}
		if result != "" {
			m.Result = json.RawMessage(result)
		}
		if usage != "" {
			u := &Usage{}
			if err := json.Unmarshal([]byte(usage), u); err != nil {
				return nil, errors.Wrap(err, "sqlite chat store: unmarshal usage")
			}
			m.Usage = u
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite chat store: iterate messages")
	}

	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
