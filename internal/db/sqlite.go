package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/db/migrations"
	"github.com/neboloop/nebochat/internal/logging"
)

// SQLiteStore persists conversations in a local SQLite file
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at path, runs migrations, and returns a store
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode and single connection (no concurrency)
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't handle concurrent writers well; serialize through one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrations.Run(ctx, db, migrations.SQLite); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Infof("SQLite database initialized at %s", path)
	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying connection
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Create(ctx context.Context, title string) (*session.Conversation, error) {
	conv := session.NewConversation(title)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, summary, created_at, updated_at) VALUES (?, ?, '', ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt.UnixMicro(), conv.UpdatedAt.UnixMicro())
	if err != nil {
		return nil, &session.PersistenceError{Op: "create", Err: err}
	}
	return conv, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*session.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, session.ErrNotFound
	}

	var (
		conv                 session.Conversation
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, summary, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.Summary, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, &session.PersistenceError{Op: "load", Err: err}
	}
	conv.CreatedAt = time.UnixMicro(createdAt).UTC()
	conv.UpdatedAt = time.UnixMicro(updatedAt).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, attachment, status, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at, rowid`, id)
	if err != nil {
		return nil, &session.PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg        session.Message
			attachment sql.NullString
			created    int64
		)
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &attachment, &msg.Status, &created); err != nil {
			return nil, &session.PersistenceError{Op: "load", Err: err}
		}
		msg.ConversationID = conv.ID
		msg.CreatedAt = time.UnixMicro(created).UTC()
		if attachment.Valid {
			msg.Attachment, err = decodeAttachment([]byte(attachment.String))
			if err != nil {
				return nil, &session.PersistenceError{Op: "load", Err: err}
			}
		}
		conv.Messages = append(conv.Messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &session.PersistenceError{Op: "load", Err: err}
	}
	return &conv, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]session.Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.summary, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC`)
	if err != nil {
		return nil, &session.PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var out []session.Info
	for rows.Next() {
		var (
			info    session.Info
			updated int64
		)
		if err := rows.Scan(&info.ID, &info.Title, &info.Summary, &updated, &info.MessageCount); err != nil {
			return nil, &session.PersistenceError{Op: "list", Err: err}
		}
		info.UpdatedAt = time.UnixMicro(updated).UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, &session.PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, msg *session.Message) error {
	if err := upsertMessage(ctx, s.db, msg); err != nil {
		return &session.PersistenceError{Op: "insert", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, conv *session.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &session.PersistenceError{Op: "save", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, summary, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, summary = excluded.summary, updated_at = excluded.updated_at`,
		conv.ID, conv.Title, conv.Summary, conv.CreatedAt.UnixMicro(), conv.UpdatedAt.UnixMicro())
	if err != nil {
		return &session.PersistenceError{Op: "save", Err: err}
	}

	for _, msg := range conv.Messages {
		if err := upsertMessage(ctx, tx, msg); err != nil {
			return &session.PersistenceError{Op: "save", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &session.PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, conv *session.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &session.PersistenceError{Op: "delete", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conv.ID); err != nil {
		return &session.PersistenceError{Op: "delete", Err: err}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conv.ID)
	if err != nil {
		return &session.PersistenceError{Op: "delete", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return &session.PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertMessage(ctx context.Context, db execer, msg *session.Message) error {
	attachment, err := encodeAttachment(msg.Attachment)
	if err != nil {
		return err
	}
	var att any
	if attachment != nil {
		att = string(attachment)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, attachment, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, attachment = excluded.attachment, status = excluded.status`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, att, string(msg.Status), msg.CreatedAt.UnixMicro())
	return err
}

// encodeAttachment returns nil for an absent attachment
func encodeAttachment(a *session.Attachment) ([]byte, error) {
	if a.Empty() {
		return nil, nil
	}
	return json.Marshal(a)
}

func decodeAttachment(data []byte) (*session.Attachment, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var a session.Attachment
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding attachment: %w", err)
	}
	return &a, nil
}
