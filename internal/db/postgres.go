package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/neboloop/nebochat/internal/agent/session"
	"github.com/neboloop/nebochat/internal/db/migrations"
	"github.com/neboloop/nebochat/internal/logging"
)

// PostgresStore persists conversations in PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL, runs migrations, and returns a store
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	if err := migrations.Run(ctx, sqlDB, migrations.Postgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Info("Postgres conversation store initialized")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Create(ctx context.Context, title string) (*session.Conversation, error) {
	conv := session.NewConversation(title)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, title, summary, created_at, updated_at) VALUES ($1, $2, '', $3, $4)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, &session.PersistenceError{Op: "create", Err: err}
	}
	return conv, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*session.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, session.ErrNotFound
	}

	var conv session.Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id::text, title, summary, created_at, updated_at FROM conversations WHERE id = $1`, id,
	).Scan(&conv.ID, &conv.Title, &conv.Summary, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, &session.PersistenceError{Op: "load", Err: err}
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()

	rows, err := s.pool.Query(ctx,
		`SELECT id::text, role, content, attachment, status, created_at FROM messages
		 WHERE conversation_id = $1 ORDER BY created_at`, id)
	if err != nil {
		return nil, &session.PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg        session.Message
			role       string
			status     string
			attachment []byte
			created    time.Time
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &attachment, &status, &created); err != nil {
			return nil, &session.PersistenceError{Op: "load", Err: err}
		}
		msg.ConversationID = conv.ID
		msg.Role = session.Role(role)
		msg.Status = session.Status(status)
		msg.CreatedAt = created.UTC()
		if msg.Attachment, err = decodeAttachment(attachment); err != nil {
			return nil, &session.PersistenceError{Op: "load", Err: err}
		}
		conv.Messages = append(conv.Messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &session.PersistenceError{Op: "load", Err: err}
	}
	return &conv, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]session.Info, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id::text, c.title, c.summary, c.updated_at, COUNT(m.id)
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
		var info session.Info
		if err := rows.Scan(&info.ID, &info.Title, &info.Summary, &info.UpdatedAt, &info.MessageCount); err != nil {
			return nil, &session.PersistenceError{Op: "list", Err: err}
		}
		info.UpdatedAt = info.UpdatedAt.UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, &session.PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

func (s *PostgresStore) Insert(ctx context.Context, msg *session.Message) error {
	if err := s.upsertMessage(ctx, s.pool, msg); err != nil {
		return &session.PersistenceError{Op: "insert", Err: err}
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, conv *session.Conversation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &session.PersistenceError{Op: "save", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (id, title, summary, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET title = EXCLUDED.title, summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`,
		conv.ID, conv.Title, conv.Summary, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return &session.PersistenceError{Op: "save", Err: fmt.Errorf("upsert conversation: %w", err)}
	}

	for _, msg := range conv.Messages {
		if err := s.upsertMessage(ctx, tx, msg); err != nil {
			return &session.PersistenceError{Op: "save", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &session.PersistenceError{Op: "save", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, conv *session.Conversation) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, conv.ID)
	if err != nil {
		return &session.PersistenceError{Op: "delete", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *PostgresStore) upsertMessage(ctx context.Context, db pgExecer, msg *session.Message) error {
	attachment, err := encodeAttachment(msg.Attachment)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, attachment, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, attachment = EXCLUDED.attachment, status = EXCLUDED.status`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, attachment, string(msg.Status), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}
