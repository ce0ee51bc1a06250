// Package store persists conversation handles and turn history in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/leviwheeling/ResearchSync/internal/conversation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a conversation key has no stored handle.
var ErrNotFound = conversation.ErrUnknownKey

// SQLiteStore implements conversation.Recorder using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements conversation.Recorder.
var _ conversation.Recorder = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dsn and applies pending migrations.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return err
	}
	_, err = provider.Up(ctx)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveConversation records the remote handle for a conversation key. A key
// keeps the first handle stored for it.
func (s *SQLiteStore) SaveConversation(ctx context.Context, key, handle string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_key, handle, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(conversation_key) DO NOTHING`,
		key, handle, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// LookupConversation returns the handle stored for key, or ErrNotFound.
func (s *SQLiteStore) LookupConversation(ctx context.Context, key string) (string, error) {
	var handle string
	err := s.db.QueryRowContext(ctx,
		`SELECT handle FROM conversations WHERE conversation_key = ?`, key).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup conversation: %w", err)
	}
	return handle, nil
}

// AppendTurn stores one turn of a conversation.
func (s *SQLiteStore) AppendTurn(ctx context.Context, handle string, turn conversation.Turn) error {
	at := turn.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (turn_id, handle, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), handle, string(turn.Role), turn.Content, at.UTC())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Turns returns up to limit stored turns for the conversation key, oldest first.
func (s *SQLiteStore) Turns(ctx context.Context, key string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.role, t.content, t.created_at
		 FROM turns t JOIN conversations c ON c.handle = t.handle
		 WHERE c.conversation_key = ?
		 ORDER BY t.created_at ASC, t.rowid ASC
		 LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		var role string
		if err := rows.Scan(&role, &t.Content, &t.At); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = conversation.Role(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
