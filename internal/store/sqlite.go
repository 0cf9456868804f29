// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides thread/message persistence with automatic schema creation and FK cascades

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection, not just the first.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contexts (
			context_id TEXT PRIMARY KEY,
			agent_id   TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id   TEXT NOT NULL,
			title      TEXT NOT NULL,
			context_id TEXT REFERENCES contexts(context_id) ON DELETE SET NULL,
			created_at TEXT NOT NULL,

			CHECK (owner_kind IN ('agent', 'provider'))
		);

		CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner_kind, owner_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			id         TEXT NOT NULL UNIQUE,
			context_id TEXT NOT NULL REFERENCES contexts(context_id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			timestamp  TEXT NOT NULL,

			CHECK (role IN ('user', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_context ON messages(context_id, seq);

		CREATE TABLE IF NOT EXISTS llm_chats (
			chat_id       TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
			provider_name TEXT NOT NULL,
			title         TEXT NOT NULL,
			created_at    TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS llm_messages (
			seq       INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			chat_id   TEXT NOT NULL REFERENCES llm_chats(chat_id) ON DELETE CASCADE,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			timestamp TEXT NOT NULL,

			CHECK (role IN ('user', 'agent', 'system'))
		);

		CREATE INDEX IF NOT EXISTS idx_llm_messages_chat ON llm_messages(chat_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by older builds.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so each column is checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "threads",
			column: "title",
			apply:  `ALTER TABLE threads ADD COLUMN title TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation checks if the error is a SQLite UNIQUE/PRIMARY KEY violation
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// timeLayout is fixed-width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// CreateThread inserts a thread. Provider threads get their llm_chats row in the
// same transaction so a failure leaves nothing behind.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created := formatTime(thread.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (id, owner_kind, owner_id, title, context_id, created_at)
		VALUES (?, ?, ?, ?, NULL, ?)
	`, thread.ID, string(thread.OwnerKind), thread.OwnerID, thread.Title, created)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	if thread.OwnerKind == OwnerProvider {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO llm_chats (chat_id, provider_name, title, created_at)
			VALUES (?, ?, ?, ?)
		`, thread.ID, thread.OwnerID, thread.Title, created)
		if err != nil {
			return fmt.Errorf("inserting llm chat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing thread: %w", err)
	}

	s.logger.Debug("created thread", "id", thread.ID, "owner_kind", thread.OwnerKind, "owner_id", thread.OwnerID)
	return nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_kind, owner_id, title, COALESCE(context_id, ''), created_at
		FROM threads WHERE id = ?
	`, id)

	thread, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	return thread, nil
}

// ListThreads returns every thread ordered by creation time.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_kind, owner_id, title, COALESCE(context_id, ''), created_at
		FROM threads ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning thread: %w", err)
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*Thread, error) {
	var t Thread
	var kind, created string
	if err := row.Scan(&t.ID, &kind, &t.OwnerID, &t.Title, &t.ContextID, &created); err != nil {
		return nil, err
	}
	t.OwnerKind = OwnerKind(kind)
	createdAt, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = createdAt
	return &t, nil
}

// RenameThread updates a thread's display title.
func (s *SQLiteStore) RenameThread(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("renaming thread: %w", err)
	}
	if err := requireAffected(result); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE llm_chats SET title = ? WHERE chat_id = ?`, title, id); err != nil {
		return fmt.Errorf("renaming llm chat: %w", err)
	}
	return nil
}

// AttachContext creates a contexts row owned by the thread's agent and links it.
func (s *SQLiteStore) AttachContext(ctx context.Context, threadID, contextID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kind, agentID string
	err = tx.QueryRowContext(ctx, `SELECT owner_kind, owner_id FROM threads WHERE id = ?`, threadID).Scan(&kind, &agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}
	if OwnerKind(kind) != OwnerAgent {
		return fmt.Errorf("thread %s is not an agent thread", threadID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contexts (context_id, agent_id, created_at) VALUES (?, ?, ?)
	`, contextID, agentID, formatTime(time.Now())); err != nil {
		return fmt.Errorf("inserting context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET context_id = ? WHERE id = ?`, contextID, threadID); err != nil {
		return fmt.Errorf("linking context: %w", err)
	}

	return tx.Commit()
}

// DeleteThread removes the thread, its context, and every message under either.
func (s *SQLiteStore) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var contextID sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT context_id FROM threads WHERE id = ?`, id).Scan(&contextID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}

	if contextID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM contexts WHERE context_id = ?`, contextID.String); err != nil {
			return fmt.Errorf("deleting context: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}
	s.logger.Debug("deleted thread", "id", id)
	return nil
}

// AppendMessage stores a message under the thread's context or chat.
// Returns ErrNotFound when the thread, or an agent thread's context, is missing.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	var kind string
	var contextID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT owner_kind, context_id FROM threads WHERE id = ?`, msg.ThreadID).Scan(&kind, &contextID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying thread: %w", err)
	}

	switch OwnerKind(kind) {
	case OwnerAgent:
		if !contextID.Valid {
			return fmt.Errorf("thread %s has no context: %w", msg.ThreadID, ErrNotFound)
		}
		return s.insertMessage(ctx, `
			INSERT INTO messages (id, context_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)
		`, msg, contextID.String)
	default:
		return s.insertMessage(ctx, `
			INSERT INTO llm_messages (id, chat_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)
		`, msg, msg.ThreadID)
	}
}

func (s *SQLiteStore) insertMessage(ctx context.Context, query string, msg *Message, parentID string) error {
	_, err := s.db.ExecContext(ctx, query, msg.ID, parentID, string(msg.Role), msg.Content, formatTime(msg.CreatedAt))
	if isForeignKeyViolation(err) {
		return fmt.Errorf("message parent %s: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ListMessages returns a thread's messages in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, threadID string) ([]*Message, error) {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	switch thread.OwnerKind {
	case OwnerAgent:
		if thread.ContextID == "" {
			return nil, nil
		}
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, role, content, timestamp FROM messages WHERE context_id = ? ORDER BY seq
		`, thread.ContextID)
	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, role, content, timestamp FROM llm_messages WHERE chat_id = ? ORDER BY seq
		`, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var role, ts string
		if err := rows.Scan(&m.ID, &role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.ThreadID = threadID
		m.Role = Role(role)
		if m.CreatedAt, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
