// Package db provides SQLite persistence for boards, tasks and hook executions.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	*sql.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Busy timeout handles concurrent access from actors + CLI
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers; every state transition is one statement or one tx.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	wrapped := &DB{db}

	if err := wrapped.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return wrapped, nil
}

// migrate runs database migrations.
func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS boards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			repo_path TEXT DEFAULT '',
			clone_url TEXT DEFAULT '',
			default_branch TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS columns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			board_id INTEGER NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			settings TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS hooks (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			command TEXT DEFAULT '',
			agent_prompt TEXT DEFAULT '',
			agent_executor TEXT DEFAULT '',
			auto_approve INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS column_hooks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			column_id INTEGER NOT NULL REFERENCES columns(id) ON DELETE CASCADE,
			hook_id TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			execute_once INTEGER DEFAULT 0,
			transparent INTEGER DEFAULT 0,
			removable INTEGER DEFAULT 1,
			settings TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			board_id INTEGER NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
			column_id INTEGER NOT NULL REFERENCES columns(id),
			position INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			description TEXT DEFAULT '',
			executor_type TEXT DEFAULT '',
			worktree_path TEXT DEFAULT '',
			worktree_branch TEXT DEFAULT '',
			custom_branch_name TEXT DEFAULT '',
			agent_status TEXT DEFAULT 'idle',
			agent_status_message TEXT DEFAULT '',
			in_progress INTEGER DEFAULT 0,
			error_message TEXT DEFAULT '',
			message_queue TEXT NOT NULL DEFAULT '[]',
			executed_hooks TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS hook_executions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			task_id INTEGER NOT NULL,
			column_id INTEGER NOT NULL,
			column_hook_id INTEGER NOT NULL,
			hook_id TEXT NOT NULL,
			hook_name TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			skip_reason TEXT DEFAULT '',
			error_message TEXT DEFAULT '',
			settings TEXT NOT NULL DEFAULT '{}',
			queued_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS executor_sessions (
			id TEXT PRIMARY KEY,
			task_id INTEGER NOT NULL,
			executor_type TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			prompt TEXT DEFAULT '',
			working_dir TEXT DEFAULT '',
			agent_session_id TEXT DEFAULT '',
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS executor_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES executor_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_columns_board ON columns(board_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_column_hooks_column ON column_hooks(column_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_column ON tasks(column_id)`,
		`CREATE INDEX IF NOT EXISTS idx_hook_executions_task ON hook_executions(task_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_executor_sessions_task ON executor_sessions(task_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executor_messages_session ON executor_messages(session_id)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	return nil
}

// DefaultPath returns the default database path.
func DefaultPath() string {
	if p := os.Getenv("BOARDHOOKS_DB_PATH"); p != "" {
		return p
	}

	// Default to ~/.local/share/boardhooks/boardhooks.db
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "boardhooks", "boardhooks.db")
}

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
