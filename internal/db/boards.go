package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Board is a set of columns sharing one git repository.
type Board struct {
	ID            int64
	Name          string
	RepoPath      string // Local clone location; derived from the repos dir when empty
	CloneURL      string // Remote to clone from when no local clone exists
	DefaultBranch string // Overrides remote HEAD detection when set
	CreatedAt     time.Time
}

// Column is a pipeline stage on a board.
type Column struct {
	ID       int64
	BoardID  int64
	Name     string
	Position int
	Settings ColumnSettings
}

// ColumnSettings are per-column knobs stored as JSON.
type ColumnSettings struct {
	HooksEnabled     bool `json:"hooks_enabled"`
	AgentConcurrency int  `json:"agent_concurrency,omitempty"` // 0 = unlimited
}

// Hook kinds
const (
	HookKindScript = "script"
	HookKindAgent  = "agent"
	HookKindSystem = "system"
)

// Hook is a user-defined automation step.
type Hook struct {
	ID            string
	Name          string
	Kind          string
	Command       string // script kind
	AgentPrompt   string // agent kind: prompt template
	AgentExecutor string // agent kind: executor type
	AutoApprove   bool
}

// ColumnHook binds a hook to a column.
type ColumnHook struct {
	ID          int64
	ColumnID    int64
	HookID      string
	Position    int
	ExecuteOnce bool
	Transparent bool
	Removable   bool
	Settings    map[string]any
}

// IsTerminalColumn reports whether a column name marks the end of the pipeline.
func IsTerminalColumn(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return n == "done" || n == "cancelled"
}

// CreateBoard creates a new board.
func (db *DB) CreateBoard(b *Board) error {
	b.CreatedAt = time.Now()
	result, err := db.Exec(`
		INSERT INTO boards (name, repo_path, clone_url, default_branch, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.Name, b.RepoPath, b.CloneURL, b.DefaultBranch, toMillis(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	b.ID = id
	return nil
}

// GetBoard retrieves a board by ID. Returns nil if it does not exist.
func (db *DB) GetBoard(id int64) (*Board, error) {
	b := &Board{}
	var created int64
	err := db.QueryRow(`
		SELECT id, name, repo_path, clone_url, default_branch, created_at
		FROM boards WHERE id = ?
	`, id).Scan(&b.ID, &b.Name, &b.RepoPath, &b.CloneURL, &b.DefaultBranch, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}
	b.CreatedAt = fromMillis(created)
	return b, nil
}

// UpdateBoardRepoPath records where a board's repository was cloned.
func (db *DB) UpdateBoardRepoPath(id int64, path string) error {
	if _, err := db.Exec(`UPDATE boards SET repo_path = ? WHERE id = ?`, path, id); err != nil {
		return fmt.Errorf("update board repo path: %w", err)
	}
	return nil
}

// CreateColumn creates a column on a board.
func (db *DB) CreateColumn(c *Column) error {
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return fmt.Errorf("encode column settings: %w", err)
	}
	result, err := db.Exec(`
		INSERT INTO columns (board_id, name, position, settings)
		VALUES (?, ?, ?, ?)
	`, c.BoardID, c.Name, c.Position, string(settings))
	if err != nil {
		return fmt.Errorf("insert column: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// UpdateColumnSettings replaces a column's settings.
func (db *DB) UpdateColumnSettings(id int64, s ColumnSettings) error {
	settings, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode column settings: %w", err)
	}
	if _, err := db.Exec(`UPDATE columns SET settings = ? WHERE id = ?`, string(settings), id); err != nil {
		return fmt.Errorf("update column settings: %w", err)
	}
	return nil
}

func scanColumn(row interface{ Scan(...any) error }) (*Column, error) {
	c := &Column{}
	var settings string
	if err := row.Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &settings); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
		return nil, fmt.Errorf("decode column settings: %w", err)
	}
	return c, nil
}

// GetColumn retrieves a column by ID. Returns nil if it does not exist.
func (db *DB) GetColumn(id int64) (*Column, error) {
	c, err := scanColumn(db.QueryRow(`
		SELECT id, board_id, name, position, settings FROM columns WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get column: %w", err)
	}
	return c, nil
}

// GetColumnByName finds a column on a board by case-insensitive name.
func (db *DB) GetColumnByName(boardID int64, name string) (*Column, error) {
	c, err := scanColumn(db.QueryRow(`
		SELECT id, board_id, name, position, settings FROM columns
		WHERE board_id = ? AND lower(name) = lower(?)
		ORDER BY position LIMIT 1
	`, boardID, strings.TrimSpace(name)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get column by name: %w", err)
	}
	return c, nil
}

// ListColumns returns a board's columns in position order.
func (db *DB) ListColumns(boardID int64) ([]*Column, error) {
	rows, err := db.Query(`
		SELECT id, board_id, name, position, settings FROM columns
		WHERE board_id = ? ORDER BY position, id
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var columns []*Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

// CreateHook creates a user-defined hook. An ID is generated when empty.
func (db *DB) CreateHook(h *Hook) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	_, err := db.Exec(`
		INSERT INTO hooks (id, name, kind, command, agent_prompt, agent_executor, auto_approve)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, h.ID, h.Name, h.Kind, h.Command, h.AgentPrompt, h.AgentExecutor, boolInt(h.AutoApprove))
	if err != nil {
		return fmt.Errorf("insert hook: %w", err)
	}
	return nil
}

// GetHook retrieves a hook by ID. Returns nil if it does not exist.
func (db *DB) GetHook(id string) (*Hook, error) {
	h := &Hook{}
	err := db.QueryRow(`
		SELECT id, name, kind, command, agent_prompt, agent_executor, auto_approve
		FROM hooks WHERE id = ?
	`, id).Scan(&h.ID, &h.Name, &h.Kind, &h.Command, &h.AgentPrompt, &h.AgentExecutor, &h.AutoApprove)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hook: %w", err)
	}
	return h, nil
}

// CreateColumnHook binds a hook to a column.
func (db *DB) CreateColumnHook(ch *ColumnHook) error {
	if ch.Settings == nil {
		ch.Settings = map[string]any{}
	}
	settings, err := json.Marshal(ch.Settings)
	if err != nil {
		return fmt.Errorf("encode column hook settings: %w", err)
	}
	result, err := db.Exec(`
		INSERT INTO column_hooks (column_id, hook_id, position, execute_once, transparent, removable, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ch.ColumnID, ch.HookID, ch.Position, boolInt(ch.ExecuteOnce), boolInt(ch.Transparent), boolInt(ch.Removable), string(settings))
	if err != nil {
		return fmt.Errorf("insert column hook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	ch.ID = id
	return nil
}

func scanColumnHook(row interface{ Scan(...any) error }) (*ColumnHook, error) {
	ch := &ColumnHook{}
	var settings string
	if err := row.Scan(&ch.ID, &ch.ColumnID, &ch.HookID, &ch.Position,
		&ch.ExecuteOnce, &ch.Transparent, &ch.Removable, &settings); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &ch.Settings); err != nil {
		return nil, fmt.Errorf("decode column hook settings: %w", err)
	}
	if ch.Settings == nil {
		ch.Settings = map[string]any{}
	}
	return ch, nil
}

// GetColumnHook retrieves a binding by ID. Returns nil if it does not exist.
func (db *DB) GetColumnHook(id int64) (*ColumnHook, error) {
	ch, err := scanColumnHook(db.QueryRow(`
		SELECT id, column_id, hook_id, position, execute_once, transparent, removable, settings
		FROM column_hooks WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get column hook: %w", err)
	}
	return ch, nil
}

// ListColumnHooks returns a column's bindings in ascending position.
func (db *DB) ListColumnHooks(columnID int64) ([]*ColumnHook, error) {
	rows, err := db.Query(`
		SELECT id, column_id, hook_id, position, execute_once, transparent, removable, settings
		FROM column_hooks WHERE column_id = ? ORDER BY position, id
	`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list column hooks: %w", err)
	}
	defer rows.Close()

	var hooks []*ColumnHook
	for rows.Next() {
		ch, err := scanColumnHook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan column hook: %w", err)
		}
		hooks = append(hooks, ch)
	}
	return hooks, rows.Err()
}

// DeleteColumnHook removes a binding.
func (db *DB) DeleteColumnHook(id int64) error {
	if _, err := db.Exec(`DELETE FROM column_hooks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete column hook: %w", err)
	}
	return nil
}
