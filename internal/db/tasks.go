package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Task represents a card on a board.
type Task struct {
	ID                 int64
	BoardID            int64
	ColumnID           int64
	Position           int
	Title              string
	Description        string
	ExecutorType       string // Agent executor: "claude" (default), "codex", "gemini", "opencode"
	WorktreePath       string
	WorktreeBranch     string
	CustomBranchName   string
	AgentStatus        string
	AgentStatusMessage string
	InProgress         bool
	ErrorMessage       string
	MessageQueue       []QueuedMessage
	ExecutedHooks      []string // IDs of execute-once hooks that already ran
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// QueuedMessage is a prompt waiting to be sent to the task's agent.
type QueuedMessage struct {
	Prompt       string   `json:"prompt"`
	ExecutorType string   `json:"executor_type,omitempty"`
	Images       []string `json:"images,omitempty"`
}

// Agent statuses
const (
	AgentIdle           = "idle"
	AgentThinking       = "thinking"
	AgentExecuting      = "executing"
	AgentWaitingForUser = "waiting_for_user"
	AgentError          = "error"
)

// DefaultExecutor returns the default executor if none is specified.
func DefaultExecutor() string {
	return "claude"
}

// HasExecutedHook reports whether an execute-once hook already ran for the task.
func (t *Task) HasExecutedHook(hookID string) bool {
	return slices.Contains(t.ExecutedHooks, hookID)
}

// InErrorState reports whether a hook failure has halted the task.
func (t *Task) InErrorState() bool {
	return t.AgentStatus == AgentError
}

const taskColumns = `id, board_id, column_id, position, title, description, executor_type,
	worktree_path, worktree_branch, custom_branch_name,
	agent_status, agent_status_message, in_progress, error_message,
	message_queue, executed_hooks, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	t := &Task{}
	var queue, executed string
	var created, updated int64
	err := row.Scan(
		&t.ID, &t.BoardID, &t.ColumnID, &t.Position, &t.Title, &t.Description, &t.ExecutorType,
		&t.WorktreePath, &t.WorktreeBranch, &t.CustomBranchName,
		&t.AgentStatus, &t.AgentStatusMessage, &t.InProgress, &t.ErrorMessage,
		&queue, &executed, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(queue), &t.MessageQueue); err != nil {
		return nil, fmt.Errorf("decode message queue: %w", err)
	}
	if err := json.Unmarshal([]byte(executed), &t.ExecutedHooks); err != nil {
		return nil, fmt.Errorf("decode executed hooks: %w", err)
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

// CreateTask creates a new task.
func (db *DB) CreateTask(t *Task) error {
	if t.ExecutorType == "" {
		t.ExecutorType = DefaultExecutor()
	}
	if t.AgentStatus == "" {
		t.AgentStatus = AgentIdle
	}
	queue, err := json.Marshal(nonNilQueue(t.MessageQueue))
	if err != nil {
		return fmt.Errorf("encode message queue: %w", err)
	}
	executed, err := json.Marshal(nonNilStrings(t.ExecutedHooks))
	if err != nil {
		return fmt.Errorf("encode executed hooks: %w", err)
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	result, err := db.Exec(`
		INSERT INTO tasks (board_id, column_id, position, title, description, executor_type,
			worktree_path, worktree_branch, custom_branch_name,
			agent_status, agent_status_message, in_progress, error_message,
			message_queue, executed_hooks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.BoardID, t.ColumnID, t.Position, t.Title, t.Description, t.ExecutorType,
		t.WorktreePath, t.WorktreeBranch, t.CustomBranchName,
		t.AgentStatus, t.AgentStatusMessage, boolInt(t.InProgress), t.ErrorMessage,
		string(queue), string(executed), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	t.ID = id
	return nil
}

// GetTask retrieves a task by ID. Returns nil if it does not exist.
func (db *DB) GetTask(id int64) (*Task, error) {
	t, err := scanTask(db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks on a board; boardID 0 lists every board.
func (db *DB) ListTasks(boardID int64) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if boardID != 0 {
		query += ` WHERE board_id = ?`
		args = append(args, boardID)
	}
	query += ` ORDER BY column_id, position, id`
	return db.queryTasks(query, args...)
}

// ListExpiredWorktreeTasks returns tasks holding a worktree that sit in a terminal
// column and have not been updated since cutoff.
func (db *DB) ListExpiredWorktreeTasks(cutoff time.Time) ([]*Task, error) {
	return db.queryTasks(`
		SELECT `+prefixed("t", taskColumns)+`
		FROM tasks t JOIN columns c ON c.id = t.column_id
		WHERE t.worktree_path != ''
		  AND lower(trim(c.name)) IN ('done', 'cancelled')
		  AND t.updated_at < ?
		ORDER BY t.id
	`, toMillis(cutoff))
}

// ListActiveTasks returns every task whose column is not a terminal one.
func (db *DB) ListActiveTasks() ([]*Task, error) {
	return db.queryTasks(`
		SELECT ` + prefixed("t", taskColumns) + `
		FROM tasks t JOIN columns c ON c.id = t.column_id
		WHERE lower(trim(c.name)) NOT IN ('done', 'cancelled')
		ORDER BY t.id
	`)
}

func (db *DB) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskColumn moves a task to a column/position.
func (db *DB) UpdateTaskColumn(id, columnID int64, position int) error {
	return db.execTask(id, `UPDATE tasks SET column_id = ?, position = ?, updated_at = ? WHERE id = ?`,
		columnID, position, toMillis(time.Now()), id)
}

// UpdateTaskWorktree stores (or clears, with empty values) the task's worktree.
func (db *DB) UpdateTaskWorktree(id int64, path, branch string) error {
	return db.execTask(id, `UPDATE tasks SET worktree_path = ?, worktree_branch = ?, updated_at = ? WHERE id = ?`,
		path, branch, toMillis(time.Now()), id)
}

// UpdateAgentStatus sets the agent status and its message.
func (db *DB) UpdateAgentStatus(id int64, status, message string) error {
	return db.execTask(id, `UPDATE tasks SET agent_status = ?, agent_status_message = ?, updated_at = ? WHERE id = ?`,
		status, message, toMillis(time.Now()), id)
}

// ClearAgentStatusIf resets the agent status to idle only when it currently equals status.
func (db *DB) ClearAgentStatusIf(id int64, status string) error {
	return db.execTask(id, `UPDATE tasks SET agent_status = 'idle', agent_status_message = '', updated_at = ?
		WHERE id = ? AND agent_status = ?`, toMillis(time.Now()), id, status)
}

// SetTaskInProgress flags whether an agent is actively working the task.
func (db *DB) SetTaskInProgress(id int64, inProgress bool) error {
	return db.execTask(id, `UPDATE tasks SET in_progress = ?, updated_at = ? WHERE id = ?`,
		boolInt(inProgress), toMillis(time.Now()), id)
}

// SetTaskError puts the task into the error state.
func (db *DB) SetTaskError(id int64, message string) error {
	return db.execTask(id, `UPDATE tasks SET agent_status = 'error', agent_status_message = ?, error_message = ?,
		in_progress = 0, updated_at = ? WHERE id = ?`, message, message, toMillis(time.Now()), id)
}

// ClearTaskError clears the error message and resets the agent status.
func (db *DB) ClearTaskError(id int64) error {
	return db.execTask(id, `UPDATE tasks SET agent_status = 'idle', agent_status_message = '', error_message = '',
		in_progress = 0, updated_at = ? WHERE id = ?`, toMillis(time.Now()), id)
}

// SetCustomBranchName overrides the deterministic worktree branch name.
func (db *DB) SetCustomBranchName(id int64, branch string) error {
	return db.execTask(id, `UPDATE tasks SET custom_branch_name = ?, updated_at = ? WHERE id = ?`,
		branch, toMillis(time.Now()), id)
}

// AppendQueuedMessage adds a prompt to the end of the task's message queue.
func (db *DB) AppendQueuedMessage(id int64, msg QueuedMessage) error {
	return db.withTaskTx(id, func(t *Task) bool {
		t.MessageQueue = append(t.MessageQueue, msg)
		return true
	})
}

// PopQueuedMessage removes and returns the first queued message.
func (db *DB) PopQueuedMessage(id int64) (*QueuedMessage, error) {
	var popped *QueuedMessage
	err := db.withTaskTx(id, func(t *Task) bool {
		if len(t.MessageQueue) == 0 {
			return false
		}
		msg := t.MessageQueue[0]
		popped = &msg
		t.MessageQueue = t.MessageQueue[1:]
		return true
	})
	return popped, err
}

// AddExecutedHook records that an execute-once hook ran for the task.
func (db *DB) AddExecutedHook(id int64, hookID string) error {
	return db.withTaskTx(id, func(t *Task) bool {
		if t.HasExecutedHook(hookID) {
			return false
		}
		t.ExecutedHooks = append(t.ExecutedHooks, hookID)
		return true
	})
}

// DeleteTask deletes a task and its hook executions.
func (db *DB) DeleteTask(id int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM hook_executions WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete hook executions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

func (db *DB) execTask(id int64, query string, args ...any) error {
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return nil
}

// withTaskTx reads the task's list fields, lets fn mutate them and writes them back
// in one transaction. fn returns false to skip the write.
func (db *DB) withTaskTx(id int64, fn func(t *Task) bool) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return fmt.Errorf("task %d not found", id)
	}
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if !fn(t) {
		return nil
	}

	queue, err := json.Marshal(nonNilQueue(t.MessageQueue))
	if err != nil {
		return fmt.Errorf("encode message queue: %w", err)
	}
	executed, err := json.Marshal(nonNilStrings(t.ExecutedHooks))
	if err != nil {
		return fmt.Errorf("encode executed hooks: %w", err)
	}
	if _, err := tx.Exec(`UPDATE tasks SET message_queue = ?, executed_hooks = ?, updated_at = ? WHERE id = ?`,
		string(queue), string(executed), toMillis(time.Now()), id); err != nil {
		return fmt.Errorf("update task %d: %w", id, err)
	}
	return tx.Commit()
}

func nonNilQueue(q []QueuedMessage) []QueuedMessage {
	if q == nil {
		return []QueuedMessage{}
	}
	return q
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, cols string) string {
	var out []byte
	field := true
	for i := 0; i < len(cols); i++ {
		c := cols[i]
		if field && c != ' ' && c != '\n' && c != '\t' {
			out = append(out, alias...)
			out = append(out, '.')
			field = false
		}
		if c == ',' {
			field = true
		}
		out = append(out, c)
	}
	return string(out)
}
