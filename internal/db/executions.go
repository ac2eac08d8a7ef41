package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// HookExecution statuses. pending -> running -> {completed|failed|skipped|cancelled}
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecSkipped   = "skipped"
	ExecCancelled = "cancelled"
)

// Skip reasons
const (
	SkipDisabled      = "disabled"
	SkipError         = "error"
	SkipColumnChange  = "column_change"
	SkipUserCancelled = "user_cancelled"
	SkipServerRestart = "server_restart"
)

// HookExecution is the durable record of one attempt to run a hook for a task.
type HookExecution struct {
	ID           string
	TaskID       int64
	ColumnID     int64
	ColumnHookID int64
	HookID       string
	HookName     string
	Position     int
	Status       string
	SkipReason   string
	ErrorMessage string
	Settings     map[string]any
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// IsTerminal reports whether the execution can no longer change.
func (e *HookExecution) IsTerminal() bool {
	return IsTerminalExecStatus(e.Status)
}

// IsTerminalExecStatus reports whether status is a final HookExecution status.
func IsTerminalExecStatus(status string) bool {
	switch status {
	case ExecCompleted, ExecFailed, ExecSkipped, ExecCancelled:
		return true
	}
	return false
}

const executionColumns = `id, task_id, column_id, column_hook_id, hook_id, hook_name, position,
	status, skip_reason, error_message, settings, queued_at, started_at, completed_at`

func scanExecution(row interface{ Scan(...any) error }) (*HookExecution, error) {
	e := &HookExecution{}
	var settings string
	var queued int64
	var started, completed sql.NullInt64
	err := row.Scan(&e.ID, &e.TaskID, &e.ColumnID, &e.ColumnHookID, &e.HookID, &e.HookName, &e.Position,
		&e.Status, &e.SkipReason, &e.ErrorMessage, &settings, &queued, &started, &completed)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &e.Settings); err != nil {
		return nil, fmt.Errorf("decode execution settings: %w", err)
	}
	if e.Settings == nil {
		e.Settings = map[string]any{}
	}
	e.QueuedAt = fromMillis(queued)
	e.StartedAt = nullMillis(started)
	e.CompletedAt = nullMillis(completed)
	return e, nil
}

// CreateHookExecution inserts a new execution record. Status defaults to pending;
// records created terminal (skipped) get their completion time immediately.
func (db *DB) CreateHookExecution(e *HookExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = ExecPending
	}
	if e.Settings == nil {
		e.Settings = map[string]any{}
	}
	settings, err := json.Marshal(e.Settings)
	if err != nil {
		return fmt.Errorf("encode execution settings: %w", err)
	}
	e.QueuedAt = time.Now()
	var completed any
	if e.IsTerminal() {
		now := e.QueuedAt
		e.CompletedAt = &now
		completed = toMillis(now)
	}
	_, err = db.Exec(`
		INSERT INTO hook_executions (id, task_id, column_id, column_hook_id, hook_id, hook_name, position,
			status, skip_reason, error_message, settings, queued_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TaskID, e.ColumnID, e.ColumnHookID, e.HookID, e.HookName, e.Position,
		e.Status, e.SkipReason, e.ErrorMessage, string(settings), toMillis(e.QueuedAt), completed)
	if err != nil {
		return fmt.Errorf("insert hook execution: %w", err)
	}
	return nil
}

// GetHookExecution retrieves an execution by ID. Returns nil if it does not exist.
func (db *DB) GetHookExecution(id string) (*HookExecution, error) {
	e, err := scanExecution(db.QueryRow(`SELECT `+executionColumns+` FROM hook_executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get hook execution: %w", err)
	}
	return e, nil
}

// ListHookExecutions returns a task's executions in queue order.
func (db *DB) ListHookExecutions(taskID int64) ([]*HookExecution, error) {
	return db.queryExecutions(`SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? ORDER BY seq`, taskID)
}

// ListColumnHookExecutions returns a task's executions for one column.
func (db *DB) ListColumnHookExecutions(taskID, columnID int64) ([]*HookExecution, error) {
	return db.queryExecutions(`SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? AND column_id = ? ORDER BY seq`, taskID, columnID)
}

// NextPendingHookExecution returns the pending execution that should run next:
// lowest position first, then queue order.
func (db *DB) NextPendingHookExecution(taskID int64) (*HookExecution, error) {
	e, err := scanExecution(db.QueryRow(`SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? AND status = 'pending' ORDER BY position, seq LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending hook execution: %w", err)
	}
	return e, nil
}

// RunningHookExecution returns the task's running execution, if any.
func (db *DB) RunningHookExecution(taskID int64) (*HookExecution, error) {
	e, err := scanExecution(db.QueryRow(`SELECT `+executionColumns+` FROM hook_executions
		WHERE task_id = ? AND status = 'running' ORDER BY seq LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running hook execution: %w", err)
	}
	return e, nil
}

func (db *DB) queryExecutions(query string, args ...any) ([]*HookExecution, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hook executions: %w", err)
	}
	defer rows.Close()

	var out []*HookExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hook execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StartHookExecution transitions pending -> running. It reports false when the
// record is no longer pending or another execution of the same task is running.
func (db *DB) StartHookExecution(id string) (bool, error) {
	result, err := db.Exec(`
		UPDATE hook_executions SET status = 'running', started_at = ?
		WHERE id = ? AND status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM hook_executions r
			WHERE r.task_id = hook_executions.task_id AND r.status = 'running'
		  )
	`, toMillis(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("start hook execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueHookExecution returns a running execution to pending.
func (db *DB) RequeueHookExecution(id string) error {
	if _, err := db.Exec(`UPDATE hook_executions SET status = 'pending', started_at = NULL
		WHERE id = ? AND status = 'running'`, id); err != nil {
		return fmt.Errorf("requeue hook execution: %w", err)
	}
	return nil
}

// CompleteHookExecution marks a running execution completed.
func (db *DB) CompleteHookExecution(id string) (bool, error) {
	return db.finishExecution(id, ExecCompleted, "", "", ExecRunning)
}

// FailHookExecution marks a running execution failed.
func (db *DB) FailHookExecution(id, message string) (bool, error) {
	return db.finishExecution(id, ExecFailed, "", message, ExecRunning)
}

// CancelHookExecution marks a running execution cancelled.
func (db *DB) CancelHookExecution(id, reason string) (bool, error) {
	return db.finishExecution(id, ExecCancelled, reason, "", ExecRunning)
}

// SkipHookExecution marks a pending or running execution skipped.
func (db *DB) SkipHookExecution(id, reason string) (bool, error) {
	return db.finishExecution(id, ExecSkipped, reason, "", ExecPending, ExecRunning)
}

func (db *DB) finishExecution(id, status, reason, message string, from ...string) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{status, reason, message, toMillis(time.Now()), id}
	for _, f := range from {
		args = append(args, f)
	}
	result, err := db.Exec(`UPDATE hook_executions
		SET status = ?, skip_reason = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("finish hook execution: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// SkipPendingHookExecutions marks every pending execution of a task skipped.
func (db *DB) SkipPendingHookExecutions(taskID int64, reason string) (int, error) {
	return db.skipWhere(taskID, reason, ExecPending)
}

// SkipActiveHookExecutions marks every pending or running execution of a task skipped.
func (db *DB) SkipActiveHookExecutions(taskID int64, reason string) (int, error) {
	return db.skipWhere(taskID, reason, ExecPending, ExecRunning)
}

// SkipRunningHookExecutions marks every running execution of a task skipped.
func (db *DB) SkipRunningHookExecutions(taskID int64, reason string) (int, error) {
	return db.skipWhere(taskID, reason, ExecRunning)
}

func (db *DB) skipWhere(taskID int64, reason string, statuses ...string) (int, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{reason, toMillis(time.Now()), taskID}
	for _, s := range statuses {
		args = append(args, s)
	}
	result, err := db.Exec(`UPDATE hook_executions
		SET status = 'skipped', skip_reason = ?, completed_at = ?
		WHERE task_id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("skip hook executions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
