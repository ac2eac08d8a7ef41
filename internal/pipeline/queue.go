package pipeline

import (
	"fmt"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/hooks"
)

// QueueMode selects which column hooks are considered already queued.
type QueueMode int

const (
	// RestartRecovery skips any binding that already has an execution for the task and column.
	RestartRecovery QueueMode = iota
	// Fresh skips only bindings with a non-terminal execution; completed ones may run again.
	Fresh
)

func (m QueueMode) String() string {
	if m == Fresh {
		return "fresh"
	}
	return "restart_recovery"
}

// EnqueueColumnHooks creates HookExecution records for the column's hooks and
// returns how many were queued as pending.
//
// execute_once hooks the task already ran are dropped. With hooks disabled every
// binding is recorded skipped(disabled). A task in the error state only queues
// transparent hooks; the others are recorded skipped(error).
func EnqueueColumnHooks(database *db.DB, resolver *hooks.Runner, task *db.Task, column *db.Column, mode QueueMode) (int, error) {
	bindings, err := database.ListColumnHooks(column.ID)
	if err != nil {
		return 0, fmt.Errorf("list column hooks: %w", err)
	}
	existing, err := database.ListColumnHookExecutions(task.ID, column.ID)
	if err != nil {
		return 0, fmt.Errorf("list executions: %w", err)
	}

	seen := make(map[int64]bool)
	for _, e := range existing {
		if mode == RestartRecovery || !e.IsTerminal() {
			seen[e.ColumnHookID] = true
		}
	}

	inError := task.InErrorState()
	queued := 0
	for _, b := range bindings {
		if seen[b.ID] {
			continue
		}
		if b.ExecuteOnce && task.HasExecutedHook(b.HookID) {
			continue
		}

		exec := &db.HookExecution{
			TaskID:       task.ID,
			ColumnID:     column.ID,
			ColumnHookID: b.ID,
			HookID:       b.HookID,
			HookName:     hookName(resolver, b.HookID),
			Position:     b.Position,
			Settings:     b.Settings,
		}
		switch {
		case !column.Settings.HooksEnabled:
			exec.Status, exec.SkipReason = db.ExecSkipped, db.SkipDisabled
		case inError && !b.Transparent:
			exec.Status, exec.SkipReason = db.ExecSkipped, db.SkipError
		default:
			queued++
		}
		if err := database.CreateHookExecution(exec); err != nil {
			return queued, err
		}
	}
	return queued, nil
}

// hookName snapshots the hook's display name; unknown ids keep the id so the
// executor can fail the record with a useful message.
func hookName(resolver *hooks.Runner, hookID string) string {
	def, err := resolver.Resolve(hookID)
	if err != nil || def.Name == "" {
		return hookID
	}
	return def.Name
}
