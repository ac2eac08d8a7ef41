package pipeline

import (
	"context"
	"errors"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/registry"
)

// Move moves a task to another column and runs that column's hooks. A
// negative position appends the task to the end of the column.
func (s *Supervisor) Move(ctx context.Context, taskID, columnID int64, position int) error {
	a, err := s.Start(taskID)
	if err != nil {
		return err
	}
	return a.call(ctx, func(reply chan error) any {
		return moveMsg{columnID: columnID, position: position, reply: reply}
	})
}

// StopExecution cancels the running hook and skips the pending ones.
func (s *Supervisor) StopExecution(ctx context.Context, taskID int64) error {
	a, err := s.Start(taskID)
	if err != nil {
		return err
	}
	return a.call(ctx, func(reply chan error) any {
		return stopExecutionMsg{reply: reply}
	})
}

// EnqueueMessage queues a prompt for the task's agent and moves the task to
// In Progress, or continues the conversation if it is already there.
func (s *Supervisor) EnqueueMessage(ctx context.Context, taskID int64, msg db.QueuedMessage) error {
	a, err := s.Start(taskID)
	if err != nil {
		return err
	}
	return a.call(ctx, func(reply chan error) any {
		return enqueueMsg{msg: msg, reply: reply}
	})
}

// StopExecutor stops the task's agent. With a live actor this goes through
// the pipeline so the awaiting hook is cancelled too.
func (s *Supervisor) StopExecutor(ctx context.Context, taskID int64) error {
	if _, ok := registry.Lookup[*TaskActor](s.registry, registry.RoleTask, taskID); ok {
		return s.StopExecution(ctx, taskID)
	}
	return s.agents.Stop(taskID, executor.ReasonUserCancelled)
}

// Status returns the task's agent status.
func (s *Supervisor) Status(taskID int64) (executor.Status, error) {
	return s.agents.Status(taskID)
}

// SendInput writes raw input to the task's running agent.
func (s *Supervisor) SendInput(taskID int64, text string) error {
	return s.agents.SendInput(taskID, text)
}

// Terminate stops the task's actor. Call it after deleting a task so its
// worktree is cleaned up.
func (s *Supervisor) Terminate(ctx context.Context, taskID int64) error {
	a, ok := registry.Lookup[*TaskActor](s.registry, registry.RoleTask, taskID)
	if !ok {
		return nil
	}
	err := a.call(ctx, func(reply chan error) any {
		return terminateMsg{reply: reply}
	})
	if errors.Is(err, ErrStopping) {
		return nil
	}
	return err
}
