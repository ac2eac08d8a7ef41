package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/hooks"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/bborn/boardhooks/internal/worktree"
	"github.com/charmbracelet/log"
)

// Task actor states.
const (
	StateInitializing = "initializing"
	StateActive       = "active"
	StateTerminated   = "terminated"
)

// InProgressColumn is where enqueued messages send a task.
const InProgressColumn = "In Progress"

type moveMsg struct {
	columnID int64
	position int
	reply    chan error
}

type stopExecutionMsg struct{ reply chan error }

type enqueueMsg struct {
	msg   db.QueuedMessage
	reply chan error
}

type terminateMsg struct{ reply chan error }

type hookCompletedMsg struct {
	executionID string
	outcome     hooks.Outcome
}

// actorFunc runs on the actor goroutine.
type actorFunc func(*TaskActor)

// TaskActor owns one task's lifecycle: worktree setup, restart recovery,
// column moves and the hand-off between agent runs and queued messages.
type TaskActor struct {
	sup    *Supervisor
	taskID int64
	inbox  chan any
	done   chan struct{}
	logger *log.Logger
	state  atomic.Value

	// owned by the loop goroutine
	task     *db.Task
	hookExec *HookExecutor
}

func newTaskActor(s *Supervisor, task *db.Task) *TaskActor {
	a := &TaskActor{
		sup:    s,
		taskID: task.ID,
		inbox:  make(chan any, inboxSize),
		done:   make(chan struct{}),
		logger: s.logger.With("task", task.ID),
		task:   task,
	}
	a.state.Store(StateInitializing)
	return a
}

// State returns the actor's lifecycle state.
func (a *TaskActor) State() string { return a.state.Load().(string) }

// Done is closed once the actor has stopped for good.
func (a *TaskActor) Done() <-chan struct{} { return a.done }

// run executes one incarnation of the actor. It reports whether it crashed.
func (a *TaskActor) run() (crashed bool) {
	defer a.sup.recoverCrash(a.taskID, &crashed)

	bus := a.sup.bus
	execSub := bus.Subscribe(events.TaskTopic(a.taskID))
	defer bus.Unsubscribe(execSub)
	doneSub := bus.Subscribe(events.CompletedTopic(a.taskID))
	defer bus.Unsubscribe(doneSub)

	a.state.Store(StateInitializing)
	if !a.init() {
		return false
	}
	a.state.Store(StateActive)

	for {
		select {
		case <-a.sup.ctx.Done():
			a.haltHookExecutor()
			return false
		case m := <-a.inbox:
			if a.handle(m) {
				return false
			}
		case <-execSub.C():
			a.scheduleNext()
		case ev := <-doneSub.C():
			if c, ok := ev.Payload.(events.Completion); ok {
				a.executorCompleted(c)
			}
		}
	}
}

// exit runs once supervision ends.
func (a *TaskActor) exit() {
	a.state.Store(StateTerminated)
	a.sup.registry.Unregister(registry.Key{Role: registry.RoleTask, TaskID: a.taskID}, a)
	close(a.done)
}

func (a *TaskActor) handle(m any) (exit bool) {
	switch m := m.(type) {
	case moveMsg:
		m.reply <- a.move(m.columnID, m.position)
	case stopExecutionMsg:
		m.reply <- a.stopExecution()
	case enqueueMsg:
		m.reply <- a.enqueue(m.msg)
	case hookCompletedMsg:
		a.logger.Debug("Hook finished", "execution", m.executionID, "outcome", m.outcome)
		a.scheduleNext()
	case actorFunc:
		m(a)
	case terminateMsg:
		a.terminate()
		m.reply <- nil
		return true
	}
	return false
}

// refresh re-reads the task. It returns nil if the task is gone.
func (a *TaskActor) refresh() *db.Task {
	task, err := a.sup.db.GetTask(a.taskID)
	if err != nil {
		a.logger.Error("Failed to load task", "error", err)
		return a.task
	}
	if task != nil {
		a.task = task
	}
	return task
}

// init prepares the worktree, recovers executions interrupted by a restart
// and queues the current column's hooks. It returns false when the task no
// longer exists.
func (a *TaskActor) init() bool {
	if a.hookExec != nil {
		a.haltHookExecutor()
	}
	task := a.refresh()
	if task == nil {
		a.logger.Info("Task deleted, terminating actor")
		a.terminate()
		return false
	}

	a.ensureWorktree(task)

	if n, err := a.sup.db.SkipRunningHookExecutions(a.taskID, db.SkipServerRestart); err != nil {
		a.logger.Error("Failed to recover running executions", "error", err)
	} else if n > 0 {
		a.logger.Warn("Skipped executions interrupted by restart", "count", n)
	}

	a.hookExec = newHookExecutor(a)
	a.enqueueColumnHooks(RestartRecovery)
	a.scheduleNext()
	return true
}

func (a *TaskActor) ensureWorktree(task *db.Task) {
	if a.sup.worktrees == nil {
		return
	}
	if task.WorktreePath != "" {
		if _, err := os.Stat(task.WorktreePath); err == nil {
			return
		}
	}
	board, err := a.sup.db.GetBoard(task.BoardID)
	if err != nil {
		a.logger.Error("Failed to load board", "error", err)
		return
	}
	wt, err := a.sup.worktrees.CreateWorktree(a.sup.ctx, board, task, task.CustomBranchName)
	if err != nil {
		if worktree.IsKind(err, worktree.NoRepository) {
			a.logger.Debug("Board has no repository, running without a worktree")
			return
		}
		a.logger.Error("Worktree setup failed", "error", err)
		if err := a.sup.db.SetTaskError(a.taskID, fmt.Sprintf("Worktree setup failed: %v", err)); err != nil {
			a.logger.Error("Failed to record task error", "error", err)
		}
		a.refresh()
		return
	}
	if err := a.sup.db.UpdateTaskWorktree(a.taskID, wt.Path, wt.Branch); err != nil {
		a.logger.Error("Failed to save worktree", "error", err)
		return
	}
	task.WorktreePath, task.WorktreeBranch = wt.Path, wt.Branch
}

func (a *TaskActor) enqueueColumnHooks(mode QueueMode) {
	column, err := a.sup.db.GetColumn(a.task.ColumnID)
	if err != nil || column == nil {
		a.logger.Error("Failed to load column", "column", a.task.ColumnID, "error", err)
		return
	}
	n, err := EnqueueColumnHooks(a.sup.db, a.sup.hooks, a.task, column, mode)
	if err != nil {
		a.logger.Error("Failed to queue column hooks", "column", column.Name, "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("Queued column hooks", "column", column.Name, "count", n, "mode", mode)
	}
}

// scheduleNext kicks the hook executor, or settles the agent status when
// nothing is left to run.
func (a *TaskActor) scheduleNext() {
	next, err := a.sup.db.NextPendingHookExecution(a.taskID)
	if err != nil {
		a.logger.Error("Failed to read pending executions", "error", err)
		return
	}
	if next != nil {
		a.hookExec.Execute()
		return
	}
	running, err := a.sup.db.RunningHookExecution(a.taskID)
	if err != nil {
		a.logger.Error("Failed to read running execution", "error", err)
		return
	}
	if running == nil {
		if err := a.sup.db.ClearAgentStatusIf(a.taskID, db.AgentExecuting); err != nil {
			a.logger.Error("Failed to clear agent status", "error", err)
		}
	}
}

// replaceHookExecutor stops the current executor, cancelling its execution
// with reason, and starts a fresh one.
func (a *TaskActor) replaceHookExecutor(reason string) {
	if a.hookExec != nil {
		if err := a.hookExec.Stop(reason, true); err != nil {
			a.logger.Error("Hook executor did not stop", "error", err)
		}
	}
	a.hookExec = newHookExecutor(a)
}

// haltHookExecutor stops the executor without touching its records.
func (a *TaskActor) haltHookExecutor() {
	if a.hookExec == nil {
		return
	}
	if err := a.hookExec.Stop("", false); err != nil {
		a.logger.Error("Hook executor did not stop", "error", err)
	}
	a.hookExec = nil
}

func (a *TaskActor) move(columnID int64, position int) error {
	task := a.refresh()
	if task == nil {
		return ErrTaskNotFound
	}
	if columnID == task.ColumnID {
		if position < 0 {
			return nil
		}
		return a.sup.db.UpdateTaskColumn(a.taskID, columnID, position)
	}

	column, err := a.sup.db.GetColumn(columnID)
	if err != nil {
		return err
	}
	if column == nil || column.BoardID != task.BoardID {
		return ErrColumnNotFound
	}

	from := task.ColumnID
	a.replaceHookExecutor(db.SkipColumnChange)
	if _, err := a.sup.db.SkipActiveHookExecutions(a.taskID, db.SkipColumnChange); err != nil {
		a.logger.Error("Failed to skip executions", "error", err)
	}
	a.sup.releaseSlot(a.taskID)

	if position < 0 {
		position, err = a.endOfColumn(columnID)
		if err != nil {
			return err
		}
	}
	if err := a.sup.db.UpdateTaskColumn(a.taskID, columnID, position); err != nil {
		return err
	}
	if task.InErrorState() {
		if err := a.sup.db.ClearTaskError(a.taskID); err != nil {
			a.logger.Error("Failed to clear task error", "error", err)
		}
	}
	a.logger.Info("Task moved", "from", from, "to", column.Name)
	a.sup.bus.Board(task.BoardID, a.taskID, events.TaskMoved, map[string]any{
		"from_column_id": from,
		"to_column_id":   columnID,
		"position":       position,
	})

	if a.refresh() == nil {
		return ErrTaskNotFound
	}
	a.enqueueColumnHooks(Fresh)
	a.scheduleNext()
	return nil
}

func (a *TaskActor) endOfColumn(columnID int64) (int, error) {
	tasks, err := a.sup.db.ListTasks(a.task.BoardID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.ColumnID == columnID && t.ID != a.taskID {
			n++
		}
	}
	return n, nil
}

func (a *TaskActor) stopExecution() error {
	a.replaceHookExecutor(db.SkipUserCancelled)
	if _, err := a.sup.db.SkipActiveHookExecutions(a.taskID, db.SkipUserCancelled); err != nil {
		return err
	}
	a.sup.releaseSlot(a.taskID)
	if err := a.sup.db.SetTaskInProgress(a.taskID, false); err != nil {
		a.logger.Error("Failed to clear in-progress flag", "error", err)
	}
	if err := a.sup.db.ClearAgentStatusIf(a.taskID, db.AgentExecuting); err != nil {
		a.logger.Error("Failed to clear agent status", "error", err)
	}
	if task := a.refresh(); task != nil && task.InErrorState() {
		return a.sup.db.ClearTaskError(a.taskID)
	}
	return nil
}

// executorCompleted reacts to the task's agent exiting. A hook awaiting the
// agent settles itself; this handles the queue and the status of agents run
// outside a hook.
func (a *TaskActor) executorCompleted(c events.Completion) {
	a.sup.releaseSlot(a.taskID)
	task := a.refresh()
	if task == nil {
		return
	}
	if err := a.sup.db.SetTaskInProgress(a.taskID, false); err != nil {
		a.logger.Error("Failed to clear in-progress flag", "error", err)
	}

	if len(task.MessageQueue) > 0 && !task.InErrorState() {
		a.queueContinuation(task)
		a.scheduleNext()
		return
	}

	running, err := a.sup.db.RunningHookExecution(a.taskID)
	if err != nil {
		a.logger.Error("Failed to read running execution", "error", err)
		return
	}
	if running != nil {
		return
	}
	if c.ExitCode == 0 {
		if err := a.sup.db.ClearAgentStatusIf(a.taskID, db.AgentExecuting); err != nil {
			a.logger.Error("Failed to clear agent status", "error", err)
		}
		return
	}
	if task.AgentStatus == db.AgentExecuting {
		msg := fmt.Sprintf("Agent exited with code %d", c.ExitCode)
		if c.Note != "" {
			msg += ": " + c.Note
		}
		if err := a.sup.db.SetTaskError(a.taskID, msg); err != nil {
			a.logger.Error("Failed to record task error", "error", err)
		}
	}
}

// queueContinuation records a continue_conversation execution at the front of
// the queue, unless one is already pending. Settings are copied from the last
// agent execution so the executor and approval mode carry over.
func (a *TaskActor) queueContinuation(task *db.Task) {
	execs, err := a.sup.db.ListHookExecutions(a.taskID)
	if err != nil {
		a.logger.Error("Failed to list executions", "error", err)
		return
	}
	var settings map[string]any
	for _, e := range execs {
		if e.HookID == hooks.SystemContinueConversation && e.Status == db.ExecPending {
			return
		}
		if e.HookID == hooks.SystemExecuteAI || e.HookID == hooks.SystemContinueConversation {
			settings = e.Settings
		}
	}
	exec := &db.HookExecution{
		TaskID:   a.taskID,
		ColumnID: task.ColumnID,
		HookID:   hooks.SystemContinueConversation,
		HookName: hookName(a.sup.hooks, hooks.SystemContinueConversation),
		Position: -1,
		Settings: settings,
	}
	if err := a.sup.db.CreateHookExecution(exec); err != nil {
		a.logger.Error("Failed to queue continuation", "error", err)
	}
}

// enqueue appends a message for the agent and routes the task to the
// In Progress column. A task already there continues its conversation.
func (a *TaskActor) enqueue(msg db.QueuedMessage) error {
	if err := a.sup.db.AppendQueuedMessage(a.taskID, msg); err != nil {
		return err
	}
	task := a.refresh()
	if task == nil {
		return ErrTaskNotFound
	}
	if task.InErrorState() {
		if err := a.sup.db.ClearTaskError(a.taskID); err != nil {
			return err
		}
		task = a.refresh()
	}

	target, err := a.sup.db.GetColumnByName(task.BoardID, InProgressColumn)
	if err != nil {
		return err
	}
	if target != nil && target.ID != task.ColumnID {
		return a.move(target.ID, -1)
	}
	if a.sup.agents.IsRunning(a.taskID) {
		// picked up when the agent exits
		return nil
	}
	a.queueContinuation(task)
	a.scheduleNext()
	return nil
}

// terminate stops the task's work. A deleted task's worktree is removed.
func (a *TaskActor) terminate() {
	if a.hookExec != nil {
		if err := a.hookExec.Stop(db.SkipUserCancelled, true); err != nil {
			a.logger.Error("Hook executor did not stop", "error", err)
		}
		a.hookExec = nil
	} else if a.sup.agents.IsRunning(a.taskID) {
		if err := a.sup.agents.Stop(a.taskID, executor.ReasonUserCancelled); err != nil {
			a.logger.Error("Failed to stop agent", "error", err)
		}
	}
	a.sup.releaseSlot(a.taskID)

	task, err := a.sup.db.GetTask(a.taskID)
	if err == nil && task == nil && a.sup.worktrees != nil && a.task.WorktreePath != "" {
		a.sup.worktrees.RemoveWorktree(a.sup.ctx, a.taskID, a.task.WorktreePath, a.task.WorktreeBranch)
	}
	a.logger.Info("Task actor terminated")
}

// post delivers a fire-and-forget message.
func (a *TaskActor) post(m any) {
	select {
	case a.inbox <- m:
	case <-a.done:
	}
}

// call delivers a message built around a reply channel and waits for the answer.
func (a *TaskActor) call(ctx context.Context, build func(reply chan error) any) error {
	ctx, cancel := context.WithTimeout(ctx, a.sup.callTimeout)
	defer cancel()

	reply := make(chan error, 1)
	select {
	case a.inbox <- build(reply):
	case <-a.done:
		return ErrStopping
	case <-ctx.Done():
		return ErrTimeout
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return ErrStopping
	case <-ctx.Done():
		return ErrTimeout
	}
}
