package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/hooks"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/charmbracelet/log"
)

// activeHook is the execution a HookExecutor is currently running.
type activeHook struct {
	exec     *db.HookExecution
	binding  *db.ColumnHook // nil for executions queued outside a column binding
	def      *hooks.Definition
	cancel   context.CancelFunc
	unitDone chan struct{}
	started  time.Time

	awaiting  bool
	sessionID string // agent session the hook waits on
	early     *events.Completion
}

func (h *activeHook) transparent() bool {
	return h.binding != nil && h.binding.Transparent
}

type unitDoneMsg struct {
	executionID string
	res         hooks.Result
}

type stopMsg struct {
	reason string
	record bool
	reply  chan struct{}
}

// HookExecutor runs a task's pending hook executions one at a time in
// position order. Hook bodies run in their own goroutine so the executor
// stays responsive to stop requests.
type HookExecutor struct {
	sup    *Supervisor
	owner  *TaskActor
	taskID int64
	inbox  chan any
	kick   chan struct{}
	done   chan struct{}
	logger *log.Logger

	// owned by the loop goroutine
	current  *activeHook
	stopping bool
}

func newHookExecutor(owner *TaskActor) *HookExecutor {
	s := owner.sup
	h := &HookExecutor{
		sup:    s,
		owner:  owner,
		taskID: owner.taskID,
		inbox:  make(chan any, inboxSize),
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: s.logger.With("task", owner.taskID, "actor", "hooks"),
	}
	key := registry.Key{Role: registry.RoleHookExecutor, TaskID: h.taskID}
	if err := s.registry.Register(key, h); err != nil {
		h.logger.Warn("Hook executor already registered", "error", err)
	}
	sub := s.bus.Subscribe(events.CompletedTopic(h.taskID))
	go h.loop(sub)
	return h
}

// Execute asks the executor to run the next pending execution. Requests
// coalesce and are ignored while a hook is running.
func (h *HookExecutor) Execute() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Stop stops the executor and any agent it started. With record set the
// running execution is marked cancelled with reason.
func (h *HookExecutor) Stop(reason string, record bool) error {
	timeout := time.NewTimer(h.sup.callTimeout)
	defer timeout.Stop()

	select {
	case h.inbox <- stopMsg{reason: reason, record: record, reply: make(chan struct{})}:
	case <-h.done:
		return nil
	case <-timeout.C:
		return ErrTimeout
	}
	select {
	case <-h.done:
		return nil
	case <-timeout.C:
		return ErrTimeout
	}
}

func (h *HookExecutor) loop(sub *events.Subscription) {
	defer close(h.done)
	defer h.sup.registry.Unregister(registry.Key{Role: registry.RoleHookExecutor, TaskID: h.taskID}, h)
	defer h.sup.bus.Unsubscribe(sub)

	for {
		select {
		case <-h.kick:
			h.safely(h.executeNext)
		case m := <-h.inbox:
			switch m := m.(type) {
			case unitDoneMsg:
				h.safely(func() { h.unitDone(m) })
			case stopMsg:
				h.safely(func() { h.stop(m) })
				close(m.reply)
				return
			}
		case ev := <-sub.C():
			if c, ok := ev.Payload.(events.Completion); ok {
				h.safely(func() { h.agentCompleted(c) })
			}
		}
	}
}

// safely runs fn, failing the current execution if it panics.
func (h *HookExecutor) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			h.logger.Error("Hook executor panicked", "panic", p, "stack", string(debug.Stack()))
			if h.current != nil && !h.stopping {
				h.fail(hooks.Failure(fmt.Errorf("panic: %v", p)))
			}
		}
	}()
	fn()
}

func (h *HookExecutor) executeNext() {
	if h.stopping || h.current != nil {
		return
	}
	d := h.sup.db
	next, err := d.NextPendingHookExecution(h.taskID)
	if err != nil || next == nil {
		return
	}
	ok, err := d.StartHookExecution(next.ID)
	if err != nil {
		h.logger.Error("Failed to start execution", "execution", next.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	next.Status = db.ExecRunning

	task, err := d.GetTask(h.taskID)
	if err != nil || task == nil {
		d.CancelHookExecution(next.ID, db.SkipUserCancelled)
		return
	}
	column, _ := d.GetColumn(next.ColumnID)
	var binding *db.ColumnHook
	if next.ColumnHookID != 0 {
		binding, _ = d.GetColumnHook(next.ColumnHookID)
	}

	cur := &activeHook{exec: next, binding: binding, started: time.Now()}
	h.current = cur

	def, err := h.sup.hooks.Resolve(next.HookID)
	if err != nil {
		h.fail(hooks.Failure(err))
		return
	}
	cur.def = def

	if !cur.transparent() {
		d.UpdateAgentStatus(h.taskID, db.AgentExecuting, "Running "+next.HookName)
	}
	h.logger.Info("Running hook", "hook", next.HookName, "position", next.Position)
	h.sup.bus.Board(task.BoardID, h.taskID, events.HookStarted, map[string]any{
		"execution_id": next.ID,
		"hook_id":      next.HookID,
		"hook_name":    next.HookName,
	})

	ctx, cancel := context.WithCancel(h.sup.ctx)
	cur.cancel = cancel
	cur.unitDone = make(chan struct{})
	inv := hooks.Invocation{Task: task, Column: column, Execution: next, Hook: def}
	go func() {
		res := h.sup.hooks.Run(ctx, inv)
		close(cur.unitDone)
		select {
		case h.inbox <- unitDoneMsg{executionID: next.ID, res: res}:
		case <-h.done:
		}
	}()
}

func (h *HookExecutor) unitDone(m unitDoneMsg) {
	cur := h.current
	if h.stopping || cur == nil || cur.exec.ID != m.executionID {
		return
	}
	if h.sup.ctx.Err() != nil {
		// shutting down; the next start recovers the record
		return
	}
	cur.cancel()

	switch m.res.Outcome {
	case hooks.OK:
		h.succeed(m.res)
	case hooks.AwaitingExternal:
		cur.awaiting = true
		if r, ok := h.sup.agents.Lookup(h.taskID); ok {
			cur.sessionID = r.SessionID()
		} else if s, err := h.sup.db.LatestExecutorSession(h.taskID); err == nil && s != nil {
			cur.sessionID = s.ID
		}
		h.logger.Debug("Hook waiting on agent", "hook", cur.exec.HookName, "session", cur.sessionID)
		if early := cur.early; early != nil {
			cur.early = nil
			h.agentCompleted(*early)
		}
	case hooks.Deferred:
		h.current = nil
		if err := h.sup.db.RequeueHookExecution(cur.exec.ID); err != nil {
			h.logger.Error("Failed to requeue execution", "error", err)
		}
		if !cur.transparent() {
			h.sup.db.ClearAgentStatusIf(h.taskID, db.AgentExecuting)
		}
		h.logger.Info("Hook deferred until an agent slot frees", "hook", cur.exec.HookName)
	default:
		h.fail(m.res)
	}
}

// agentCompleted settles an execution waiting on the task's agent.
func (h *HookExecutor) agentCompleted(c events.Completion) {
	cur := h.current
	if h.stopping || cur == nil || h.sup.ctx.Err() != nil {
		return
	}
	if !cur.awaiting {
		// the agent can exit before the hook body reports back
		cur.early = &c
		return
	}
	if cur.sessionID != "" && c.SessionID != "" && c.SessionID != cur.sessionID {
		h.logger.Debug("Ignoring completion of another session", "session", c.SessionID)
		return
	}
	if c.ExitCode == 0 {
		h.succeed(hooks.Success())
		return
	}
	h.fail(hooks.Result{Outcome: hooks.Failed, ExitCode: c.ExitCode, Output: c.Note})
}

func (h *HookExecutor) succeed(res hooks.Result) {
	cur := h.current
	h.current = nil
	d := h.sup.db

	if cur.binding != nil && cur.binding.ExecuteOnce {
		if err := d.AddExecutedHook(h.taskID, cur.exec.HookID); err != nil {
			h.logger.Error("Failed to record execute-once hook", "error", err)
		}
	}
	if _, err := d.CompleteHookExecution(cur.exec.ID); err != nil {
		h.logger.Error("Failed to complete execution", "error", err)
	}
	if !cur.transparent() {
		d.ClearAgentStatusIf(h.taskID, db.AgentExecuting)
	}
	h.finished(cur, db.ExecCompleted, "")
	if res.Followup != nil {
		res.Followup()
	}
	h.owner.post(hookCompletedMsg{executionID: cur.exec.ID, outcome: hooks.OK})
}

// fail records the failure. Unless the hook is transparent the task enters the
// error state and its remaining executions are skipped.
func (h *HookExecutor) fail(res hooks.Result) {
	cur := h.current
	h.current = nil
	if cur.cancel != nil {
		cur.cancel()
	}
	d := h.sup.db

	msg := hooks.ErrorMessage(cur.exec.HookName, res)
	if _, err := d.FailHookExecution(cur.exec.ID, msg); err != nil {
		h.logger.Error("Failed to record hook failure", "error", err)
	}
	if cur.transparent() {
		h.logger.Warn("Transparent hook failed, continuing", "hook", cur.exec.HookName, "error", msg)
		d.ClearAgentStatusIf(h.taskID, db.AgentExecuting)
	} else {
		h.logger.Error("Hook failed", "hook", cur.exec.HookName, "error", msg)
		if err := d.SetTaskError(h.taskID, msg); err != nil {
			h.logger.Error("Failed to record task error", "error", err)
		}
		if _, err := d.SkipPendingHookExecutions(h.taskID, db.SkipError); err != nil {
			h.logger.Error("Failed to skip pending executions", "error", err)
		}
	}
	h.finished(cur, db.ExecFailed, msg)
	h.owner.post(hookCompletedMsg{executionID: cur.exec.ID, outcome: hooks.Failed})
}

func (h *HookExecutor) finished(cur *activeHook, status, message string) {
	h.sup.metrics.Hook(h.sup.ctx, cur.exec.HookName, status, time.Since(cur.started))
	payload := map[string]any{
		"execution_id": cur.exec.ID,
		"hook_id":      cur.exec.HookID,
		"hook_name":    cur.exec.HookName,
		"status":       status,
	}
	if message != "" {
		payload["error"] = message
	}
	if task, err := h.sup.db.GetTask(h.taskID); err == nil && task != nil {
		h.sup.bus.Board(task.BoardID, h.taskID, events.HookFinished, payload)
	}
}

// stop cancels the running hook body, stops the task's agent and, when asked,
// records the running execution as cancelled.
func (h *HookExecutor) stop(m stopMsg) {
	h.stopping = true
	cur := h.current
	h.current = nil

	if cur != nil && cur.cancel != nil {
		cur.cancel()
		select {
		case <-cur.unitDone:
		case <-time.After(h.sup.callTimeout):
			h.logger.Warn("Hook body did not exit after cancel", "hook", cur.exec.HookName)
		}
	}

	reason := m.reason
	if reason == "" {
		reason = "shutdown"
	}
	if h.sup.agents.IsRunning(h.taskID) {
		if err := h.sup.agents.Stop(h.taskID, reason); err != nil && !errors.Is(err, executor.ErrNotRunning) {
			h.logger.Error("Failed to stop agent", "error", err)
		}
	}

	if cur == nil || !m.record {
		return
	}
	if _, err := h.sup.db.CancelHookExecution(cur.exec.ID, m.reason); err != nil {
		h.logger.Error("Failed to cancel execution", "error", err)
	}
	h.finished(cur, db.ExecCancelled, "")
	h.logger.Info("Hook cancelled", "hook", cur.exec.HookName, "reason", m.reason)
}
