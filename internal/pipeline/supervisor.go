// Package pipeline runs the per-task actors that carry tasks through the
// hooks bound to their column.
//
// Each task gets a TaskActor (lifecycle, moves, message queue) and a
// HookExecutor (one hook at a time, in position order). Both are addressed
// through the registry and driven by the event bus; the database is the
// source of truth and every handler re-reads it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/hooks"
	"github.com/bborn/boardhooks/internal/metrics"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/bborn/boardhooks/internal/worktree"
	"github.com/charmbracelet/log"
)

const (
	DefaultCallTimeout = 30 * time.Second

	maxRestarts    = 5
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	inboxSize      = 64
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrColumnNotFound = errors.New("column not found")
	ErrTimeout        = errors.New("actor call timed out")
	ErrStopping       = errors.New("actor is stopping")
)

// Options configures a Supervisor.
type Options struct {
	CallTimeout   time.Duration
	ScriptTimeout time.Duration
	Metrics       *metrics.Metrics
	Logger        *log.Logger

	// ScratchDir is where script hooks of tasks without a worktree run.
	// Defaults to the worktree manager's scratch directory.
	ScratchDir string
}

// Supervisor owns the task actors. It restarts a crashed actor with
// exponential backoff and hands out per-column agent slots.
type Supervisor struct {
	db          *db.DB
	bus         *events.Bus
	registry    *registry.Registry
	agents      *executor.Service
	worktrees   *worktree.Manager
	hooks       *hooks.Runner
	metrics     *metrics.Metrics
	slots       *slots
	logger      *log.Logger
	callTimeout time.Duration

	mu     sync.Mutex // serializes actor creation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. worktrees may be nil when tasks run without
// repositories.
func New(database *db.DB, bus *events.Bus, reg *registry.Registry, agents *executor.Service, worktrees *worktree.Manager, opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "pipeline"})
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	scratch := opts.ScratchDir
	if scratch == "" && worktrees != nil {
		scratch = worktrees.ScratchDir()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		db:          database,
		bus:         bus,
		registry:    reg,
		agents:      agents,
		worktrees:   worktrees,
		metrics:     opts.Metrics,
		slots:       newSlots(),
		logger:      logger,
		callTimeout: timeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.hooks = hooks.New(database, hooks.Options{
		ScriptTimeout: opts.ScriptTimeout,
		ScratchDir:    scratch,
		Agents:        s,
		Mover:         s,
		Bus:           bus,
		Logger:        logger.WithPrefix("hooks"),
	})
	return s
}

// Hooks returns the hook runner used by the executors.
func (s *Supervisor) Hooks() *hooks.Runner { return s.hooks }

// Start returns the task's actor, starting it if needed.
func (s *Supervisor) Start(taskID int64) (*TaskActor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := registry.Lookup[*TaskActor](s.registry, registry.RoleTask, taskID); ok {
		return a, nil
	}
	if s.ctx.Err() != nil {
		return nil, ErrStopping
	}
	task, err := s.db.GetTask(taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}

	a := newTaskActor(s, task)
	if err := s.registry.Register(registry.Key{Role: registry.RoleTask, TaskID: taskID}, a); err != nil {
		return nil, err
	}
	s.wg.Add(1)
	go s.supervise(a)
	return a, nil
}

// StartAll starts an actor for every task outside the terminal columns.
func (s *Supervisor) StartAll() (int, error) {
	tasks, err := s.db.ListActiveTasks()
	if err != nil {
		return 0, err
	}
	started := 0
	for _, t := range tasks {
		if _, err := s.Start(t.ID); err != nil {
			s.logger.Error("Failed to start task actor", "task", t.ID, "error", err)
			continue
		}
		started++
	}
	s.logger.Info("Task actors started", "count", started)
	return started, nil
}

// supervise runs an actor, restarting it after a crash. A normal exit ends
// supervision.
func (s *Supervisor) supervise(a *TaskActor) {
	defer s.wg.Done()
	defer a.exit()

	backoff := initialBackoff
	for restarts := 0; ; restarts++ {
		if !a.run() {
			return
		}
		if restarts >= maxRestarts {
			s.logger.Error("Task actor crashed too often, giving up", "task", a.taskID, "restarts", restarts)
			return
		}
		s.logger.Warn("Restarting task actor", "task", a.taskID, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// recoverCrash turns a panic in an actor loop into a crash report.
func (s *Supervisor) recoverCrash(taskID int64, crashed *bool) {
	if p := recover(); p != nil {
		s.logger.Error("Task actor panicked", "task", taskID, "panic", p, "stack", string(debug.Stack()))
		*crashed = true
	}
}

// Shutdown stops every actor and waits for them. Running agents are stopped;
// in-flight hook records are left for the next start to recover.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

// StartAgent implements hooks.AgentStarter.
func (s *Supervisor) StartAgent(ctx context.Context, req hooks.AgentRequest) error {
	task := req.Task
	if task.WorktreePath == "" {
		return hooks.ErrNoWorktree
	}

	var columnID int64
	var columnName string
	limit := 0
	if req.Column != nil {
		columnID, columnName = req.Column.ID, req.Column.Name
		limit = req.Column.Settings.AgentConcurrency
	}
	if !s.slots.acquire(task.ID, columnID, limit) {
		s.logger.Info("Agent start deferred, column is full", "task", task.ID, "column", columnName, "limit", limit)
		s.metrics.AgentDeferred(ctx, columnName)
		return hooks.ErrDeferred
	}

	_, err := s.agents.Start(ctx, executor.StartRequest{
		Task:         task,
		ExecutorType: req.ExecutorType,
		Prompt:       req.Prompt,
		WorkDir:      task.WorktreePath,
		AutoApprove:  req.AutoApprove,
		Resume:       req.Resume,
	})
	if err != nil {
		s.releaseSlot(task.ID)
		return err
	}
	return nil
}

// releaseSlot frees the task's agent slot and wakes the next waiter.
func (s *Supervisor) releaseSlot(taskID int64) {
	if next, ok := s.slots.release(taskID); ok {
		s.bus.RequestExecute(next, "agent slot released")
	}
}

// RequestMove implements hooks.Mover. The move runs after the calling hook's
// record is final.
func (s *Supervisor) RequestMove(taskID, columnID int64) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Move(s.ctx, taskID, columnID, -1); err != nil {
			s.logger.Error("Hook-requested move failed", "task", taskID, "column", columnID, "error", err)
		}
	}()
}
