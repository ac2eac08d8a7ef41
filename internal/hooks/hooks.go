// Package hooks resolves and runs the automation steps bound to board columns:
// shell scripts, agent prompts and the built-in system hooks.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/charmbracelet/log"
)

const DefaultScriptTimeout = 10 * time.Minute

var (
	ErrHookNotFound = errors.New("hook not found")
	ErrNoWorktree   = errors.New("task has no worktree")
	// ErrDeferred is returned by an AgentStarter when no agent slot is free.
	ErrDeferred = errors.New("no free agent slot")
)

// AgentRequest asks for an agent to be started on a task's worktree.
type AgentRequest struct {
	Task         *db.Task
	Column       *db.Column
	ExecutorType string
	Prompt       string
	AutoApprove  bool
	Resume       bool
}

// AgentStarter starts external agents. Implementations enforce per-column
// concurrency and return ErrDeferred when the agent has to wait.
type AgentStarter interface {
	StartAgent(ctx context.Context, req AgentRequest) error
}

// Mover requests a column move. The move must not be performed synchronously:
// it is issued after the requesting hook has been recorded.
type Mover interface {
	RequestMove(taskID, columnID int64)
}

// Definition is a resolved hook, either built in or user defined.
type Definition struct {
	db.Hook
	system systemFunc
}

// IsSystem reports whether the hook is one of the built-in system hooks.
func (d *Definition) IsSystem() bool { return d.system != nil }

// Invocation is everything a hook sees when it runs.
type Invocation struct {
	Task      *db.Task
	Column    *db.Column
	Execution *db.HookExecution
	Hook      *Definition
}

func (inv Invocation) setting(key string) string {
	if inv.Execution == nil {
		return ""
	}
	switch v := inv.Execution.Settings[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (inv Invocation) flag(key string) bool {
	if inv.Execution == nil {
		return false
	}
	switch v := inv.Execution.Settings[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1" || v == "yes"
	case float64:
		return v != 0
	}
	return false
}

// Options configures a Runner.
type Options struct {
	ScriptTimeout time.Duration
	Agents        AgentStarter
	Mover         Mover
	Bus           *events.Bus
	Logger        *log.Logger

	// ScratchDir, when set, holds a working directory per task for script
	// hooks of tasks without a worktree.
	ScratchDir string
}

// Runner resolves hooks and runs them.
type Runner struct {
	db            *db.DB
	agents        AgentStarter
	mover         Mover
	bus           *events.Bus
	scriptTimeout time.Duration
	scratchDir    string
	logger        *log.Logger
}

// New creates a hook runner.
func New(database *db.DB, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "hooks"})
	}
	timeout := opts.ScriptTimeout
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.New()
	}
	return &Runner{
		db:            database,
		agents:        opts.Agents,
		mover:         opts.Mover,
		bus:           bus,
		scriptTimeout: timeout,
		scratchDir:    opts.ScratchDir,
		logger:        logger,
	}
}

// NewSilent creates a hook runner without logging.
func NewSilent(database *db.DB, opts Options) *Runner {
	opts.Logger = log.NewWithOptions(io.Discard, log.Options{})
	return New(database, opts)
}

// Resolve looks a hook up by id: the system table first, then the store.
func (r *Runner) Resolve(id string) (*Definition, error) {
	if def, ok := lookupSystem(id); ok {
		return def, nil
	}
	h, err := r.db.GetHook(id)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrHookNotFound, id)
	}
	return &Definition{Hook: *h}, nil
}

// Run executes one hook. Panics inside the hook become a failed result.
func (r *Runner) Run(ctx context.Context, inv Invocation) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Hook panicked", "task", inv.Task.ID, "hook", inv.Hook.Name, "panic", p)
			res = Failure(fmt.Errorf("panic: %v", p))
		}
	}()

	switch {
	case inv.Hook.IsSystem():
		return inv.Hook.system(ctx, r, inv)
	case inv.Hook.Kind == db.HookKindScript:
		return r.RunScript(ctx, inv, inv.Hook.Command)
	case inv.Hook.Kind == db.HookKindAgent:
		return r.runAgentHook(ctx, inv)
	}
	return Failure(fmt.Errorf("unsupported hook kind %q", inv.Hook.Kind))
}

// promptData is what an agent hook's prompt template can reference.
type promptData struct {
	TaskID      int64
	Title       string
	Description string
	Column      string
	Branch      string
	Worktree    string
}

func (r *Runner) runAgentHook(ctx context.Context, inv Invocation) Result {
	tmpl, err := template.New(inv.Hook.ID).Parse(inv.Hook.AgentPrompt)
	if err != nil {
		return Failure(fmt.Errorf("parse prompt template: %w", err))
	}
	var prompt strings.Builder
	err = tmpl.Execute(&prompt, promptData{
		TaskID:      inv.Task.ID,
		Title:       inv.Task.Title,
		Description: inv.Task.Description,
		Column:      columnName(inv.Column),
		Branch:      inv.Task.WorktreeBranch,
		Worktree:    inv.Task.WorktreePath,
	})
	if err != nil {
		return Failure(fmt.Errorf("render prompt template: %w", err))
	}
	return r.startAgent(ctx, AgentRequest{
		Task:         inv.Task,
		Column:       inv.Column,
		ExecutorType: inv.Hook.AgentExecutor,
		Prompt:       prompt.String(),
		AutoApprove:  inv.Hook.AutoApprove,
	})
}

func (r *Runner) startAgent(ctx context.Context, req AgentRequest) Result {
	if r.agents == nil {
		return Failure(errors.New("no agent starter configured"))
	}
	err := r.agents.StartAgent(ctx, req)
	if errors.Is(err, ErrDeferred) {
		return Result{Outcome: Deferred}
	}
	if err != nil {
		return Failure(err)
	}
	return Awaiting(req.Task.ID)
}

func columnName(c *db.Column) string {
	if c == nil {
		return ""
	}
	return c.Name
}
