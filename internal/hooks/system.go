package hooks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
)

// System hook identifiers.
const (
	SystemAutoStart            = "system:auto_start"
	SystemExecuteAI            = "system:execute_ai"
	SystemContinueConversation = "system:continue_conversation"
	SystemMoveTask             = "system:move_task"
	SystemPlaySound            = "system:play_sound"
	SystemCreateBranch         = "system:create_branch"
	SystemLint                 = "system:lint"
	SystemRunTests             = "system:run_tests"
)

const continuePrompt = "Continue working on the task."

type systemFunc func(ctx context.Context, r *Runner, inv Invocation) Result

var systemHooks = map[string]struct {
	name string
	run  systemFunc
}{
	SystemAutoStart:            {"Auto start", autoStart},
	SystemExecuteAI:            {"Execute AI", executeAI},
	SystemContinueConversation: {"Continue conversation", continueConversation},
	SystemMoveTask:             {"Move task", moveTask},
	SystemPlaySound:            {"Play sound", playSound},
	SystemCreateBranch:         {"Create branch", createBranch},
	SystemLint:                 {"Lint", lint},
	SystemRunTests:             {"Run tests", runTests},
}

func lookupSystem(id string) (*Definition, bool) {
	h, ok := systemHooks[id]
	if !ok {
		return nil, false
	}
	return &Definition{Hook: db.Hook{ID: id, Name: h.name, Kind: db.HookKindSystem}, system: h.run}, true
}

// SystemHooks lists the built-in hooks ordered by id.
func SystemHooks() []db.Hook {
	hooks := make([]db.Hook, 0, len(systemHooks))
	for id, h := range systemHooks {
		hooks = append(hooks, db.Hook{ID: id, Name: h.name, Kind: db.HookKindSystem})
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].ID < hooks[j].ID })
	return hooks
}

// IsSystemHook reports whether id names a built-in hook.
func IsSystemHook(id string) bool {
	_, ok := systemHooks[id]
	return ok
}

// autoStart moves the task on as soon as it enters the column when enabled.
func autoStart(ctx context.Context, r *Runner, inv Invocation) Result {
	if !inv.flag("enabled") {
		return Success()
	}
	return moveTask(ctx, r, inv)
}

// executeAI starts the task's agent. The first queued message is the prompt;
// with an empty queue a fresh task is prompted with its title and description
// and a task with a previous session is asked to continue it.
func executeAI(ctx context.Context, r *Runner, inv Invocation) Result {
	return r.runQueuedAgent(ctx, inv, false)
}

// continueConversation resumes the agent with the next queued message.
func continueConversation(ctx context.Context, r *Runner, inv Invocation) Result {
	return r.runQueuedAgent(ctx, inv, true)
}

func (r *Runner) runQueuedAgent(ctx context.Context, inv Invocation, requireMessage bool) Result {
	task, err := r.db.GetTask(inv.Task.ID)
	if err != nil {
		return Failure(err)
	}
	if task == nil {
		return Failure(fmt.Errorf("task %d not found", inv.Task.ID))
	}
	last, err := r.db.LatestExecutorSession(task.ID)
	if err != nil {
		return Failure(err)
	}

	req := AgentRequest{
		Task:         task,
		Column:       inv.Column,
		ExecutorType: inv.setting("executor"),
		AutoApprove:  inv.flag("auto_approve"),
		Resume:       last != nil,
	}
	queued := len(task.MessageQueue) > 0
	switch {
	case queued:
		msg := task.MessageQueue[0]
		req.Prompt = messagePrompt(msg)
		if msg.ExecutorType != "" {
			req.ExecutorType = msg.ExecutorType
		}
	case requireMessage:
		return Success()
	case last == nil:
		req.Prompt = initialPrompt(task)
	default:
		req.Prompt = continuePrompt
	}
	if req.ExecutorType == "" && last != nil {
		req.ExecutorType = last.ExecutorType
	}

	res := r.startAgent(ctx, req)
	if res.Outcome == AwaitingExternal && queued {
		if _, err := r.db.PopQueuedMessage(task.ID); err != nil {
			r.logger.Error("Failed to pop queued message", "task", task.ID, "error", err)
		}
	}
	return res
}

func initialPrompt(task *db.Task) string {
	if strings.TrimSpace(task.Description) == "" {
		return task.Title
	}
	return task.Title + "\n\n" + task.Description
}

func messagePrompt(msg db.QueuedMessage) string {
	if len(msg.Images) == 0 {
		return msg.Prompt
	}
	var b strings.Builder
	b.WriteString(msg.Prompt)
	b.WriteString("\n\nAttached images:")
	for _, img := range msg.Images {
		b.WriteString("\n- ")
		b.WriteString(img)
	}
	return b.String()
}

// moveTask moves the task to the column named by target_column, or to the next
// column by position.
func moveTask(_ context.Context, r *Runner, inv Invocation) Result {
	if r.mover == nil {
		return Failure(fmt.Errorf("no mover configured"))
	}
	columns, err := r.db.ListColumns(inv.Task.BoardID)
	if err != nil {
		return Failure(err)
	}

	var target *db.Column
	if name := inv.setting("target_column"); name != "" {
		for _, c := range columns {
			if strings.EqualFold(c.Name, name) {
				target = c
				break
			}
		}
		if target == nil {
			return Failure(fmt.Errorf("column %q not found", name))
		}
	} else {
		for i, c := range columns {
			if c.ID == inv.Task.ColumnID && i+1 < len(columns) {
				target = columns[i+1]
				break
			}
		}
		if target == nil {
			r.logger.Info("No next column, task stays", "task", inv.Task.ID)
			return Success()
		}
	}

	if target.ID == inv.Task.ColumnID {
		return Success()
	}
	taskID, columnID := inv.Task.ID, target.ID
	return Result{Outcome: OK, Followup: func() { r.mover.RequestMove(taskID, columnID) }}
}

func playSound(_ context.Context, r *Runner, inv Invocation) Result {
	sound := inv.setting("sound")
	if sound == "" {
		sound = "chime"
	}
	r.bus.Board(inv.Task.BoardID, inv.Task.ID, events.PlaySound, map[string]any{"sound": sound})
	return Success()
}

// createBranch switches the worktree to the configured branch, creating it if needed.
func createBranch(ctx context.Context, r *Runner, inv Invocation) Result {
	branch := inv.setting("branch")
	if branch == "" {
		branch = inv.Task.CustomBranchName
	}
	if branch == "" {
		return Success()
	}
	if _, err := os.Stat(filepath.Join(inv.Task.WorktreePath, ".git")); err != nil {
		return Failure(fmt.Errorf("%w: %s is not a git worktree", ErrNoWorktree, inv.Task.WorktreePath))
	}
	q := shellQuote(branch)
	return r.RunScript(ctx, inv, fmt.Sprintf("git switch %s 2>/dev/null || git switch -c %s", q, q))
}

// Detection maps a project marker file to the command to run.
type Detection struct {
	Marker  string
	Command string
}

// LintCommands is checked in order; the first marker present wins.
var LintCommands = []Detection{
	{"go.mod", "go vet ./..."},
	{"package.json", "npm run lint --if-present"},
	{"Cargo.toml", "cargo clippy -- -D warnings"},
	{"pyproject.toml", "ruff check ."},
	{".rubocop.yml", "bundle exec rubocop"},
}

// TestCommands is checked in order; the first marker present wins.
var TestCommands = []Detection{
	{"go.mod", "go test ./..."},
	{"package.json", "npm test"},
	{"Cargo.toml", "cargo test"},
	{"pyproject.toml", "pytest"},
	{"Gemfile", "bundle exec rake test"},
	{"Makefile", "make test"},
}

// DetectCommand returns the command for the first marker found in dir.
func DetectCommand(dir string, table []Detection) string {
	for _, d := range table {
		if _, err := os.Stat(filepath.Join(dir, d.Marker)); err == nil {
			return d.Command
		}
	}
	return ""
}

func lint(ctx context.Context, r *Runner, inv Invocation) Result {
	return r.runDetected(ctx, inv, LintCommands)
}

func runTests(ctx context.Context, r *Runner, inv Invocation) Result {
	return r.runDetected(ctx, inv, TestCommands)
}

func (r *Runner) runDetected(ctx context.Context, inv Invocation, table []Detection) Result {
	command := inv.setting("command")
	if command == "" {
		command = DetectCommand(inv.Task.WorktreePath, table)
	}
	if command == "" {
		r.logger.Info("No project markers found, nothing to run", "task", inv.Task.ID, "hook", inv.Hook.Name)
		return Success()
	}
	return r.RunScript(ctx, inv, command)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
