package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bborn/boardhooks/internal/db"
)

const maxCapturedOutput = 64 * 1024

// RunScript runs command with `sh -c` in the task's worktree, or in the task's
// scratch directory when it has none. The script gets its own process group;
// cancelling ctx kills the whole group.
func (r *Runner) RunScript(ctx context.Context, inv Invocation, command string) Result {
	task := inv.Task
	dir, err := r.scriptDir(task)
	if err != nil {
		return Failure(err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TASK_ID=%d", task.ID),
		fmt.Sprintf("TASK_TITLE=%s", task.Title),
		fmt.Sprintf("TASK_COLUMN=%s", columnName(inv.Column)),
		fmt.Sprintf("WORKTREE_PATH=%s", task.WorktreePath),
		fmt.Sprintf("WORKTREE_BRANCH=%s", task.WorktreeBranch),
		fmt.Sprintf("HOOK_NAME=%s", inv.Hook.Name),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	out := &tailBuffer{max: maxCapturedOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err = cmd.Run()
	output := strings.TrimSpace(out.String())
	logger := r.logger.With("task", task.ID, "hook", inv.Hook.Name)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.Warn("Hook timed out", "timeout", r.scriptTimeout)
		return Result{Outcome: Failed, TimedOut: true, Output: output, Err: ctx.Err()}
	case errors.Is(ctx.Err(), context.Canceled):
		logger.Info("Hook cancelled")
		return Result{Outcome: Failed, Output: output, Err: context.Canceled}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Error("Hook failed", "exit_code", exitErr.ExitCode(), "output", Truncate(output))
			return Result{Outcome: Failed, ExitCode: exitErr.ExitCode(), Output: output, Err: err}
		}
		logger.Error("Hook failed to start", "error", err)
		return Result{Outcome: Failed, Output: output, Err: err}
	}

	logger.Debug("Hook executed", "duration", time.Since(start))
	return Result{Outcome: OK, Output: output}
}

func (r *Runner) scriptDir(task *db.Task) (string, error) {
	if task.WorktreePath != "" {
		if _, err := os.Stat(task.WorktreePath); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoWorktree, task.WorktreePath)
		}
		return task.WorktreePath, nil
	}
	if r.scratchDir == "" {
		return "", ErrNoWorktree
	}
	dir := filepath.Join(r.scratchDir, fmt.Sprintf("task-%d", task.ID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
