// Package worktree manages the per-task git worktrees agents work in.
//
// Every operation is a plain function of the filesystem and git; failures
// come back as *Error values and never panic.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrorKind classifies a worktree failure.
type ErrorKind string

const (
	NoRepository ErrorKind = "no_repository"
	NoCloneURL   ErrorKind = "no_clone_url"
	CloneFailed  ErrorKind = "clone_failed"
	GitError     ErrorKind = "git_error"
)

// Error is the result of a failed worktree operation.
type Error struct {
	Kind   ErrorKind
	Code   int    // git exit code, when a git command failed
	Output string // combined git output, when a git command failed
}

func (e *Error) Error() string {
	switch e.Kind {
	case CloneFailed, GitError:
		return fmt.Sprintf("%s (exit %d): %s", e.Kind, e.Code, strings.TrimSpace(e.Output))
	}
	return string(e.Kind)
}

// IsKind reports whether err is a worktree *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var we *Error
	return errors.As(err, &we) && we.Kind == kind
}

// Worktree is a created (or reused) worktree.
type Worktree struct {
	Path     string
	Branch   string
	RepoPath string
}

// Manager creates and removes worktrees under a root directory.
type Manager struct {
	db           *db.DB
	reposDir     string // where boards without a local clone get cloned
	worktreesDir string
	logger       *log.Logger

	// Git operations against the same main repository are serialized.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates a worktree manager.
func New(database *db.DB, reposDir, worktreesDir string, w io.Writer) *Manager {
	if w == nil {
		w = os.Stderr
	}
	return &Manager{
		db:           database,
		reposDir:     reposDir,
		worktreesDir: worktreesDir,
		logger:       log.NewWithOptions(w, log.Options{Prefix: "worktree"}),
		locks:        make(map[string]*sync.Mutex),
	}
}

// ScratchDir is where script hooks of tasks without a worktree run.
func (m *Manager) ScratchDir() string {
	return filepath.Join(m.worktreesDir, "scratch")
}

// lockRepo locks the repository at path and returns the unlock function.
func (m *Manager) lockRepo(path string) func() {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}
	if resolved, err := filepath.EvalSymlinks(key); err == nil {
		key = resolved
	} else if dir, err := filepath.EvalSymlinks(filepath.Dir(key)); err == nil {
		key = filepath.Join(dir, filepath.Base(key))
	}
	m.locksMu.Lock()
	mu, ok := m.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[key] = mu
	}
	m.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (m *Manager) repoPathFor(board *db.Board) string {
	if board.RepoPath != "" {
		return board.RepoPath
	}
	return filepath.Join(m.reposDir, fmt.Sprintf("board-%d", board.ID))
}

// CreateWorktree ensures a worktree exists for the task and returns it.
// customBranch, when set, overrides the branch name derived from the task id.
func (m *Manager) CreateWorktree(ctx context.Context, board *db.Board, task *db.Task, customBranch string) (*Worktree, error) {
	if board == nil || (board.RepoPath == "" && board.CloneURL == "") {
		return nil, &Error{Kind: NoRepository}
	}

	unlock := m.lockRepo(m.repoPathFor(board))
	defer unlock()

	repoPath, err := m.ensureClone(ctx, board)
	if err != nil {
		return nil, err
	}

	branch := BranchName(task, customBranch)
	path := task.WorktreePath
	if path == "" {
		path = filepath.Join(m.worktreesDir, fmt.Sprintf("board-%d", board.ID), dirName(task))
	}

	// Idempotent: an existing directory is reused as-is.
	if _, err := os.Stat(path); err == nil {
		branchOut := task.WorktreeBranch
		if branchOut == "" {
			branchOut = branch
		}
		return &Worktree{Path: path, Branch: branchOut, RepoPath: repoPath}, nil
	}

	base, err := m.fetchDefaultBranch(ctx, repoPath, board.DefaultBranch)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &Error{Kind: GitError, Code: -1, Output: err.Error()}
	}

	args := []string{"worktree", "add", "-b", branch, path, base}
	out, code, err := runGit(ctx, repoPath, args...)
	if err != nil {
		switch {
		case strings.Contains(out, "already registered"):
			// Registered but the directory is gone; prune and retry.
			runGit(ctx, repoPath, "worktree", "prune")
			out, code, err = runGit(ctx, repoPath, args...)
		case strings.Contains(out, "already exists"):
			// Branch survived an earlier removal; check it out again.
			out, code, err = runGit(ctx, repoPath, "worktree", "add", path, branch)
		}
		if err != nil {
			return nil, &Error{Kind: GitError, Code: code, Output: out}
		}
	}

	m.logger.Info("Created worktree", "task", task.ID, "path", path, "branch", branch, "base", base)
	m.runInitScript(ctx, repoPath, path, task, branch)

	return &Worktree{Path: path, Branch: branch, RepoPath: repoPath}, nil
}

// ensureClone returns a usable local clone, cloning when it is missing or
// incomplete. Callers hold the repository lock.
func (m *Manager) ensureClone(ctx context.Context, board *db.Board) (string, error) {
	repoPath := m.repoPathFor(board)

	if cloneComplete(repoPath) {
		return repoPath, nil
	}
	if board.CloneURL == "" {
		return "", &Error{Kind: NoCloneURL}
	}

	// A partial clone from an interrupted run is discarded.
	os.RemoveAll(repoPath)
	if err := os.MkdirAll(filepath.Dir(repoPath), 0755); err != nil {
		return "", &Error{Kind: CloneFailed, Code: -1, Output: err.Error()}
	}

	m.logger.Info("Cloning repository", "board", board.ID, "url", board.CloneURL, "path", repoPath)
	out, code, err := runGit(ctx, filepath.Dir(repoPath), "clone", board.CloneURL, repoPath)
	if err != nil {
		return "", &Error{Kind: CloneFailed, Code: code, Output: out}
	}

	if board.RepoPath != repoPath && m.db != nil {
		if err := m.db.UpdateBoardRepoPath(board.ID, repoPath); err != nil {
			m.logger.Warn("Failed to record repo path", "board", board.ID, "error", err)
		}
		board.RepoPath = repoPath
	}
	return repoPath, nil
}

// cloneComplete reports whether path holds a repository with a resolvable HEAD.
func cloneComplete(path string) bool {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false
	}
	_, err = repo.Head()
	return err == nil
}

// fetchDefaultBranch fetches the remote default branch and returns the ref to branch from.
func (m *Manager) fetchDefaultBranch(ctx context.Context, repoPath, override string) (string, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return "", &Error{Kind: GitError, Code: -1, Output: err.Error()}
	}

	branch := override
	if branch == "" {
		branch = defaultBranch(repo)
	}

	if _, err := repo.Remote("origin"); err != nil {
		// Local-only repository: branch from the local default.
		return branch, nil
	}

	out, code, err := runGit(ctx, repoPath, "fetch", "origin", branch)
	if err != nil {
		return "", &Error{Kind: GitError, Code: code, Output: out}
	}
	return "origin/" + branch, nil
}

// defaultBranch resolves origin/HEAD, then the local HEAD, then "main".
func defaultBranch(repo *git.Repository) string {
	if ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), true); err == nil {
		name := ref.Name().String()
		if short := strings.TrimPrefix(name, "refs/remotes/origin/"); short != name && short != "HEAD" {
			return short
		}
	}
	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		return head.Name().Short()
	}
	return "main"
}

// BranchName returns the branch a task's worktree is checked out on.
func BranchName(task *db.Task, customBranch string) string {
	if customBranch != "" {
		return customBranch
	}
	if task.CustomBranchName != "" {
		return task.CustomBranchName
	}
	if task.WorktreeBranch != "" {
		return task.WorktreeBranch
	}
	if slug := slugify(task.Title, 40); slug != "" {
		return fmt.Sprintf("task/%d-%s", task.ID, slug)
	}
	return fmt.Sprintf("task/%d", task.ID)
}

func dirName(task *db.Task) string {
	if slug := slugify(task.Title, 40); slug != "" {
		return fmt.Sprintf("%d-%s", task.ID, slug)
	}
	return fmt.Sprintf("%d", task.ID)
}

// RemoveWorktree removes a task's worktree and branch. It never fails from the
// caller's point of view; problems are logged.
func (m *Manager) RemoveWorktree(ctx context.Context, taskID int64, path, branch string) {
	if path == "" {
		return
	}
	logger := m.logger.With("task", taskID, "path", path)

	repoPath := mainRepoFor(ctx, path)
	if repoPath != "" {
		m.runTeardownScript(ctx, repoPath, path, taskID, branch)
	}

	removed := false
	if repoPath != "" {
		unlock := m.lockRepo(repoPath)
		defer unlock()

		if out, _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
			logger.Warn("git worktree remove failed", "error", err, "output", strings.TrimSpace(out))
		} else {
			removed = true
		}
		if branch != "" {
			if out, _, err := runGit(ctx, repoPath, "branch", "-D", branch); err != nil && !strings.Contains(out, "not found") {
				logger.Warn("git branch -D failed", "branch", branch, "error", err, "output", strings.TrimSpace(out))
			}
		}
	}

	if !removed {
		if err := os.RemoveAll(path); err != nil {
			logger.Error("Failed to remove worktree directory", "error", err)
			return
		}
		if repoPath != "" {
			runGit(ctx, repoPath, "worktree", "prune")
		}
	}
	logger.Info("Removed worktree")
}

// mainRepoFor returns the main repository a linked worktree belongs to.
func mainRepoFor(ctx context.Context, path string) string {
	out, _, err := runGit(ctx, path, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return ""
	}
	common := strings.TrimSpace(out)
	if filepath.Base(common) == ".git" {
		return filepath.Dir(common)
	}
	return common
}

func runGit(ctx context.Context, dir string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	code := 0
	if err != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	return buf.String(), code, err
}

// slugify converts a string to a branch-friendly slug.
func slugify(s string, maxLen int) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	s = strings.ReplaceAll(s, "_", "-")

	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	s = result.String()

	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	s = strings.Trim(s, "-")

	if len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "-")
	}
	return s
}
