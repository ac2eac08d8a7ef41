package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"gopkg.in/yaml.v3"
)

// ProjectConfig represents the .boardhooks.yml file in a repository root.
type ProjectConfig struct {
	Worktree WorktreeConfig `yaml:"worktree"`
}

// WorktreeConfig contains worktree-specific configuration.
type WorktreeConfig struct {
	// InitScript runs inside a new worktree. Relative paths resolve against the repo root.
	InitScript string `yaml:"init_script"`
	// TeardownScript runs before a worktree is removed.
	TeardownScript string `yaml:"teardown_script"`
}

// ConfigFileNames are the supported configuration file names, in order of precedence.
var ConfigFileNames = []string{".boardhooks.yml", ".boardhooks.yaml"}

// Conventional script locations used when no config file names one.
const (
	ConventionalInitScript     = "bin/worktree-setup"
	ConventionalTeardownScript = "bin/worktree-teardown"
)

const scriptTimeout = 5 * time.Minute

// LoadProjectConfig loads the project configuration from the given directory.
// It returns nil if no configuration file exists.
func LoadProjectConfig(projectDir string) (*ProjectConfig, error) {
	for _, filename := range ConfigFileNames {
		path := filepath.Join(projectDir, filename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var cfg ProjectConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filename, err)
		}
		return &cfg, nil
	}
	return nil, nil
}

// InitScript returns the worktree init script for a project, or "".
func InitScript(projectDir string) string {
	return findScript(projectDir, func(c *ProjectConfig) string { return c.Worktree.InitScript }, ConventionalInitScript)
}

// TeardownScript returns the worktree teardown script for a project, or "".
func TeardownScript(projectDir string) string {
	return findScript(projectDir, func(c *ProjectConfig) string { return c.Worktree.TeardownScript }, ConventionalTeardownScript)
}

func findScript(projectDir string, pick func(*ProjectConfig) string, conventional string) string {
	cfg, err := LoadProjectConfig(projectDir)
	if err == nil && cfg != nil {
		if p := pick(cfg); p != "" {
			if !filepath.IsAbs(p) {
				p = filepath.Join(projectDir, p)
			}
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}

	path := filepath.Join(projectDir, conventional)
	if info, err := os.Stat(path); err == nil && info.Mode()&0111 != 0 {
		return path
	}
	return ""
}

func (m *Manager) runInitScript(ctx context.Context, repoPath, worktreePath string, task *db.Task, branch string) {
	script := InitScript(repoPath)
	if script == "" {
		return
	}
	env := []string{
		fmt.Sprintf("TASK_ID=%d", task.ID),
		fmt.Sprintf("TASK_TITLE=%s", task.Title),
		fmt.Sprintf("WORKTREE_PATH=%s", worktreePath),
		fmt.Sprintf("WORKTREE_BRANCH=%s", branch),
		fmt.Sprintf("PROJECT_DIR=%s", repoPath),
	}
	m.runProjectScript(ctx, script, worktreePath, env, task.ID, "init")
}

func (m *Manager) runTeardownScript(ctx context.Context, repoPath, worktreePath string, taskID int64, branch string) {
	script := TeardownScript(repoPath)
	if script == "" {
		return
	}
	if _, err := os.Stat(worktreePath); err != nil {
		return
	}
	env := []string{
		fmt.Sprintf("TASK_ID=%d", taskID),
		fmt.Sprintf("WORKTREE_PATH=%s", worktreePath),
		fmt.Sprintf("WORKTREE_BRANCH=%s", branch),
		fmt.Sprintf("PROJECT_DIR=%s", repoPath),
	}
	m.runProjectScript(ctx, script, worktreePath, env, taskID, "teardown")
}

// runProjectScript runs a project script; failures are logged only.
func (m *Manager) runProjectScript(ctx context.Context, script, dir string, env []string, taskID int64, kind string) {
	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Warn("Worktree "+kind+" script failed", "task", taskID, "script", script,
			"error", err, "output", strings.TrimSpace(string(out)))
		return
	}
	m.logger.Debug("Worktree "+kind+" script finished", "task", taskID, "script", script)
}
