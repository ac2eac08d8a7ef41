package config

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.ScriptTimeout.Std())
	assert.Equal(t, 168*time.Hour, cfg.WorktreeTTL.Std())
	assert.Equal(t, "@hourly", cfg.CleanupSchedule)
	assert.Equal(t, log.InfoLevel, cfg.Level())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
db_path: /tmp/boards.db
log_level: debug
call_timeout: 5s
worktree_ttl: 24h
cleanup_schedule: "*/15 * * * *"
metrics_enabled: true
executors:
  claude:
    path: /opt/bin/claude
    args: ["--model", "opus"]
    pty: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/boards.db", cfg.DBPath)
	assert.Equal(t, log.DebugLevel, cfg.Level())
	assert.Equal(t, 5*time.Second, cfg.CallTimeout.Std())
	assert.Equal(t, 24*time.Hour, cfg.WorktreeTTL.Std())
	assert.Equal(t, 10*time.Minute, cfg.ScriptTimeout.Std(), "unset keys keep defaults")
	assert.True(t, cfg.MetricsEnabled)

	claude := cfg.Executors["claude"]
	assert.Equal(t, "/opt/bin/claude", claude.Path)
	assert.Equal(t, []string{"--model", "opus"}, claude.Args)
	require.NotNil(t, claude.PTY)
	assert.True(t, *claude.PTY)
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, `
listen_addr = ":9000"
script_timeout = "2m"

[executors.codex]
path = "/usr/local/bin/codex"
env = ["CODEX_HOME=/tmp/codex"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.ScriptTimeout.Std())
	assert.Equal(t, []string{"CODEX_HOME=/tmp/codex"}, cfg.Executors["codex"].Env)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "db_path: /from/file.db\nlog_level: info\n")
	t.Setenv(EnvDBPath, "/from/env.db")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env.db", cfg.DBPath)
	assert.Equal(t, log.WarnLevel, cfg.Level())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad level", "log_level: loud\n"},
		{"bad duration", "call_timeout: soon\n"},
		{"negative ttl", "worktree_ttl: -1h\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, path, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, "log_level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 4)
	go Watch(ctx, path, log.NewWithOptions(io.Discard, log.Options{}), func(c *Config) { reloaded <- c })

	// the watcher registers asynchronously; keep writing until it sees a change
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-reloaded:
			assert.Equal(t, log.DebugLevel, cfg.Level())
			return
		case <-tick.C:
			writeFile(t, path, "log_level: debug\n")
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
}
