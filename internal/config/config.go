// Package config loads the daemon configuration from a YAML or TOML file,
// with environment overrides and hot reload.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/charmbracelet/log"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a string ("30s", "168h") in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ExecutorConfig overrides how an agent CLI is invoked.
type ExecutorConfig struct {
	Path string   `yaml:"path" toml:"path"`
	Args []string `yaml:"args" toml:"args"`
	Env  []string `yaml:"env" toml:"env"`
	PTY  *bool    `yaml:"pty" toml:"pty"`
}

// Config holds the daemon configuration.
type Config struct {
	DBPath          string                    `yaml:"db_path" toml:"db_path"`
	WorktreesDir    string                    `yaml:"worktrees_dir" toml:"worktrees_dir"`
	ReposDir        string                    `yaml:"repos_dir" toml:"repos_dir"`
	LogLevel        string                    `yaml:"log_level" toml:"log_level"`
	ListenAddr      string                    `yaml:"listen_addr" toml:"listen_addr"`
	CallTimeout     Duration                  `yaml:"call_timeout" toml:"call_timeout"`
	ScriptTimeout   Duration                  `yaml:"script_timeout" toml:"script_timeout"`
	WorktreeTTL     Duration                  `yaml:"worktree_ttl" toml:"worktree_ttl"`
	CleanupSchedule string                    `yaml:"cleanup_schedule" toml:"cleanup_schedule"`
	MetricsEnabled  bool                      `yaml:"metrics_enabled" toml:"metrics_enabled"`
	Executors       map[string]ExecutorConfig `yaml:"executors" toml:"executors"`
}

// Environment overrides
const (
	EnvDBPath       = "BOARDHOOKS_DB_PATH"
	EnvWorktreesDir = "BOARDHOOKS_WORKTREES_DIR"
	EnvReposDir     = "BOARDHOOKS_REPOS_DIR"
	EnvLogLevel     = "BOARDHOOKS_LOG_LEVEL"
	EnvListenAddr   = "BOARDHOOKS_LISTEN_ADDR"
)

// DefaultPath returns the default config file path.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "boardhooks", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	data := filepath.Join(home, ".local", "share", "boardhooks")
	return &Config{
		DBPath:          db.DefaultPath(),
		WorktreesDir:    filepath.Join(data, "worktrees"),
		ReposDir:        filepath.Join(data, "repos"),
		LogLevel:        "info",
		ListenAddr:      "127.0.0.1:7420",
		CallTimeout:     Duration(30 * time.Second),
		ScriptTimeout:   Duration(10 * time.Minute),
		WorktreeTTL:     Duration(168 * time.Hour),
		CleanupSchedule: "@hourly",
	}
}

// Load reads the config file at path over the defaults and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	cfg.DBPath = expandPath(cfg.DBPath)
	cfg.WorktreesDir = expandPath(cfg.WorktreesDir)
	cfg.ReposDir = expandPath(cfg.ReposDir)
	return cfg, cfg.Validate()
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyEnv() {
	for env, field := range map[string]*string{
		EnvDBPath:       &c.DBPath,
		EnvWorktreesDir: &c.WorktreesDir,
		EnvReposDir:     &c.ReposDir,
		EnvLogLevel:     &c.LogLevel,
		EnvListenAddr:   &c.ListenAddr,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*field = v
		}
	}
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.CallTimeout < 0 || c.ScriptTimeout < 0 || c.WorktreeTTL < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
