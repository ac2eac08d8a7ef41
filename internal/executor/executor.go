// Package executor runs external AI coding agents as subprocesses, one per task,
// and turns their output into structured events.
package executor

import (
	"errors"
	"sort"
	"sync"

	"github.com/bborn/boardhooks/internal/db"
)

var (
	ErrAlreadyRunning     = errors.New("executor already running for task")
	ErrNotRunning         = errors.New("executor not running")
	ErrUnknownExecutor    = errors.New("unknown executor type")
	ErrExecutableNotFound = errors.New("executor binary not found")
)

// Request describes one agent invocation.
type Request struct {
	Task            *db.Task
	Prompt          string
	WorkDir         string
	AutoApprove     bool
	ResumeSessionID string // agent-side session to continue, if the builder supports it
}

// Command is a concrete process to spawn.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	UsePTY bool // wrap in a pseudo-terminal so the agent streams line by line
}

// Builder knows how to invoke one agent CLI and how to read its output.
type Builder interface {
	// Name returns the executor name (e.g., "claude", "codex")
	Name() string
	// Build returns the command for a request.
	Build(req Request) Command
	// Parser returns a parser for this agent's output stream.
	Parser() Parser
	// SupportsResume reports whether Build honours ResumeSessionID.
	SupportsResume() bool
}

// Override replaces parts of a builder's command from configuration.
type Override struct {
	Path string
	Args []string // prepended to the builder's arguments
	Env  []string
	PTY  *bool
}

type overridden struct {
	Builder
	ov Override
}

func (o overridden) Build(req Request) Command {
	cmd := o.Builder.Build(req)
	if o.ov.Path != "" {
		cmd.Path = o.ov.Path
	}
	if len(o.ov.Args) > 0 {
		cmd.Args = append(append([]string{}, o.ov.Args...), cmd.Args...)
	}
	cmd.Env = append(cmd.Env, o.ov.Env...)
	if o.ov.PTY != nil {
		cmd.UsePTY = *o.ov.PTY
	}
	return cmd
}

// WithOverride wraps b so that its commands honour ov.
func WithOverride(b Builder, ov Override) Builder {
	return overridden{Builder: b, ov: ov}
}

// ExecutorFactory manages the registered command builders. Overrides are
// kept apart from the builders so reapplying configuration never stacks.
type ExecutorFactory struct {
	mu        sync.RWMutex
	builders  map[string]Builder
	overrides map[string]Override
}

// NewExecutorFactory creates a factory with no builders.
func NewExecutorFactory() *ExecutorFactory {
	return &ExecutorFactory{builders: make(map[string]Builder), overrides: make(map[string]Override)}
}

// DefaultFactory returns a factory with the built-in agents registered.
func DefaultFactory() *ExecutorFactory {
	f := NewExecutorFactory()
	f.Register(ClaudeBuilder{})
	f.Register(CodexBuilder{})
	f.Register(GeminiBuilder{})
	f.Register(OpenCodeBuilder{})
	return f
}

// Register adds a builder, replacing any with the same name.
func (f *ExecutorFactory) Register(b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[b.Name()] = b
}

// Override sets the configuration override for a registered builder,
// replacing any previous one.
func (f *ExecutorFactory) Override(name string, ov Override) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.builders[name]; !ok {
		return false
	}
	f.overrides[name] = ov
	return true
}

// ResetOverrides drops every override.
func (f *ExecutorFactory) ResetOverrides() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.overrides)
}

// Get returns the builder for the given name, or nil if not found.
func (f *ExecutorFactory) Get(name string) Builder {
	if name == "" {
		name = db.DefaultExecutor()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.builders[name]
	if !ok {
		return nil
	}
	if ov, ok := f.overrides[name]; ok {
		return WithOverride(b, ov)
	}
	return b
}

// All returns all registered executor names.
func (f *ExecutorFactory) All() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.builders))
	for name := range f.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
