package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/metrics"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/charmbracelet/log"
	"github.com/creack/pty"
)

const (
	defaultStopTimeout = 5 * time.Second
	errorTailLines     = 20
)

// Stop reasons
const (
	ReasonUserCancelled = "user_cancelled"
	ReasonColumnChange  = "column_change"
)

// Status is the externally visible state of a task's agent.
type Status struct {
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code"`
}

// StartRequest asks the service to start an agent for a task.
type StartRequest struct {
	Task         *db.Task
	ExecutorType string // defaults to the task's executor
	Prompt       string
	WorkDir      string
	AutoApprove  bool
	Resume       bool // continue the task's previous agent session when possible
}

// Options configures a Service.
type Options struct {
	Markers     MarkerDetector
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	StopTimeout time.Duration
}

// Service starts, stops and addresses agent runners by task id.
type Service struct {
	db          *db.DB
	bus         *events.Bus
	registry    *registry.Registry
	factory     *ExecutorFactory
	markers     MarkerDetector
	metrics     *metrics.Metrics
	logger      *log.Logger
	stopTimeout time.Duration
}

// NewService creates a runner service.
func NewService(database *db.DB, bus *events.Bus, reg *registry.Registry, factory *ExecutorFactory, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "executor"})
	}
	markers := opts.Markers
	if markers == nil {
		markers = NewStatusMarkers(database, bus, logger)
	}
	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	return &Service{
		db:          database,
		bus:         bus,
		registry:    reg,
		factory:     factory,
		markers:     markers,
		metrics:     opts.Metrics,
		logger:      logger,
		stopTimeout: timeout,
	}
}

// Factory returns the builder factory.
func (s *Service) Factory() *ExecutorFactory { return s.factory }

func runnerKey(taskID int64) registry.Key {
	return registry.Key{Role: registry.RoleRunner, TaskID: taskID}
}

// Runner is one live agent subprocess.
type Runner struct {
	svc       *Service
	task      *db.Task
	executor  string
	sessionID string
	parser    Parser
	logger    *log.Logger
	startedAt time.Time

	output io.ReadCloser

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	status       string
	exitCode     *int
	stopping     bool
	stopReason   string
	agentSession string
	tail         []string // recent error/raw output for rate-limit classification

	done chan struct{}
}

// Start spawns an agent for the task. At most one runner exists per task.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Runner, error) {
	task := req.Task
	if _, ok := s.registry.Lookup(runnerKey(task.ID)); ok {
		return nil, ErrAlreadyRunning
	}

	execType := req.ExecutorType
	if execType == "" {
		execType = task.ExecutorType
	}
	if execType == "" {
		execType = db.DefaultExecutor()
	}
	builder := s.factory.Get(execType)
	if builder == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, execType)
	}

	r := &Runner{
		svc:      s,
		task:     task,
		executor: execType,
		parser:   builder.Parser(),
		logger:   s.logger.With("task", task.ID, "executor", execType),
		status:   db.SessionStarting,
		done:     make(chan struct{}),
	}
	if err := s.registry.Register(runnerKey(task.ID), r); err != nil {
		return nil, ErrAlreadyRunning
	}

	if err := r.start(ctx, builder, req); err != nil {
		s.registry.Unregister(runnerKey(task.ID), r)
		close(r.done)
		return nil, err
	}
	go r.run()
	return r, nil
}

func (r *Runner) start(ctx context.Context, builder Builder, req StartRequest) error {
	s := r.svc
	task := r.task

	resumeID := ""
	if req.Resume && builder.SupportsResume() {
		if last, err := s.db.LatestExecutorSession(task.ID); err == nil && last != nil {
			resumeID = last.AgentSessionID
		}
	}

	session := &db.ExecutorSession{TaskID: task.ID, ExecutorType: r.executor, Prompt: req.Prompt, WorkingDir: req.WorkDir}
	if err := s.db.CreateExecutorSession(session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.sessionID = session.ID
	r.persist(db.RoleUser, req.Prompt, nil)

	spec := builder.Build(Request{
		Task:            task,
		Prompt:          req.Prompt,
		WorkDir:         req.WorkDir,
		AutoApprove:     req.AutoApprove,
		ResumeSessionID: resumeID,
	})

	path, err := exec.LookPath(spec.Path)
	if err != nil {
		r.fail(fmt.Sprintf("%s not found on PATH", spec.Path))
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, spec.Path)
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = req.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	if err := r.spawn(cmd, spec.UsePTY); err != nil {
		r.fail(err.Error())
		return err
	}

	r.mu.Lock()
	r.status = db.SessionRunning
	r.startedAt = time.Now()
	stopping := r.stopping
	r.mu.Unlock()
	if stopping {
		r.signal(syscall.SIGTERM)
	}

	if err := s.db.UpdateExecutorSessionStatus(session.ID, db.SessionRunning); err != nil {
		r.logger.Warn("Failed to update session status", "error", err)
	}
	if err := s.db.UpdateAgentStatus(task.ID, db.AgentExecuting, ""); err != nil {
		r.logger.Warn("Failed to update agent status", "error", err)
	}
	s.db.SetTaskInProgress(task.ID, true)

	s.bus.Board(task.BoardID, task.ID, events.ExecutorStarted, map[string]any{
		"executor": r.executor, "session_id": session.ID, "pid": cmd.Process.Pid,
	})
	s.metrics.AgentStarted(ctx, r.executor)
	r.logger.Info("Agent started", "pid", cmd.Process.Pid, "session", session.ID, "resume", resumeID != "")
	return nil
}

// fail closes the session before the process ever ran.
func (r *Runner) fail(message string) {
	s := r.svc
	r.logger.Error("Agent failed to start", "error", message)
	if err := s.db.CloseExecutorSession(r.sessionID, db.SessionFailed, -1); err != nil {
		r.logger.Warn("Failed to close session", "error", err)
	}
	s.bus.Board(r.task.BoardID, r.task.ID, events.ExecutorError, map[string]any{
		"executor": r.executor, "error": message,
	})
}

func (r *Runner) spawn(cmd *exec.Cmd, usePTY bool) error {
	if usePTY {
		f, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("start %s in pty: %w", cmd.Path, err)
		}
		r.attach(cmd, f, f)
		return nil
	}

	// Own process group so a stop reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	pw.Close()
	r.attach(cmd, stdin, pr)
	return nil
}

// attach publishes the started process. Stop may be reading it from another
// goroutine.
func (r *Runner) attach(cmd *exec.Cmd, stdin io.WriteCloser, output io.ReadCloser) {
	r.mu.Lock()
	r.cmd, r.stdin = cmd, stdin
	r.mu.Unlock()
	r.output = output
}

func (r *Runner) run() {
	reader := bufio.NewReader(r.output)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			r.handleLine(line)
		}
		if err != nil {
			// io.EOF for pipes, EIO once a pty's child has exited.
			break
		}
	}
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	waitErr := cmd.Wait()
	r.output.Close()
	r.finish(exitCode(waitErr))
}

func (r *Runner) handleLine(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	for _, ev := range r.parser.Parse(line) {
		r.handleEvent(ev)
	}
}

func (r *Runner) handleEvent(ev Event) {
	s := r.svc
	task := r.task

	if ev.SessionID != "" {
		r.mu.Lock()
		changed := ev.SessionID != r.agentSession
		r.agentSession = ev.SessionID
		r.mu.Unlock()
		if changed {
			if err := s.db.SetAgentSessionID(r.sessionID, ev.SessionID); err != nil {
				r.logger.Warn("Failed to store agent session id", "error", err)
			}
		}
	}

	switch ev.Type {
	case EventAssistantMessage:
		r.persist(db.RoleAssistant, ev.Text, map[string]any{"type": string(ev.Type)})
	case EventToolUse:
		r.persist(db.RoleTool, ev.Input, map[string]any{"type": string(ev.Type), "tool": ev.Tool, "tool_id": ev.ToolID})
	case EventError, EventRaw:
		r.remember(ev.Text)
	case EventResult:
		if ev.IsError {
			r.remember(ev.Text)
		}
	}

	s.bus.Board(task.BoardID, task.ID, events.ExecutorOutput, ev)
	if ev.Type == EventTodoUpdate {
		s.bus.Board(task.BoardID, task.ID, events.TodosChanged, ev.Todos)
	}
	if ev.Type == EventAssistantMessage || ev.Type == EventRaw {
		s.markers.Detect(task, ev.Text)
	}
}

func (r *Runner) persist(role, content string, meta map[string]any) {
	msg := &db.ExecutorMessage{SessionID: r.sessionID, Role: role, Content: content, Metadata: meta}
	if err := r.svc.db.AppendExecutorMessage(msg); err != nil {
		r.logger.Warn("Failed to save message", "role", role, "error", err)
	}
}

func (r *Runner) remember(text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tail = append(r.tail, text)
	if len(r.tail) > errorTailLines {
		r.tail = r.tail[len(r.tail)-errorTailLines:]
	}
}

func (r *Runner) finish(code int) {
	s := r.svc
	task := r.task

	r.mu.Lock()
	stopped := r.stopping
	reason := r.stopReason
	status := db.SessionCompleted
	switch {
	case stopped:
		status = db.SessionStopped
	case code != 0:
		status = db.SessionFailed
	}
	r.status = status
	r.exitCode = &code
	tail := strings.Join(r.tail, "\n")
	started := r.startedAt
	r.mu.Unlock()

	if err := s.db.CloseExecutorSession(r.sessionID, status, code); err != nil {
		r.logger.Warn("Failed to close session", "error", err)
	}
	s.db.SetTaskInProgress(task.ID, false)
	if stopped {
		s.db.ClearAgentStatusIf(task.ID, db.AgentExecuting)
	}
	s.metrics.AgentExited(context.Background(), r.executor, status, time.Since(started))

	// Unregister before announcing so a follow-up agent can start immediately.
	s.registry.Unregister(runnerKey(task.ID), r)
	close(r.done)

	if stopped {
		r.logger.Info("Agent stopped", "reason", reason, "exit_code", code)
		return
	}

	note := ""
	if code != 0 {
		note = Classify(tail, r.executor)
	}
	pending := 0
	if current, err := s.db.GetTask(task.ID); err == nil && current != nil {
		pending = len(current.MessageQueue)
	}

	r.logger.Info("Agent exited", "exit_code", code, "status", status, "pending_messages", pending)
	s.bus.Board(task.BoardID, task.ID, events.ExecutorCompleted, map[string]any{
		"exit_code": code, "status": status, "session_id": r.sessionID,
	})
	s.bus.PublishCompletion(events.Completion{
		TaskID:          task.ID,
		SessionID:       r.sessionID,
		ExitCode:        code,
		PendingMessages: pending,
		Note:            note,
	})
}

// Done is closed once the runner has exited and unregistered.
func (r *Runner) Done() <-chan struct{} { return r.done }

// SessionID returns the executor session this runner writes to.
func (r *Runner) SessionID() string { return r.sessionID }

// Status returns the runner's current status.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{Status: r.status, ExitCode: r.exitCode}
}

// Stop terminates the agent and waits for it to exit.
func (r *Runner) Stop(reason string, timeout time.Duration) {
	r.mu.Lock()
	first := !r.stopping
	if first {
		r.stopping = true
		r.stopReason = reason
	}
	stdin := r.stdin
	r.mu.Unlock()

	if first {
		if stdin != nil {
			stdin.Close()
		}
		r.signal(syscall.SIGTERM)
		r.svc.bus.Board(r.task.BoardID, r.task.ID, events.ExecutorStopped, map[string]any{
			"reason": reason, "message": stopMessage(reason),
		})
	}

	select {
	case <-r.done:
		return
	case <-time.After(timeout):
	}
	r.logger.Warn("Agent ignored SIGTERM, killing", "timeout", timeout)
	r.signal(syscall.SIGKILL)
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.logger.Error("Agent did not exit after SIGKILL")
	}
}

func (r *Runner) signal(sig syscall.Signal) {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		cmd.Process.Signal(sig)
	}
}

// Write sends text to the agent's standard input.
func (r *Runner) Write(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping || r.status != db.SessionRunning {
		return ErrNotRunning
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if _, err := io.WriteString(r.stdin, text); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

func stopMessage(reason string) string {
	switch reason {
	case ReasonUserCancelled:
		return "Stopped by user"
	case ReasonColumnChange:
		return "Task moved to another column"
	case "":
		return "Stopped"
	}
	return "Stopped: " + reason
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}

// Lookup returns the live runner for a task.
func (s *Service) Lookup(taskID int64) (*Runner, bool) {
	return registry.Lookup[*Runner](s.registry, registry.RoleRunner, taskID)
}

// IsRunning reports whether an agent is live for the task.
func (s *Service) IsRunning(taskID int64) bool {
	_, ok := s.Lookup(taskID)
	return ok
}

// Stop stops the task's agent and waits for it to exit.
func (s *Service) Stop(taskID int64, reason string) error {
	r, ok := s.Lookup(taskID)
	if !ok {
		return ErrNotRunning
	}
	r.Stop(reason, s.stopTimeout)
	return nil
}

// SendInput writes raw text to the task's agent.
func (s *Service) SendInput(taskID int64, text string) error {
	r, ok := s.Lookup(taskID)
	if !ok {
		return ErrNotRunning
	}
	if err := r.Write(text); err != nil {
		return err
	}
	r.persist(db.RoleUser, strings.TrimRight(text, "\n"), map[string]any{"type": "input"})
	return nil
}

// Status returns the live runner's status, else the latest session's, else idle.
func (s *Service) Status(taskID int64) (Status, error) {
	if r, ok := s.Lookup(taskID); ok {
		return r.Status(), nil
	}
	last, err := s.db.LatestExecutorSession(taskID)
	if err != nil {
		return Status{}, err
	}
	if last == nil {
		return Status{Status: "idle"}, nil
	}
	return Status{Status: last.Status, ExitCode: last.ExitCode}, nil
}
