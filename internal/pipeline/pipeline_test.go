package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/hooks"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/bborn/boardhooks/internal/worktree"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 10 * time.Second

// scriptAgent is a fake agent CLI backed by a shell script.
type scriptAgent struct {
	script string

	mu      sync.Mutex
	prompts []string
}

func (b *scriptAgent) Name() string { return "claude" }
func (b *scriptAgent) SupportsResume() bool { return false }
func (b *scriptAgent) Parser() executor.Parser { return executor.RawParser }
func (b *scriptAgent) Build(req executor.Request) executor.Command {
	b.mu.Lock()
	b.prompts = append(b.prompts, req.Prompt)
	b.mu.Unlock()
	return executor.Command{Path: "sh", Args: []string{"-c", b.script}}
}

func (b *scriptAgent) seen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

type testEnv struct {
	db     *db.DB
	bus    *events.Bus
	sup    *Supervisor
	wt     *worktree.Manager
	agent  *scriptAgent
	board  *db.Board
	todo   *db.Column
	inProg *db.Column
	done   *db.Column
}

func newEnv(t *testing.T, wt *worktree.Manager, database *db.DB, board *db.Board) *testEnv {
	t.Helper()
	if database == nil {
		var err error
		database, err = db.Open(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
	}
	if board == nil {
		board = &db.Board{Name: "test"}
	}
	require.NoError(t, database.CreateBoard(board))

	env := &testEnv{db: database, wt: wt, board: board, agent: &scriptAgent{script: "echo done"}}
	for i, c := range []**db.Column{&env.todo, &env.inProg, &env.done} {
		col := &db.Column{BoardID: board.ID, Name: []string{"Todo", "In Progress", "Done"}[i], Position: i,
			Settings: db.ColumnSettings{HooksEnabled: true}}
		require.NoError(t, database.CreateColumn(col))
		*c = col
	}
	env.startSupervisor(t)
	return env
}

// startSupervisor builds a fresh supervisor, bus and agent service on the
// env's database.
func (e *testEnv) startSupervisor(t *testing.T) {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	e.bus = events.New()
	reg := registry.New()
	factory := executor.NewExecutorFactory()
	factory.Register(e.agent)
	agents := executor.NewService(e.db, e.bus, reg, factory, executor.Options{Logger: logger, StopTimeout: 2 * time.Second})
	e.sup = New(e.db, e.bus, reg, agents, e.wt, Options{CallTimeout: 5 * time.Second, Logger: logger})
	t.Cleanup(e.sup.Shutdown)
}

// restart shuts the supervisor down, leaving in-flight records behind, and
// starts a new one as a daemon restart would.
func (e *testEnv) restart(t *testing.T) {
	t.Helper()
	e.sup.Shutdown()
	e.startSupervisor(t)
}

func setup(t *testing.T) *testEnv {
	return newEnv(t, nil, nil, nil)
}

// newTask creates a task in column with a scratch directory as its worktree.
func (e *testEnv) newTask(t *testing.T, column *db.Column, title string) *db.Task {
	t.Helper()
	task := &db.Task{BoardID: e.board.ID, ColumnID: column.ID, Title: title, WorktreePath: t.TempDir()}
	require.NoError(t, e.db.CreateTask(task))
	return task
}

type bindingOpt func(*db.ColumnHook)

func once(b *db.ColumnHook)        { b.ExecuteOnce = true }
func transparent(b *db.ColumnHook) { b.Transparent = true }

func (e *testEnv) bindScript(t *testing.T, column *db.Column, name, command string, pos int, opts ...bindingOpt) *db.ColumnHook {
	t.Helper()
	hook := &db.Hook{Name: name, Kind: db.HookKindScript, Command: command}
	require.NoError(t, e.db.CreateHook(hook))
	return e.bind(t, column, hook.ID, pos, opts...)
}

func (e *testEnv) bind(t *testing.T, column *db.Column, hookID string, pos int, opts ...bindingOpt) *db.ColumnHook {
	t.Helper()
	b := &db.ColumnHook{ColumnID: column.ID, HookID: hookID, Position: pos}
	for _, opt := range opts {
		opt(b)
	}
	require.NoError(t, e.db.CreateColumnHook(b))
	return b
}

func (e *testEnv) move(t *testing.T, task *db.Task, column *db.Column) {
	t.Helper()
	require.NoError(t, e.sup.Move(context.Background(), task.ID, column.ID, -1))
}

func (e *testEnv) execution(t *testing.T, taskID int64, binding *db.ColumnHook) *db.HookExecution {
	t.Helper()
	execs, err := e.db.ListHookExecutions(taskID)
	require.NoError(t, err)
	var found *db.HookExecution
	for _, ex := range execs {
		if ex.ColumnHookID == binding.ID {
			found = ex
		}
	}
	return found
}

func (e *testEnv) waitStatus(t *testing.T, taskID int64, binding *db.ColumnHook, status string) *db.HookExecution {
	t.Helper()
	var ex *db.HookExecution
	require.Eventually(t, func() bool {
		ex = e.execution(t, taskID, binding)
		return ex != nil && ex.Status == status
	}, waitTimeout, 20*time.Millisecond, "execution of binding %d never reached %s", binding.ID, status)
	return ex
}

// waitIdle waits until the task has no pending or running executions.
func (e *testEnv) waitIdle(t *testing.T, taskID int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		execs, err := e.db.ListHookExecutions(taskID)
		if err != nil {
			return false
		}
		for _, ex := range execs {
			if !ex.IsTerminal() {
				return false
			}
		}
		return true
	}, waitTimeout, 20*time.Millisecond)
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func TestHooksRunInPositionOrder(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "ordered")
	last := env.bindScript(t, env.inProg, "third", "echo third >> out.txt", 2)
	env.bindScript(t, env.inProg, "first", "echo first >> out.txt", 0)
	env.bindScript(t, env.inProg, "second", "echo second >> out.txt", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, last, db.ExecCompleted)

	assert.Equal(t, "first\nsecond\nthird\n", readFile(t, filepath.Join(task.WorktreePath, "out.txt")))
	require.Eventually(t, func() bool {
		got, _ := env.db.GetTask(task.ID)
		return got.AgentStatus == db.AgentIdle
	}, waitTimeout, 20*time.Millisecond)
}

func TestFailingHookHaltsPipeline(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "halts")
	lint := env.bindScript(t, env.inProg, "lint", "echo 'unused variable' >&2; exit 1", 0)
	after := env.bindScript(t, env.inProg, "marker", "touch marker", 1)

	env.move(t, task, env.inProg)
	failed := env.waitStatus(t, task.ID, lint, db.ExecFailed)
	assert.Contains(t, failed.ErrorMessage, "unused variable")

	skipped := env.waitStatus(t, task.ID, after, db.ExecSkipped)
	assert.Equal(t, db.SkipError, skipped.SkipReason)

	got, _ := env.db.GetTask(task.ID)
	assert.True(t, got.InErrorState())
	assert.Contains(t, got.ErrorMessage, "lint")
	assert.Contains(t, got.ErrorMessage, "exit code 1")
	assert.NoFileExists(t, filepath.Join(task.WorktreePath, "marker"))
}

func TestTransparentFailureContinues(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "transparent")
	flaky := env.bindScript(t, env.inProg, "notify", "exit 3", 0, transparent)
	after := env.bindScript(t, env.inProg, "after", "echo ok >> out.txt", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, after, db.ExecCompleted)

	assert.Equal(t, db.ExecFailed, env.execution(t, task.ID, flaky).Status)
	assert.Equal(t, "ok\n", readFile(t, filepath.Join(task.WorktreePath, "out.txt")))
	got, _ := env.db.GetTask(task.ID)
	assert.False(t, got.InErrorState())
}

func TestExecuteOnceHookRunsOnce(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "once")
	env.bindScript(t, env.inProg, "setup", "echo x >> count.txt", 0, once)
	every := env.bindScript(t, env.inProg, "every", "echo y >> every.txt", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, every, db.ExecCompleted)
	env.move(t, task, env.todo)
	env.move(t, task, env.inProg)

	every2 := filepath.Join(task.WorktreePath, "every.txt")
	require.Eventually(t, func() bool { return readFile(t, every2) == "y\ny\n" }, waitTimeout, 20*time.Millisecond)
	env.waitIdle(t, task.ID)
	assert.Equal(t, "x\n", readFile(t, filepath.Join(task.WorktreePath, "count.txt")))

	got, _ := env.db.GetTask(task.ID)
	assert.Len(t, got.ExecutedHooks, 1)
}

func TestMoveCancelsRunningHook(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "moved away")
	slow := env.bindScript(t, env.inProg, "slow", "sleep 30", 0)
	after := env.bindScript(t, env.inProg, "marker", "touch marker", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, slow, db.ExecRunning)
	env.move(t, task, env.done)

	cancelled := env.execution(t, task.ID, slow)
	assert.Equal(t, db.ExecCancelled, cancelled.Status)
	assert.Equal(t, db.SkipColumnChange, cancelled.SkipReason)
	skipped := env.execution(t, task.ID, after)
	assert.Equal(t, db.ExecSkipped, skipped.Status)
	assert.Equal(t, db.SkipColumnChange, skipped.SkipReason)

	time.Sleep(200 * time.Millisecond)
	assert.NoFileExists(t, filepath.Join(task.WorktreePath, "marker"))
	got, _ := env.db.GetTask(task.ID)
	assert.Equal(t, env.done.ID, got.ColumnID)
}

func TestMoveWithinColumnOnlyRepositions(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "reorder")
	env.bindScript(t, env.todo, "noop", "true", 0)

	require.NoError(t, env.sup.Move(context.Background(), task.ID, env.todo.ID, 4))
	got, _ := env.db.GetTask(task.ID)
	assert.Equal(t, 4, got.Position)
	assert.Equal(t, env.todo.ID, got.ColumnID)
}

func TestMoveToUnknownColumn(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "lost")
	err := env.sup.Move(context.Background(), task.ID, 9999, -1)
	assert.ErrorIs(t, err, ErrColumnNotFound)
}

func TestStopExecution(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "stopped")
	slow := env.bindScript(t, env.inProg, "slow", "sleep 30", 0)
	after := env.bindScript(t, env.inProg, "after", "touch marker", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, slow, db.ExecRunning)
	require.NoError(t, env.sup.StopExecution(context.Background(), task.ID))

	cancelled := env.execution(t, task.ID, slow)
	assert.Equal(t, db.ExecCancelled, cancelled.Status)
	assert.Equal(t, db.SkipUserCancelled, cancelled.SkipReason)
	skipped := env.execution(t, task.ID, after)
	assert.Equal(t, db.ExecSkipped, skipped.Status)
	assert.Equal(t, db.SkipUserCancelled, skipped.SkipReason)

	got, _ := env.db.GetTask(task.ID)
	assert.NotEqual(t, db.AgentExecuting, got.AgentStatus)
}

func TestRestartRecoverySkipsInterruptedExecution(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.inProg, "recovering")
	interrupted := env.bindScript(t, env.inProg, "zero", "echo zero >> out.txt", 0)
	env.bindScript(t, env.inProg, "one", "echo one >> out.txt", 1)
	last := env.bindScript(t, env.inProg, "two", "echo two >> out.txt", 2)

	n, err := EnqueueColumnHooks(env.db, env.sup.Hooks(), task, env.inProg, RestartRecovery)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	first := env.execution(t, task.ID, interrupted)
	ok, err := env.db.StartHookExecution(first.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.sup.Start(task.ID)
	require.NoError(t, err)
	env.waitStatus(t, task.ID, last, db.ExecCompleted)

	recovered := env.execution(t, task.ID, interrupted)
	assert.Equal(t, db.ExecSkipped, recovered.Status)
	assert.Equal(t, db.SkipServerRestart, recovered.SkipReason)
	assert.Equal(t, "one\ntwo\n", readFile(t, filepath.Join(task.WorktreePath, "out.txt")))

	execs, _ := env.db.ListHookExecutions(task.ID)
	assert.Len(t, execs, 3, "restart recovery must not queue bindings again")
}

func TestActorCrashRecoversInterruptedHook(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "crashing")
	slow := env.bindScript(t, env.inProg, "slow", "echo first >> out.txt; sleep 30", 0)
	after := env.bindScript(t, env.inProg, "after", "echo second >> out.txt", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, slow, db.ExecRunning)

	a, err := env.sup.Start(task.ID)
	require.NoError(t, err)
	a.post(actorFunc(func(*TaskActor) { panic("boom") }))

	env.waitStatus(t, task.ID, after, db.ExecCompleted)
	interrupted := env.execution(t, task.ID, slow)
	assert.Equal(t, db.ExecSkipped, interrupted.Status)
	assert.Equal(t, db.SkipServerRestart, interrupted.SkipReason)
	assert.Equal(t, "first\nsecond\n", readFile(t, filepath.Join(task.WorktreePath, "out.txt")))

	again, err := env.sup.Start(task.ID)
	require.NoError(t, err)
	assert.Same(t, a, again, "the supervisor restarts the same actor")
	assert.Equal(t, StateActive, a.State())

	execs, _ := env.db.ListHookExecutions(task.ID)
	assert.Len(t, execs, 2, "the restarted actor must not queue bindings again")
}

func TestRestartAfterMoveOutIgnoresLateBinding(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "left early")
	slow := env.bindScript(t, env.inProg, "slow", "sleep 30", 0)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, slow, db.ExecRunning)
	env.move(t, task, env.todo)
	assert.Equal(t, db.ExecCancelled, env.execution(t, task.ID, slow).Status)

	late := env.bindScript(t, env.inProg, "marker", "touch marker", 1)

	env.restart(t)
	n, err := env.sup.StartAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a, err := env.sup.Start(task.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == StateActive }, waitTimeout, 10*time.Millisecond)
	env.waitIdle(t, task.ID)

	marker := filepath.Join(task.WorktreePath, "marker")
	assert.Never(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 500*time.Millisecond, 20*time.Millisecond)
	assert.Nil(t, env.execution(t, task.ID, late), "a binding added after the move-out is never queued")

	got, _ := env.db.GetTask(task.ID)
	assert.Equal(t, env.todo.ID, got.ColumnID)
	assert.False(t, got.InErrorState())
}

func TestRestartLeavesHaltedRecordsForRecovery(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "daemon restart")
	slow := env.bindScript(t, env.inProg, "slow", "echo first >> out.txt; sleep 30", 0)
	after := env.bindScript(t, env.inProg, "after", "echo second >> out.txt", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, slow, db.ExecRunning)

	env.restart(t)
	assert.Equal(t, db.ExecRunning, env.execution(t, task.ID, slow).Status, "shutdown leaves the record for recovery")

	_, err := env.sup.StartAll()
	require.NoError(t, err)
	env.waitStatus(t, task.ID, after, db.ExecCompleted)

	recovered := env.execution(t, task.ID, slow)
	assert.Equal(t, db.ExecSkipped, recovered.Status)
	assert.Equal(t, db.SkipServerRestart, recovered.SkipReason)
	assert.Equal(t, "first\nsecond\n", readFile(t, filepath.Join(task.WorktreePath, "out.txt")))
}

func TestStartAllSkipsTerminalColumns(t *testing.T) {
	env := setup(t)
	env.newTask(t, env.todo, "active")
	env.newTask(t, env.done, "finished")

	n, err := env.sup.StartAll()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDisabledColumnSkipsHooks(t *testing.T) {
	env := setup(t)
	require.NoError(t, env.db.UpdateColumnSettings(env.inProg.ID, db.ColumnSettings{HooksEnabled: false}))
	task := env.newTask(t, env.todo, "disabled")
	b := env.bindScript(t, env.inProg, "marker", "touch marker", 0)

	env.move(t, task, env.inProg)
	ex := env.waitStatus(t, task.ID, b, db.ExecSkipped)
	assert.Equal(t, db.SkipDisabled, ex.SkipReason)
	assert.NoFileExists(t, filepath.Join(task.WorktreePath, "marker"))
}

func TestAgentHookWaitsForAgentExit(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "Fix login")
	ai := env.bind(t, env.inProg, hooks.SystemExecuteAI, 0)
	after := env.bindScript(t, env.inProg, "after", "echo after >> out.txt", 1)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, after, db.ExecCompleted)

	assert.Equal(t, db.ExecCompleted, env.execution(t, task.ID, ai).Status)
	assert.Equal(t, "after\n", readFile(t, filepath.Join(task.WorktreePath, "out.txt")))
	assert.Equal(t, []string{"Fix login"}, env.agent.seen())

	session, err := env.db.LatestExecutorSession(task.ID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "completed", session.Status)
}

func TestAgentFailureEntersErrorState(t *testing.T) {
	env := setup(t)
	env.agent.script = "echo 'rate limit exceeded'; exit 1"
	task := env.newTask(t, env.todo, "Fails")
	ai := env.bind(t, env.inProg, hooks.SystemExecuteAI, 0)

	env.move(t, task, env.inProg)
	failed := env.waitStatus(t, task.ID, ai, db.ExecFailed)
	assert.Contains(t, failed.ErrorMessage, "exit code 1")

	require.Eventually(t, func() bool {
		got, _ := env.db.GetTask(task.ID)
		return got.InErrorState()
	}, waitTimeout, 20*time.Millisecond)
}

func TestColumnConcurrencyDefersAgents(t *testing.T) {
	env := setup(t)
	logPath := filepath.Join(t.TempDir(), "agents.log")
	env.agent.script = "echo start >> " + logPath + "; sleep 0.3; echo end >> " + logPath
	require.NoError(t, env.db.UpdateColumnSettings(env.inProg.ID, db.ColumnSettings{HooksEnabled: true, AgentConcurrency: 1}))
	ai := env.bind(t, env.inProg, hooks.SystemExecuteAI, 0)

	a := env.newTask(t, env.todo, "first")
	b := env.newTask(t, env.todo, "second")
	env.move(t, a, env.inProg)
	env.move(t, b, env.inProg)

	env.waitStatus(t, a.ID, ai, db.ExecCompleted)
	env.waitStatus(t, b.ID, ai, db.ExecCompleted)
	assert.Equal(t, "start\nend\nstart\nend\n", readFile(t, logPath))
}

func TestEnqueueMessageMovesToInProgress(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "queued")
	ai := env.bind(t, env.inProg, hooks.SystemExecuteAI, 0)

	err := env.sup.EnqueueMessage(context.Background(), task.ID, db.QueuedMessage{Prompt: "please add tests"})
	require.NoError(t, err)
	env.waitStatus(t, task.ID, ai, db.ExecCompleted)

	got, _ := env.db.GetTask(task.ID)
	assert.Equal(t, env.inProg.ID, got.ColumnID)
	assert.Empty(t, got.MessageQueue)
	assert.Equal(t, []string{"please add tests"}, env.agent.seen())
}

func TestEnqueueMessageContinuesInPlace(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "continued")
	ai := env.bind(t, env.inProg, hooks.SystemExecuteAI, 0)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, ai, db.ExecCompleted)

	err := env.sup.EnqueueMessage(context.Background(), task.ID, db.QueuedMessage{Prompt: "now the docs"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(env.agent.seen()) == 2 }, waitTimeout, 20*time.Millisecond)
	env.waitIdle(t, task.ID)

	assert.Equal(t, "now the docs", env.agent.seen()[1])
	execs, _ := env.db.ListHookExecutions(task.ID)
	var continued *db.HookExecution
	for _, ex := range execs {
		if ex.HookID == hooks.SystemContinueConversation {
			continued = ex
		}
	}
	require.NotNil(t, continued)
	assert.Equal(t, db.ExecCompleted, continued.Status)
	assert.Equal(t, -1, continued.Position)
}

func TestTerminateDeletedTask(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "doomed")
	a, err := env.sup.Start(task.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.State() == StateActive }, waitTimeout, 10*time.Millisecond)

	require.NoError(t, env.db.DeleteTask(task.ID))
	require.NoError(t, env.sup.Terminate(context.Background(), task.ID))

	select {
	case <-a.Done():
	case <-time.After(waitTimeout):
		t.Fatal("actor did not stop")
	}
	assert.Equal(t, StateTerminated, a.State())
	_, err = env.sup.Start(task.ID)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "origin")
	require.NoError(t, os.MkdirAll(repo, 0755))
	runGitCmd(t, repo, "init")
	runGitCmd(t, repo, "config", "user.email", "test@example.com")
	runGitCmd(t, repo, "config", "user.name", "Test User")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Test"), 0644))
	runGitCmd(t, repo, "add", ".")
	runGitCmd(t, repo, "commit", "-m", "Initial commit")
	return repo
}

func TestActorCreatesWorktree(t *testing.T) {
	root := t.TempDir()
	database, err := db.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	wt := worktree.New(database, filepath.Join(root, "repos"), filepath.Join(root, "worktrees"), io.Discard)
	env := newEnv(t, wt, database, &db.Board{Name: "repo", RepoPath: setupTestRepo(t)})
	task := &db.Task{BoardID: env.board.ID, ColumnID: env.todo.ID, Title: "Add readme badge"}
	require.NoError(t, database.CreateTask(task))
	b := env.bindScript(t, env.inProg, "readme", "cat README.md > copy.txt", 0)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, b, db.ExecCompleted)

	got, _ := database.GetTask(task.ID)
	require.NotEmpty(t, got.WorktreePath)
	assert.True(t, strings.HasPrefix(got.WorktreePath, filepath.Join(root, "worktrees")))
	assert.NotEmpty(t, got.WorktreeBranch)
	assert.Equal(t, "# Test", readFile(t, filepath.Join(got.WorktreePath, "copy.txt")))
}

func TestScriptHookWithoutRepository(t *testing.T) {
	root := t.TempDir()
	database, err := db.Open(filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	wt := worktree.New(database, filepath.Join(root, "repos"), filepath.Join(root, "worktrees"), io.Discard)
	env := newEnv(t, wt, database, &db.Board{Name: "no repo"})
	task := &db.Task{BoardID: env.board.ID, ColumnID: env.todo.ID, Title: "Plain task"}
	require.NoError(t, database.CreateTask(task))
	b := env.bindScript(t, env.inProg, "note", "echo \"$TASK_ID\" > out.txt", 0)

	env.move(t, task, env.inProg)
	env.waitStatus(t, task.ID, b, db.ExecCompleted)

	scratch := filepath.Join(wt.ScratchDir(), fmt.Sprintf("task-%d", task.ID))
	assert.Equal(t, fmt.Sprintf("%d\n", task.ID), readFile(t, filepath.Join(scratch, "out.txt")))
	got, _ := database.GetTask(task.ID)
	assert.Empty(t, got.WorktreePath)
	assert.False(t, got.InErrorState())
}

func TestExecutorCompletedLogsStoreErrors(t *testing.T) {
	env := setup(t)
	task := env.newTask(t, env.todo, "store down")
	a := newTaskActor(env.sup, task)
	var buf bytes.Buffer
	a.logger = log.New(&buf)

	require.NoError(t, env.db.Close())
	a.executorCompleted(events.Completion{TaskID: task.ID, ExitCode: 1})

	out := buf.String()
	assert.Contains(t, out, "Failed to clear in-progress flag")
	assert.Contains(t, out, "Failed to read running execution")
	assert.Contains(t, out, "database is closed")
}

func TestSlotsFIFO(t *testing.T) {
	s := newSlots()
	assert.True(t, s.acquire(1, 10, 1))
	assert.True(t, s.acquire(1, 10, 1), "re-acquiring a held slot succeeds")
	assert.False(t, s.acquire(2, 10, 1))
	assert.False(t, s.acquire(3, 10, 1))
	assert.False(t, s.acquire(2, 10, 1), "waiting twice keeps one place in line")
	assert.True(t, s.acquire(4, 20, 1), "other columns are independent")
	assert.True(t, s.acquire(5, 10, 0), "zero limit is unlimited")

	next, ok := s.release(1)
	require.True(t, ok)
	assert.Equal(t, int64(2), next)
	assert.True(t, s.acquire(2, 10, 2))

	_, ok = s.release(99)
	assert.False(t, ok)
}
