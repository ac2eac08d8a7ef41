package executor

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/registry"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shBuilder runs a shell script as a fake agent.
type shBuilder struct {
	name   string
	path   string
	script string
	parser Parser

	mu   sync.Mutex
	last Request
}

func (b *shBuilder) Name() string { return b.name }
func (b *shBuilder) SupportsResume() bool { return true }
func (b *shBuilder) Parser() Parser {
	if b.parser == nil {
		return RawParser
	}
	return b.parser
}

func (b *shBuilder) Build(req Request) Command {
	b.mu.Lock()
	b.last = req
	b.mu.Unlock()
	path := b.path
	if path == "" {
		path = "sh"
	}
	return Command{Path: path, Args: []string{"-c", b.script}}
}

func (b *shBuilder) lastRequest() Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

type testEnv struct {
	db      *db.DB
	bus     *events.Bus
	svc     *Service
	factory *ExecutorFactory
	task    *db.Task
}

func setupRunner(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	board := &db.Board{Name: "b"}
	require.NoError(t, database.CreateBoard(board))
	col := &db.Column{BoardID: board.ID, Name: "In Progress", Settings: db.ColumnSettings{HooksEnabled: true}}
	require.NoError(t, database.CreateColumn(col))
	task := &db.Task{BoardID: board.ID, ColumnID: col.ID, Title: "Fix bug"}
	require.NoError(t, database.CreateTask(task))

	bus := events.New()
	factory := NewExecutorFactory()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	svc := NewService(database, bus, registry.New(), factory, Options{Logger: logger, StopTimeout: 2 * time.Second})
	return &testEnv{db: database, bus: bus, svc: svc, factory: factory, task: task}
}

func (e *testEnv) register(name, script string, parser Parser) *shBuilder {
	b := &shBuilder{name: name, script: script, parser: parser}
	e.factory.Register(b)
	return b
}

func (e *testEnv) start(t *testing.T, executor string) *Runner {
	t.Helper()
	r, err := e.svc.Start(context.Background(), StartRequest{
		Task: e.task, ExecutorType: executor, Prompt: "fix the bug", WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	return r
}

func waitCompletion(t *testing.T, sub *events.Subscription) events.Completion {
	t.Helper()
	select {
	case ev := <-sub.C():
		c, ok := ev.Payload.(events.Completion)
		require.True(t, ok, "unexpected payload %T", ev.Payload)
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
	return events.Completion{}
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not exit")
	}
}

func TestRunnerStreamsAndCompletes(t *testing.T) {
	env := setupRunner(t)
	env.register("fake", `echo '{"type":"assistant","session_id":"sess-1","message":{"content":[{"type":"text","text":"looking"}]}}'
echo 'NEEDS_INPUT: which database?'`, ParserFunc(parseClaude))

	done := env.bus.Subscribe(events.CompletedTopic(env.task.ID))
	board := env.bus.Subscribe(events.BoardTopic(env.task.BoardID))
	defer env.bus.Unsubscribe(done)
	defer env.bus.Unsubscribe(board)

	r := env.start(t, "fake")
	c := waitCompletion(t, done)
	assert.Equal(t, env.task.ID, c.TaskID)
	assert.Equal(t, 0, c.ExitCode)
	assert.Equal(t, r.SessionID(), c.SessionID)
	assert.Empty(t, c.Note)

	session, err := env.db.GetExecutorSession(r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, db.SessionCompleted, session.Status)
	require.NotNil(t, session.ExitCode)
	assert.Equal(t, 0, *session.ExitCode)
	assert.Equal(t, "sess-1", session.AgentSessionID)

	msgs, err := env.db.ListExecutorMessages(r.SessionID())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, db.RoleUser, msgs[0].Role)
	assert.Equal(t, "fix the bug", msgs[0].Content)
	assert.Equal(t, db.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "looking", msgs[1].Content)

	task, err := env.db.GetTask(env.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentWaitingForUser, task.AgentStatus)
	assert.Equal(t, "which database?", task.AgentStatusMessage)
	assert.False(t, task.InProgress)
	assert.False(t, env.svc.IsRunning(env.task.ID))

	var types []string
	for len(board.C()) > 0 {
		types = append(types, (<-board.C()).Type)
	}
	assert.Equal(t, events.ExecutorStarted, types[0])
	assert.Contains(t, types, events.ExecutorOutput)
	assert.Contains(t, types, events.TaskUpdated)
	assert.Equal(t, events.ExecutorCompleted, types[len(types)-1])
}

func TestRunnerFailureCarriesRateLimitNote(t *testing.T) {
	env := setupRunner(t)
	env.register("claude", `echo 'Error: rate limit exceeded, please try again'; exit 3`, nil)

	done := env.bus.Subscribe(events.CompletedTopic(env.task.ID))
	defer env.bus.Unsubscribe(done)

	r := env.start(t, "claude")
	c := waitCompletion(t, done)
	assert.Equal(t, 3, c.ExitCode)
	assert.Contains(t, c.Note, "rate limited")

	st, err := env.svc.Status(env.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.SessionFailed, st.Status)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 3, *st.ExitCode)
	assert.Equal(t, db.SessionFailed, r.Status().Status)
}

func TestRunnerStop(t *testing.T) {
	env := setupRunner(t)
	env.register("fake", `sleep 30`, nil)

	done := env.bus.Subscribe(events.CompletedTopic(env.task.ID))
	board := env.bus.Subscribe(events.BoardTopic(env.task.BoardID))
	defer env.bus.Unsubscribe(done)
	defer env.bus.Unsubscribe(board)

	r := env.start(t, "fake")
	require.True(t, env.svc.IsRunning(env.task.ID))

	start := time.Now()
	require.NoError(t, env.svc.Stop(env.task.ID, ReasonUserCancelled))
	assert.Less(t, time.Since(start), 2*time.Second)
	waitDone(t, r)
	assert.False(t, env.svc.IsRunning(env.task.ID))

	session, err := env.db.GetExecutorSession(r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, db.SessionStopped, session.Status)

	task, err := env.db.GetTask(env.task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.AgentIdle, task.AgentStatus)

	select {
	case ev := <-done.C():
		t.Fatalf("stopped runner published completion: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	var stopped bool
	for len(board.C()) > 0 {
		ev := <-board.C()
		if ev.Type == events.ExecutorStopped {
			stopped = true
			assert.Equal(t, "Stopped by user", ev.Payload.(map[string]any)["message"])
		}
	}
	assert.True(t, stopped)

	assert.ErrorIs(t, env.svc.Stop(env.task.ID, ReasonUserCancelled), ErrNotRunning)
}

func TestRunnerStopDuringStart(t *testing.T) {
	env := setupRunner(t)
	env.register("fake", `sleep 30`, nil)

	stopped := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for {
			err := env.svc.Stop(env.task.ID, ReasonUserCancelled)
			if err == nil || time.Now().After(deadline) {
				stopped <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	r := env.start(t, "fake")
	require.NoError(t, <-stopped)
	waitDone(t, r)
	assert.False(t, env.svc.IsRunning(env.task.ID))

	session, err := env.db.GetExecutorSession(r.SessionID())
	require.NoError(t, err)
	assert.Equal(t, db.SessionStopped, session.Status)
}

func TestRunnerSendInput(t *testing.T) {
	env := setupRunner(t)
	env.register("fake", `read line; echo "got $line"`, nil)

	board := env.bus.Subscribe(events.BoardTopic(env.task.BoardID))
	defer env.bus.Unsubscribe(board)

	r := env.start(t, "fake")
	require.NoError(t, env.svc.SendInput(env.task.ID, "hello"))
	waitDone(t, r)

	var got []string
	for len(board.C()) > 0 {
		ev := <-board.C()
		if ev.Type == events.ExecutorOutput {
			got = append(got, ev.Payload.(Event).Text)
		}
	}
	assert.Contains(t, got, "got hello")
	assert.ErrorIs(t, env.svc.SendInput(env.task.ID, "again"), ErrNotRunning)
}

func TestRunnerSingleInstancePerTask(t *testing.T) {
	env := setupRunner(t)
	env.register("fake", `sleep 30`, nil)

	r := env.start(t, "fake")
	_, err := env.svc.Start(context.Background(), StartRequest{Task: env.task, ExecutorType: "fake", Prompt: "again"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, env.svc.Stop(env.task.ID, ReasonColumnChange))
	waitDone(t, r)
}

func TestRunnerStartErrors(t *testing.T) {
	env := setupRunner(t)

	_, err := env.svc.Start(context.Background(), StartRequest{Task: env.task, ExecutorType: "nope", Prompt: "x"})
	assert.ErrorIs(t, err, ErrUnknownExecutor)

	env.factory.Register(&shBuilder{name: "missing", path: "definitely-not-an-agent-binary"})
	board := env.bus.Subscribe(events.BoardTopic(env.task.BoardID))
	defer env.bus.Unsubscribe(board)

	_, err = env.svc.Start(context.Background(), StartRequest{Task: env.task, ExecutorType: "missing", Prompt: "x"})
	assert.ErrorIs(t, err, ErrExecutableNotFound)
	assert.False(t, env.svc.IsRunning(env.task.ID))

	last, err := env.db.LatestExecutorSession(env.task.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, db.SessionFailed, last.Status)

	require.Equal(t, 1, len(board.C()))
	assert.Equal(t, events.ExecutorError, (<-board.C()).Type)
}

func TestRunnerResumesPreviousSession(t *testing.T) {
	env := setupRunner(t)
	b := env.register("fake", `echo '{"type":"result","subtype":"success","session_id":"agent-42"}'`, ParserFunc(parseClaude))

	waitDone(t, env.start(t, "fake"))
	assert.Empty(t, b.lastRequest().ResumeSessionID)

	r, err := env.svc.Start(context.Background(), StartRequest{Task: env.task, ExecutorType: "fake", Prompt: "more", Resume: true})
	require.NoError(t, err)
	waitDone(t, r)
	assert.Equal(t, "agent-42", b.lastRequest().ResumeSessionID)
}

func TestStatusIdleWithoutSessions(t *testing.T) {
	env := setupRunner(t)
	st, err := env.svc.Status(env.task.ID)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.Status)
	assert.Nil(t, st.ExitCode)
}
