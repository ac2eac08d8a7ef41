package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/bborn/boardhooks/internal/executor"
	"github.com/bborn/boardhooks/internal/pipeline"
	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePipeline struct {
	mu       sync.Mutex
	moves    []int64
	stopped  []int64
	inputs   []string
	enqueued []db.QueuedMessage
	moveErr  error
	status   executor.Status
}

func (f *fakePipeline) Move(_ context.Context, taskID, columnID int64, position int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, columnID)
	return f.moveErr
}

func (f *fakePipeline) StopExecutor(_ context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, taskID)
	return nil
}

func (f *fakePipeline) EnqueueMessage(_ context.Context, taskID int64, msg db.QueuedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, msg)
	return nil
}

func (f *fakePipeline) SendInput(taskID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status.Status != "running" {
		return executor.ErrNotRunning
	}
	f.inputs = append(f.inputs, text)
	return nil
}

func (f *fakePipeline) Status(taskID int64) (executor.Status, error) {
	return f.status, nil
}

type testServer struct {
	*httptest.Server
	srv   *Server
	db    *db.DB
	bus   *events.Bus
	pipe  *fakePipeline
	task  *db.Task
	board *db.Board
	done  *db.Column
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	board := &db.Board{Name: "web"}
	require.NoError(t, database.CreateBoard(board))
	todo := &db.Column{BoardID: board.ID, Name: "Todo"}
	done := &db.Column{BoardID: board.ID, Name: "Done", Position: 1}
	require.NoError(t, database.CreateColumn(todo))
	require.NoError(t, database.CreateColumn(done))
	task := &db.Task{BoardID: board.ID, ColumnID: todo.ID, Title: "Ship it"}
	require.NoError(t, database.CreateTask(task))

	bus := events.New()
	pipe := &fakePipeline{status: executor.Status{Status: "idle"}}
	srv := New(Config{DB: database, Bus: bus, Pipeline: pipe, Logger: log.NewWithOptions(io.Discard, log.Options{})})

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub().Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testServer{Server: ts, srv: srv, db: database, bus: bus, pipe: pipe, task: task, board: board, done: done}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &out)
	return resp, out
}

func taskPath(id int64, suffix string) string {
	return fmt.Sprintf("/tasks/%d/%s", id, suffix)
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)
	resp, body := ts.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestStatus(t *testing.T) {
	ts := setupTestServer(t)
	code := 2
	ts.pipe.status = executor.Status{Status: "failed", ExitCode: &code}

	resp, body := ts.do(t, "GET", taskPath(ts.task.ID, "status"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "failed", body["status"])
	assert.EqualValues(t, 2, body["exit_code"])

	resp, _ = ts.do(t, "GET", "/tasks/9999/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, "GET", "/tasks/abc/status", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMoveByColumnName(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := ts.do(t, "POST", taskPath(ts.task.ID, "move"), MoveRequest{Column: "done"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ship it", body["title"])
	assert.Equal(t, []int64{ts.done.ID}, ts.pipe.moves)

	resp, _ = ts.do(t, "POST", taskPath(ts.task.ID, "move"), MoveRequest{Column: "Archive"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, "POST", taskPath(ts.task.ID, "move"), MoveRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMoveErrorsMapToStatus(t *testing.T) {
	ts := setupTestServer(t)
	ts.pipe.moveErr = pipeline.ErrTimeout
	resp, body := ts.do(t, "POST", taskPath(ts.task.ID, "move"), MoveRequest{ColumnID: ts.done.ID})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Contains(t, body["error"], "timed out")
}

func TestStopInputEnqueue(t *testing.T) {
	ts := setupTestServer(t)

	resp, _ := ts.do(t, "POST", taskPath(ts.task.ID, "stop"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{ts.task.ID}, ts.pipe.stopped)

	resp, _ = ts.do(t, "POST", taskPath(ts.task.ID, "input"), InputRequest{Text: "yes"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "no agent running")

	ts.pipe.status = executor.Status{Status: "running"}
	resp, _ = ts.do(t, "POST", taskPath(ts.task.ID, "input"), InputRequest{Text: "yes"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"yes\n"}, ts.pipe.inputs)

	resp, _ = ts.do(t, "POST", taskPath(ts.task.ID, "enqueue"), EnqueueRequest{Prompt: "add tests", ExecutorType: "codex"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, ts.pipe.enqueued, 1)
	assert.Equal(t, "codex", ts.pipe.enqueued[0].ExecutorType)

	resp, _ = ts.do(t, "POST", taskPath(ts.task.ID, "enqueue"), EnqueueRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutions(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, ts.db.CreateHookExecution(&db.HookExecution{
		TaskID: ts.task.ID, ColumnID: ts.task.ColumnID, HookID: "h", HookName: "lint", Position: 0,
	}))

	resp, err := http.Get(ts.URL + taskPath(ts.task.ID, "executions"))
	require.NoError(t, err)
	defer resp.Body.Close()
	var execs []ExecutionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&execs))
	require.Len(t, execs, 1)
	assert.Equal(t, "lint", execs[0].HookName)
	assert.Equal(t, db.ExecPending, execs[0].Status)
}

func TestWebSocketReceivesOnlyItsBoard(t *testing.T) {
	ts := setupTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + fmt.Sprintf("/boards/%d/ws", ts.board.ID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.srv.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	ts.bus.Board(ts.board.ID+1, 99, events.TaskMoved, nil)
	ts.bus.Board(ts.board.ID, ts.task.ID, events.HookFinished, map[string]any{"status": "completed"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.HookFinished, msg.Type)
	assert.Equal(t, ts.board.ID, msg.BoardID)
	assert.Equal(t, ts.task.ID, msg.TaskID)
	assert.Equal(t, map[string]any{"status": "completed"}, msg.Payload)
}
