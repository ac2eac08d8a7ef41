package db

import (
	"path/filepath"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// seedBoard creates a board with Todo / In Progress / Done columns.
func seedBoard(t *testing.T, db *DB) (*Board, []*Column) {
	t.Helper()
	board := &Board{Name: "test"}
	if err := db.CreateBoard(board); err != nil {
		t.Fatalf("failed to create board: %v", err)
	}
	var cols []*Column
	for i, name := range []string{"Todo", "In Progress", "Done"} {
		c := &Column{BoardID: board.ID, Name: name, Position: i, Settings: ColumnSettings{HooksEnabled: true}}
		if err := db.CreateColumn(c); err != nil {
			t.Fatalf("failed to create column: %v", err)
		}
		cols = append(cols, c)
	}
	return board, cols
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		db.Close()
	}
}

func TestBoardsAndColumns(t *testing.T) {
	db := setupTestDB(t)
	board, cols := seedBoard(t, db)

	got, err := db.GetBoard(board.ID)
	if err != nil || got == nil {
		t.Fatalf("GetBoard: %v, %v", got, err)
	}
	if got.Name != "test" {
		t.Errorf("expected name 'test', got %q", got.Name)
	}

	missing, err := db.GetBoard(9999)
	if err != nil || missing != nil {
		t.Errorf("expected nil board for unknown id, got %v, %v", missing, err)
	}

	list, err := db.ListColumns(board.ID)
	if err != nil {
		t.Fatalf("ListColumns: %v", err)
	}
	if len(list) != 3 || list[1].Name != "In Progress" {
		t.Fatalf("unexpected columns: %+v", list)
	}
	if !list[0].Settings.HooksEnabled {
		t.Error("expected hooks_enabled to round-trip")
	}

	byName, err := db.GetColumnByName(board.ID, "  in progress ")
	if err != nil || byName == nil || byName.ID != cols[1].ID {
		t.Errorf("GetColumnByName: got %v, %v", byName, err)
	}

	if err := db.UpdateColumnSettings(cols[0].ID, ColumnSettings{HooksEnabled: false, AgentConcurrency: 2}); err != nil {
		t.Fatalf("UpdateColumnSettings: %v", err)
	}
	c, _ := db.GetColumn(cols[0].ID)
	if c.Settings.HooksEnabled || c.Settings.AgentConcurrency != 2 {
		t.Errorf("settings not updated: %+v", c.Settings)
	}
}

func TestIsTerminalColumn(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Done", true},
		{"done", true},
		{" CANCELLED ", true},
		{"In Progress", false},
		{"Todo", false},
	}
	for _, tt := range tests {
		if got := IsTerminalColumn(tt.name); got != tt.want {
			t.Errorf("IsTerminalColumn(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestColumnHooksOrderedByPosition(t *testing.T) {
	db := setupTestDB(t)
	_, cols := seedBoard(t, db)

	hook := &Hook{Name: "echo", Kind: HookKindScript, Command: "echo hi"}
	if err := db.CreateHook(hook); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}
	if hook.ID == "" {
		t.Fatal("expected generated hook id")
	}

	for _, pos := range []int{2, 0, 1} {
		ch := &ColumnHook{ColumnID: cols[1].ID, HookID: hook.ID, Position: pos,
			Settings: map[string]any{"target_column": "Done"}}
		if err := db.CreateColumnHook(ch); err != nil {
			t.Fatalf("CreateColumnHook: %v", err)
		}
	}

	bindings, err := db.ListColumnHooks(cols[1].ID)
	if err != nil {
		t.Fatalf("ListColumnHooks: %v", err)
	}
	for i, b := range bindings {
		if b.Position != i {
			t.Errorf("binding %d has position %d", i, b.Position)
		}
		if b.Settings["target_column"] != "Done" {
			t.Errorf("settings not preserved: %v", b.Settings)
		}
	}
}

func TestTaskQueueAndExecutedHooks(t *testing.T) {
	db := setupTestDB(t)
	board, cols := seedBoard(t, db)

	task := &Task{BoardID: board.ID, ColumnID: cols[0].ID, Title: "Write docs"}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ExecutorType != "claude" || task.AgentStatus != AgentIdle {
		t.Errorf("unexpected defaults: %q %q", task.ExecutorType, task.AgentStatus)
	}

	msg, err := db.PopQueuedMessage(task.ID)
	if err != nil || msg != nil {
		t.Fatalf("expected empty queue, got %v, %v", msg, err)
	}

	db.AppendQueuedMessage(task.ID, QueuedMessage{Prompt: "one"})
	db.AppendQueuedMessage(task.ID, QueuedMessage{Prompt: "two", ExecutorType: "codex"})

	msg, err = db.PopQueuedMessage(task.ID)
	if err != nil || msg == nil || msg.Prompt != "one" {
		t.Fatalf("expected 'one', got %v, %v", msg, err)
	}
	got, _ := db.GetTask(task.ID)
	if len(got.MessageQueue) != 1 || got.MessageQueue[0].ExecutorType != "codex" {
		t.Errorf("unexpected queue: %+v", got.MessageQueue)
	}

	db.AddExecutedHook(task.ID, "hook-a")
	db.AddExecutedHook(task.ID, "hook-a")
	got, _ = db.GetTask(task.ID)
	if len(got.ExecutedHooks) != 1 || !got.HasExecutedHook("hook-a") {
		t.Errorf("expected single executed hook, got %v", got.ExecutedHooks)
	}
}

func TestTaskErrorState(t *testing.T) {
	db := setupTestDB(t)
	board, cols := seedBoard(t, db)
	task := &Task{BoardID: board.ID, ColumnID: cols[0].ID, Title: "t"}
	db.CreateTask(task)

	if err := db.SetTaskError(task.ID, "Hook 'lint' failed with exit code 1: boom"); err != nil {
		t.Fatalf("SetTaskError: %v", err)
	}
	got, _ := db.GetTask(task.ID)
	if !got.InErrorState() || got.ErrorMessage == "" || got.InProgress {
		t.Errorf("expected error state, got %+v", got)
	}

	db.ClearTaskError(task.ID)
	got, _ = db.GetTask(task.ID)
	if got.InErrorState() || got.ErrorMessage != "" {
		t.Errorf("expected cleared error, got %+v", got)
	}

	db.UpdateAgentStatus(task.ID, AgentExecuting, "")
	db.ClearAgentStatusIf(task.ID, AgentThinking)
	got, _ = db.GetTask(task.ID)
	if got.AgentStatus != AgentExecuting {
		t.Errorf("ClearAgentStatusIf should not touch other statuses, got %q", got.AgentStatus)
	}
	db.ClearAgentStatusIf(task.ID, AgentExecuting)
	got, _ = db.GetTask(task.ID)
	if got.AgentStatus != AgentIdle {
		t.Errorf("expected idle, got %q", got.AgentStatus)
	}
}

func TestListExpiredWorktreeTasks(t *testing.T) {
	db := setupTestDB(t)
	board, cols := seedBoard(t, db)

	done := &Task{BoardID: board.ID, ColumnID: cols[2].ID, Title: "done", WorktreePath: "/tmp/wt-done"}
	active := &Task{BoardID: board.ID, ColumnID: cols[1].ID, Title: "active", WorktreePath: "/tmp/wt-active"}
	bare := &Task{BoardID: board.ID, ColumnID: cols[2].ID, Title: "no worktree"}
	for _, task := range []*Task{done, active, bare} {
		if err := db.CreateTask(task); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}

	expired, err := db.ListExpiredWorktreeTasks(time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ListExpiredWorktreeTasks: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != done.ID {
		t.Fatalf("expected only the done task, got %+v", expired)
	}

	recent, _ := db.ListExpiredWorktreeTasks(time.Now().Add(-time.Hour))
	if len(recent) != 0 {
		t.Errorf("expected no expired tasks before cutoff, got %d", len(recent))
	}
}

func TestListActiveTasks(t *testing.T) {
	db := setupTestDB(t)
	board, cols := seedBoard(t, db)
	todo := &Task{BoardID: board.ID, ColumnID: cols[0].ID, Title: "todo"}
	done := &Task{BoardID: board.ID, ColumnID: cols[2].ID, Title: "done"}
	db.CreateTask(todo)
	db.CreateTask(done)

	active, err := db.ListActiveTasks()
	if err != nil {
		t.Fatalf("ListActiveTasks: %v", err)
	}
	if len(active) != 1 || active[0].ID != todo.ID {
		t.Errorf("expected only the todo task, got %+v", active)
	}
}

func TestDeleteTaskRemovesExecutions(t *testing.T) {
	db := setupTestDB(t)
	board, cols := seedBoard(t, db)
	task := &Task{BoardID: board.ID, ColumnID: cols[0].ID, Title: "t"}
	db.CreateTask(task)
	db.CreateHookExecution(&HookExecution{TaskID: task.ID, ColumnID: cols[0].ID, HookID: "h", HookName: "h"})

	if err := db.DeleteTask(task.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	got, _ := db.GetTask(task.ID)
	if got != nil {
		t.Error("expected task to be deleted")
	}
	execs, _ := db.ListHookExecutions(task.ID)
	if len(execs) != 0 {
		t.Errorf("expected executions to be deleted, got %d", len(execs))
	}
}
