package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bborn/boardhooks/internal/db"
)

// TaskResponse is the JSON view of a task.
type TaskResponse struct {
	ID             int64     `json:"id"`
	BoardID        int64     `json:"board_id"`
	ColumnID       int64     `json:"column_id"`
	Column         string    `json:"column"`
	Position       int       `json:"position"`
	Title          string    `json:"title"`
	ExecutorType   string    `json:"executor_type"`
	WorktreePath   string    `json:"worktree_path,omitempty"`
	WorktreeBranch string    `json:"worktree_branch,omitempty"`
	AgentStatus    string    `json:"agent_status"`
	StatusMessage  string    `json:"agent_status_message,omitempty"`
	InProgress     bool      `json:"in_progress"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	QueuedMessages int       `json:"queued_messages"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExecutionResponse is the JSON view of a hook execution.
type ExecutionResponse struct {
	ID           string     `json:"id"`
	HookID       string     `json:"hook_id"`
	HookName     string     `json:"hook_name"`
	ColumnID     int64      `json:"column_id"`
	Position     int        `json:"position"`
	Status       string     `json:"status"`
	SkipReason   string     `json:"skip_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// MoveRequest moves a task by column id or case-insensitive column name.
type MoveRequest struct {
	ColumnID int64  `json:"column_id,omitempty"`
	Column   string `json:"column,omitempty"`
	Position *int   `json:"position,omitempty"`
}

// InputRequest carries raw text for a running agent.
type InputRequest struct {
	Text string `json:"text"`
}

// EnqueueRequest queues a prompt for the task's agent.
type EnqueueRequest struct {
	Prompt       string   `json:"prompt"`
	ExecutorType string   `json:"executor_type,omitempty"`
	Images       []string `json:"images,omitempty"`
}

// loadTask resolves the {id} path value, writing the error response itself.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	id, err := getIDParam(r)
	if err != nil {
		jsonError(w, "invalid task id", http.StatusBadRequest)
		return nil, false
	}
	task, err := s.db.GetTask(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if task == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return nil, false
	}
	return task, true
}

func (s *Server) taskResponse(task *db.Task) TaskResponse {
	resp := TaskResponse{
		ID:             task.ID,
		BoardID:        task.BoardID,
		ColumnID:       task.ColumnID,
		Position:       task.Position,
		Title:          task.Title,
		ExecutorType:   task.ExecutorType,
		WorktreePath:   task.WorktreePath,
		WorktreeBranch: task.WorktreeBranch,
		AgentStatus:    task.AgentStatus,
		StatusMessage:  task.AgentStatusMessage,
		InProgress:     task.InProgress,
		ErrorMessage:   task.ErrorMessage,
		QueuedMessages: len(task.MessageQueue),
		UpdatedAt:      task.UpdatedAt,
	}
	if col, err := s.db.GetColumn(task.ColumnID); err == nil && col != nil {
		resp.Column = col.Name
	}
	return resp
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	jsonResponse(w, s.taskResponse(task), http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	status, err := s.pipeline.Status(task.ID)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, status, http.StatusOK)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	execs, err := s.db.ListHookExecutions(task.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]ExecutionResponse, 0, len(execs))
	for _, e := range execs {
		resp = append(resp, ExecutionResponse{
			ID:           e.ID,
			HookID:       e.HookID,
			HookName:     e.HookName,
			ColumnID:     e.ColumnID,
			Position:     e.Position,
			Status:       e.Status,
			SkipReason:   e.SkipReason,
			ErrorMessage: e.ErrorMessage,
			QueuedAt:     e.QueuedAt,
			StartedAt:    e.StartedAt,
			CompletedAt:  e.CompletedAt,
		})
	}
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req MoveRequest
	if err := parseJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	columnID := req.ColumnID
	if name := strings.TrimSpace(req.Column); name != "" {
		col, err := s.db.GetColumnByName(task.BoardID, name)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if col == nil {
			jsonError(w, "column not found: "+name, http.StatusNotFound)
			return
		}
		columnID = col.ID
	}
	if columnID == 0 {
		jsonError(w, "column or column_id is required", http.StatusBadRequest)
		return
	}
	position := -1
	if req.Position != nil {
		position = *req.Position
	}

	if err := s.pipeline.Move(r.Context(), task.ID, columnID, position); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	updated, _ := s.db.GetTask(task.ID)
	if updated == nil {
		updated = task
	}
	jsonResponse(w, s.taskResponse(updated), http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.StopExecutor(r.Context(), task.ID); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"}, http.StatusOK)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req InputRequest
	if err := parseJSON(r, &req); err != nil || req.Text == "" {
		jsonError(w, "text is required", http.StatusBadRequest)
		return
	}
	text := req.Text
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	if err := s.pipeline.SendInput(task.ID, text); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "sent"}, http.StatusOK)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var req EnqueueRequest
	if err := parseJSON(r, &req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		jsonError(w, "prompt is required", http.StatusBadRequest)
		return
	}
	msg := db.QueuedMessage{Prompt: req.Prompt, ExecutorType: req.ExecutorType, Images: req.Images}
	if err := s.pipeline.EnqueueMessage(r.Context(), task.ID, msg); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "queued"}, http.StatusAccepted)
}
