package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Executor session statuses
const (
	SessionStarting  = "starting"
	SessionRunning   = "running"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
	SessionStopped   = "stopped"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ExecutorSession is one external agent invocation for a task.
type ExecutorSession struct {
	ID             string
	TaskID         int64
	ExecutorType   string
	Status         string
	ExitCode       *int
	Prompt         string
	WorkingDir     string
	AgentSessionID string // Agent-side conversation id, used for resume
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ExecutorMessage is one entry in a session's message log.
type ExecutorMessage struct {
	ID        int64
	SessionID string
	Role      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// CreateExecutorSession inserts a new session.
func (db *DB) CreateExecutorSession(s *ExecutorSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = SessionStarting
	}
	s.CreatedAt = time.Now()
	_, err := db.Exec(`
		INSERT INTO executor_sessions (id, task_id, executor_type, status, prompt, working_dir, agent_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TaskID, s.ExecutorType, s.Status, s.Prompt, s.WorkingDir, s.AgentSessionID, toMillis(s.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert executor session: %w", err)
	}
	return nil
}

const sessionColumns = `id, task_id, executor_type, status, exit_code, prompt, working_dir,
	agent_session_id, created_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*ExecutorSession, error) {
	s := &ExecutorSession{}
	var exit, completed sql.NullInt64
	var created int64
	if err := row.Scan(&s.ID, &s.TaskID, &s.ExecutorType, &s.Status, &exit, &s.Prompt, &s.WorkingDir,
		&s.AgentSessionID, &created, &completed); err != nil {
		return nil, err
	}
	if exit.Valid {
		code := int(exit.Int64)
		s.ExitCode = &code
	}
	s.CreatedAt = fromMillis(created)
	s.CompletedAt = nullMillis(completed)
	return s, nil
}

// GetExecutorSession retrieves a session by ID. Returns nil if it does not exist.
func (db *DB) GetExecutorSession(id string) (*ExecutorSession, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM executor_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get executor session: %w", err)
	}
	return s, nil
}

// LatestExecutorSession returns the task's most recent session, or nil.
func (db *DB) LatestExecutorSession(taskID int64) (*ExecutorSession, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM executor_sessions
		WHERE task_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest executor session: %w", err)
	}
	return s, nil
}

// UpdateExecutorSessionStatus sets a session's status.
func (db *DB) UpdateExecutorSessionStatus(id, status string) error {
	if _, err := db.Exec(`UPDATE executor_sessions SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("update executor session: %w", err)
	}
	return nil
}

// CloseExecutorSession records the final status and exit code.
func (db *DB) CloseExecutorSession(id, status string, exitCode int) error {
	if _, err := db.Exec(`UPDATE executor_sessions SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		status, exitCode, toMillis(time.Now()), id); err != nil {
		return fmt.Errorf("close executor session: %w", err)
	}
	return nil
}

// SetAgentSessionID stores the agent's own conversation id on a session.
func (db *DB) SetAgentSessionID(id, agentSessionID string) error {
	if _, err := db.Exec(`UPDATE executor_sessions SET agent_session_id = ? WHERE id = ?`, agentSessionID, id); err != nil {
		return fmt.Errorf("set agent session id: %w", err)
	}
	return nil
}

// AppendExecutorMessage adds a message to a session's log.
func (db *DB) AppendExecutorMessage(m *ExecutorMessage) error {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode message metadata: %w", err)
	}
	m.CreatedAt = time.Now()
	result, err := db.Exec(`
		INSERT INTO executor_messages (session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, m.SessionID, m.Role, m.Content, string(meta), toMillis(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert executor message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	m.ID = id
	return nil
}

// ListExecutorMessages returns a session's messages in insertion order.
func (db *DB) ListExecutorMessages(sessionID string) ([]*ExecutorMessage, error) {
	rows, err := db.Query(`
		SELECT id, session_id, role, content, metadata, created_at
		FROM executor_messages WHERE session_id = ? ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list executor messages: %w", err)
	}
	defer rows.Close()

	var msgs []*ExecutorMessage
	for rows.Next() {
		m := &ExecutorMessage{}
		var meta string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan executor message: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
