package executor

import (
	"strings"

	"github.com/bborn/boardhooks/internal/db"
	"github.com/bborn/boardhooks/internal/events"
	"github.com/charmbracelet/log"
)

// Completion markers an agent prints to signal its state.
const (
	MarkerComplete   = "TASK_COMPLETE"
	MarkerNeedsInput = "NEEDS_INPUT:"
)

// MarkerDetector reacts to completion markers in agent text. It sees every
// assistant message and raw line.
type MarkerDetector interface {
	Detect(task *db.Task, text string)
}

// MarkerResult is what a line of agent output says about the task.
type MarkerResult struct {
	Complete   bool
	NeedsInput bool
	Question   string
}

// ParseMarkers checks output for completion markers.
func ParseMarkers(output string) MarkerResult {
	if idx := strings.Index(output, MarkerNeedsInput); idx >= 0 {
		rest := output[idx+len(MarkerNeedsInput):]
		if newline := strings.Index(rest, "\n"); newline >= 0 {
			rest = rest[:newline]
		}
		return MarkerResult{NeedsInput: true, Question: strings.TrimSpace(rest)}
	}
	if strings.Contains(output, MarkerComplete) {
		return MarkerResult{Complete: true}
	}
	return MarkerResult{}
}

// StatusMarkers is the default detector: NEEDS_INPUT moves the task to
// waiting_for_user, TASK_COMPLETE is announced on the board.
type StatusMarkers struct {
	db     *db.DB
	bus    *events.Bus
	logger *log.Logger
}

// NewStatusMarkers creates the default marker detector.
func NewStatusMarkers(database *db.DB, bus *events.Bus, logger *log.Logger) *StatusMarkers {
	return &StatusMarkers{db: database, bus: bus, logger: logger}
}

// Detect implements MarkerDetector.
func (m *StatusMarkers) Detect(task *db.Task, text string) {
	res := ParseMarkers(text)
	switch {
	case res.NeedsInput:
		if err := m.db.UpdateAgentStatus(task.ID, db.AgentWaitingForUser, res.Question); err != nil {
			m.logger.Error("Failed to set waiting status", "task", task.ID, "error", err)
			return
		}
		m.bus.Board(task.BoardID, task.ID, events.TaskUpdated, map[string]any{
			"agent_status": db.AgentWaitingForUser, "message": res.Question,
		})
	case res.Complete:
		m.logger.Info("Agent reported completion", "task", task.ID)
		m.bus.Board(task.BoardID, task.ID, events.TaskUpdated, map[string]any{"agent_complete": true})
	}
}
