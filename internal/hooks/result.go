package hooks

import (
	"fmt"
	"strings"
)

const maxErrorOutput = 200

// Outcome classifies how a hook invocation ended.
type Outcome int

const (
	OK Outcome = iota
	// AwaitingExternal means an agent was started; the hook completes when it exits.
	AwaitingExternal
	Failed
	// Deferred means the hook could not start yet and should be retried later.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case AwaitingExternal:
		return "awaiting_external_executor"
	case Failed:
		return "error"
	case Deferred:
		return "deferred"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what a hook invocation returns.
type Result struct {
	Outcome  Outcome
	TaskID   int64  // AwaitingExternal: the task whose agent is awaited
	ExitCode int    // Failed: process exit code, 0 when the failure was not an exit status
	Output   string // combined output of a script
	TimedOut bool
	Err      error

	// Followup runs after the execution has been recorded as completed.
	Followup func()
}

// Success returns an OK result.
func Success() Result { return Result{Outcome: OK} }

// Awaiting returns a result that waits on the task's external agent.
func Awaiting(taskID int64) Result { return Result{Outcome: AwaitingExternal, TaskID: taskID} }

// Failure returns a failed result for err.
func Failure(err error) Result { return Result{Outcome: Failed, Err: err} }

// ErrorMessage formats a failed result for the task's error banner.
func ErrorMessage(hookName string, res Result) string {
	switch {
	case res.TimedOut:
		return fmt.Sprintf("Hook '%s' timed out", hookName)
	case res.ExitCode != 0:
		return fmt.Sprintf("Hook '%s' failed with exit code %d: %s", hookName, res.ExitCode, Truncate(res.Output))
	case res.Err != nil:
		return fmt.Sprintf("Hook '%s' failed: %v", hookName, res.Err)
	}
	return fmt.Sprintf("Hook '%s' failed", hookName)
}

// Truncate shortens captured output for inclusion in an error message.
func Truncate(output string) string {
	runes := []rune(strings.TrimSpace(output))
	if len(runes) <= maxErrorOutput {
		return string(runes)
	}
	return string(runes[:maxErrorOutput])
}
