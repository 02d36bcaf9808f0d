package executor

import (
	"errors"
	"fmt"
	"time"

	"github.com/zeroechelon/blueprint/document"
)

var (
	// ErrNotExecutable is returned when validation reports hard findings.
	ErrNotExecutable = errors.New("document is not executable")
	// ErrUnacknowledgedWarnings is returned when interface warnings exist
	// and the caller did not acknowledge them.
	ErrUnacknowledgedWarnings = errors.New("interface warnings require acknowledgment")
	// ErrRunAborted is returned when a run stops before every task is
	// terminal.
	ErrRunAborted = errors.New("run aborted")
)

// DispatchFailure is a task whose worker execution failed. It is recorded,
// never retried here.
type DispatchFailure struct {
	TaskID   string
	Message  string
	ExitCode int
	Err      error
}

func (e *DispatchFailure) Error() string {
	msg := fmt.Sprintf("task %s failed", e.TaskID)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	return msg
}

func (e *DispatchFailure) Unwrap() error { return e.Err }

// HumanTimeout records a checkpoint that was not acknowledged in time and
// the policy that resolved it.
type HumanTimeout struct {
	TaskID  string
	Timeout time.Duration
	Policy  document.TimeoutPolicy
}

func (e *HumanTimeout) Error() string {
	return fmt.Sprintf("checkpoint for task %s not acknowledged within %s (policy %s)", e.TaskID, e.Timeout, e.Policy)
}
