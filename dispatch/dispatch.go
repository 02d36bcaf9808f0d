// Package dispatch defines the boundary between the executor and the workers
// that actually perform tasks.
//
// Submit is non-blocking and returns a Handle whose Done channel closes when
// the worker reaches a terminal status, so a caller can wait on many
// outstanding handles at once. Poll reads the current status and, once
// terminal, the result; that last poll releases the handle. Cancel is best
// effort.
//
// Implementations live in subpackages: local runs verification commands on
// this host and remote talks to a worker hub over a websocket. Simulated in
// this package backs dry runs.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/zeroechelon/blueprint/document"
)

// ErrUnknownHandle is returned for handles the dispatcher never issued or has
// already forgotten.
var ErrUnknownHandle = errors.New("dispatch: unknown handle")

// Status is the worker-side status of a submitted task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FileChange is one file a task produced or modified.
type FileChange struct {
	Path string `json:"path"`
	// Fingerprint is a content hash; empty when the worker did not report one
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Result is what a worker reports for a finished task.
type Result struct {
	TaskID     string       `json:"task_id"`
	Output     string       `json:"output,omitempty"`
	Files      []FileChange `json:"files,omitempty"`
	Error      string       `json:"error,omitempty"`
	ExitCode   int          `json:"exit_code"`
	Attempts   int          `json:"attempts,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Duration returns the wall time of the task.
func (r *Result) Duration() time.Duration {
	if r == nil || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Fingerprint returns the reported fingerprint for path.
func (r *Result) Fingerprint(path string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, f := range r.Files {
		if f.Path == path {
			return f.Fingerprint, f.Fingerprint != ""
		}
	}
	return "", false
}

// Handle identifies one submission.
type Handle interface {
	// ID is unique per submission
	ID() string
	TaskID() string
	// Done closes once the submission is terminal
	Done() <-chan struct{}
}

// Dispatcher hands tasks to workers.
type Dispatcher interface {
	// Submit starts the task and returns immediately.
	Submit(ctx context.Context, task *document.Task) (Handle, error)
	// Poll returns the current status, plus the result once terminal. The
	// terminal result is returned once, after which the handle is released.
	Poll(ctx context.Context, h Handle) (Status, *Result, error)
	// Cancel asks the worker to stop. It is best effort and idempotent.
	Cancel(ctx context.Context, h Handle) error
}
