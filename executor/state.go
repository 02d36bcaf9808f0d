package executor

import (
	"time"

	"github.com/zeroechelon/blueprint/dispatch"
)

// RunStatus is the live status of a task within one run.
type RunStatus string

const (
	StatusPending       RunStatus = "pending"
	StatusReady         RunStatus = "ready"
	StatusDispatched    RunStatus = "dispatched"
	StatusAwaitingHuman RunStatus = "awaiting_human"
	StatusSucceeded     RunStatus = "succeeded"
	StatusFailed        RunStatus = "failed"
	StatusSkipped       RunStatus = "skipped"
)

// Terminal reports whether s is final.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// TaskState is the run-time record of one task.
type TaskState struct {
	Status RunStatus `json:"status"`
	// Reason explains a failed or skipped status
	Reason string `json:"reason,omitempty"`
	// SkippedBecause names the failed ancestor that caused a skip
	SkippedBecause string           `json:"skipped_because,omitempty"`
	Result         *dispatch.Result `json:"result,omitempty"`
	Cancelled      bool             `json:"cancelled,omitempty"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	FinishedAt     time.Time        `json:"finished_at,omitempty"`
}

// RunState maps task ids to their state for a single run. Only the run's
// control loop mutates it.
type RunState struct {
	RunID string
	order []string
	tasks map[string]*TaskState
}

func newRunState(runID string, order []string) *RunState {
	s := &RunState{
		RunID: runID,
		order: append([]string(nil), order...),
		tasks: make(map[string]*TaskState, len(order)),
	}
	for _, id := range order {
		s.tasks[id] = &TaskState{Status: StatusPending}
	}
	return s
}

func (s *RunState) get(id string) *TaskState {
	return s.tasks[id]
}

// Order returns task ids in plan order.
func (s *RunState) Order() []string {
	return append([]string(nil), s.order...)
}

// Status returns the status of id.
func (s *RunState) Status(id string) (RunStatus, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// Snapshot returns a deep copy of every task state.
func (s *RunState) Snapshot() map[string]TaskState {
	out := make(map[string]TaskState, len(s.tasks))
	for id, t := range s.tasks {
		cp := *t
		if t.Result != nil {
			res := *t.Result
			res.Files = append([]dispatch.FileChange(nil), t.Result.Files...)
			cp.Result = &res
		}
		out[id] = cp
	}
	return out
}

// Count returns the number of tasks in status.
func (s *RunState) Count(status RunStatus) int {
	n := 0
	for _, t := range s.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}
