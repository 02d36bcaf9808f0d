package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeroechelon/blueprint/aggregator"
)

// Outcome is the overall result of a run.
type Outcome string

const (
	// OutcomeComplete means every task succeeded.
	OutcomeComplete Outcome = "complete"
	// OutcomePartial means nothing failed but some tasks were skipped.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means a task failed or the run was aborted.
	OutcomeFailed Outcome = "failed"
)

// FailedTask is a task that ended failed.
type FailedTask struct {
	TaskID    string `json:"task_id"`
	Reason    string `json:"reason"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

// SkippedTask is a task that never ran.
type SkippedTask struct {
	TaskID string `json:"task_id"`
	// Because is the failed ancestor, empty when a checkpoint policy skipped
	// the task
	Because string `json:"because,omitempty"`
	Reason  string `json:"reason"`
}

// Report summarizes a finished run. Task lists follow plan order.
type Report struct {
	RunID      string                `json:"run_id"`
	Title      string                `json:"title"`
	Outcome    Outcome               `json:"outcome"`
	Succeeded  []string              `json:"succeeded"`
	Failed     []FailedTask          `json:"failed,omitempty"`
	Skipped    []SkippedTask         `json:"skipped,omitempty"`
	Pending    []string              `json:"pending,omitempty"`
	Cancelled  []string              `json:"cancelled,omitempty"`
	Conflicts  []aggregator.Conflict `json:"conflicts,omitempty"`
	Merged     []*aggregator.Merged  `json:"merged,omitempty"`
	AbortCause string                `json:"abort_cause,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Tasks      map[string]TaskState  `json:"tasks"`
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary renders the report for humans.
func (r *Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s (%s)\n", r.RunID, r.Outcome, r.Duration().Round(time.Millisecond))
	fmt.Fprintf(&b, "  succeeded: %d\n", len(r.Succeeded))
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, "  failed: %d\n", len(r.Failed))
		for _, f := range r.Failed {
			line := "    " + f.TaskID + ": " + f.Reason
			if f.Cancelled {
				line += " [cancelled]"
			}
			b.WriteString(line + "\n")
		}
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(&b, "  skipped: %d\n", len(r.Skipped))
		for _, s := range r.Skipped {
			if s.Because != "" {
				fmt.Fprintf(&b, "    %s: upstream %s failed\n", s.TaskID, s.Because)
			} else {
				fmt.Fprintf(&b, "    %s: %s\n", s.TaskID, s.Reason)
			}
		}
	}
	if len(r.Pending) > 0 {
		fmt.Fprintf(&b, "  pending: %s\n", strings.Join(r.Pending, ", "))
	}
	if len(r.Conflicts) > 0 {
		fmt.Fprintf(&b, "  conflicts: %d\n", len(r.Conflicts))
		for _, c := range r.Conflicts {
			b.WriteString("    " + c.String() + "\n")
		}
	}
	if r.AbortCause != "" {
		fmt.Fprintf(&b, "  aborted: %s\n", r.AbortCause)
	}
	return b.String()
}
