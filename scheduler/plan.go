package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeroechelon/blueprint/document"
)

// Tier is a set of mutually independent tasks that may run concurrently.
type Tier struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}

// CheckpointAnnotation marks a task that pauses for a human. It is for
// display only; the executor reads checkpoints from the tasks themselves.
type CheckpointAnnotation struct {
	TaskID       string                 `json:"task_id"`
	Action       string                 `json:"action"`
	Tier         int                    `json:"tier"`
	NotifyTarget string                 `json:"notify_target,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
	OnTimeout    document.TimeoutPolicy `json:"on_timeout"`
}

// ExecutionPlan is the tiered schedule of a document.
type ExecutionPlan struct {
	Title       string                 `json:"title"`
	Tiers       []Tier                 `json:"tiers"`
	Checkpoints []CheckpointAnnotation `json:"checkpoints,omitempty"`
	// External lists dependency ids satisfied outside this document
	External []string `json:"external,omitempty"`
	// Blocked lists tasks the author marked blocked. Advisory only: they
	// are still scheduled.
	Blocked []string `json:"blocked,omitempty"`
}

// TierOf returns the tier index of a task.
func (p *ExecutionPlan) TierOf(id string) (int, bool) {
	for _, tier := range p.Tiers {
		for _, tid := range tier.TaskIDs {
			if tid == id {
				return tier.Index, true
			}
		}
	}
	return 0, false
}

// TaskCount returns the number of scheduled tasks.
func (p *ExecutionPlan) TaskCount() int {
	n := 0
	for _, tier := range p.Tiers {
		n += len(tier.TaskIDs)
	}
	return n
}

// MaxParallelism returns the size of the widest tier.
func (p *ExecutionPlan) MaxParallelism() int {
	widest := 0
	for _, tier := range p.Tiers {
		widest = max(widest, len(tier.TaskIDs))
	}
	return widest
}

// Order flattens the plan tier by tier.
func (p *ExecutionPlan) Order() []string {
	out := make([]string, 0, p.TaskCount())
	for _, tier := range p.Tiers {
		out = append(out, tier.TaskIDs...)
	}
	return out
}

// Summary renders the plan for humans.
func (p *ExecutionPlan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execution plan: %s\n", p.Title)
	fmt.Fprintf(&b, "  %d tasks in %d tiers, max parallelism %d\n", p.TaskCount(), len(p.Tiers), p.MaxParallelism())
	for _, tier := range p.Tiers {
		fmt.Fprintf(&b, "  tier %d: %s\n", tier.Index, strings.Join(tier.TaskIDs, ", "))
	}
	if len(p.Checkpoints) > 0 {
		b.WriteString("  human checkpoints:\n")
		for _, cp := range p.Checkpoints {
			fmt.Fprintf(&b, "    %s (tier %d): %s [on timeout: %s]\n", cp.TaskID, cp.Tier, cp.Action, cp.OnTimeout)
		}
	}
	if len(p.External) > 0 {
		fmt.Fprintf(&b, "  external dependencies: %s\n", strings.Join(p.External, ", "))
	}
	if len(p.Blocked) > 0 {
		fmt.Fprintf(&b, "  marked blocked (advisory): %s\n", strings.Join(p.Blocked, ", "))
	}
	return b.String()
}

// SchedulingError means the document could not be tiered. On a validated
// document it indicates a validator defect.
type SchedulingError struct {
	Reason    string
	Remaining []string
}

func (e *SchedulingError) Error() string {
	if len(e.Remaining) == 0 {
		return "scheduling failed: " + e.Reason
	}
	return fmt.Sprintf("scheduling failed: %s (unscheduled: %s)", e.Reason, strings.Join(e.Remaining, ", "))
}
