// Package scheduler computes the tiered execution plan of a validated
// document. Tier 0 holds every task without internal dependencies; each later
// tier holds the tasks whose dependencies all sit in earlier tiers.
package scheduler

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/document"
)

// Scheduler builds execution plans.
type Scheduler struct {
	logger *zap.Logger
}

// New creates a Scheduler. A nil logger disables logging.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger.With(zap.String("component", "scheduler"))}
}

// Plan tiers the document with Kahn's algorithm. Dependencies that resolve
// through external refs are treated as already satisfied. Within a tier,
// tasks keep document order.
func (s *Scheduler) Plan(doc *document.Document) (*ExecutionPlan, error) {
	position := make(map[string]int, len(doc.Tasks))
	for i, t := range doc.Tasks {
		if _, dup := position[t.ID]; dup {
			return nil, &SchedulingError{Reason: fmt.Sprintf("duplicate task id %q", t.ID)}
		}
		position[t.ID] = i
	}

	inDegree := make(map[string]int, len(doc.Tasks))
	dependents := make(map[string][]string, len(doc.Tasks))
	var external []string
	seenExternal := make(map[string]bool)
	for _, t := range doc.Tasks {
		inDegree[t.ID] = 0
		for _, dep := range t.AllDependencies() {
			if _, ok := position[dep]; ok {
				inDegree[t.ID]++
				dependents[dep] = append(dependents[dep], t.ID)
				continue
			}
			if doc.IsExternal(dep) {
				if !seenExternal[dep] {
					seenExternal[dep] = true
					external = append(external, dep)
				}
				continue
			}
			return nil, &SchedulingError{Reason: fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep)}
		}
	}

	byPosition := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return position[ids[i]] < position[ids[j]] })
	}

	var current []string
	for _, t := range doc.Tasks {
		if inDegree[t.ID] == 0 {
			current = append(current, t.ID)
		}
	}

	plan := &ExecutionPlan{Title: doc.Title(), External: external}
	scheduled := 0
	for len(current) > 0 {
		plan.Tiers = append(plan.Tiers, Tier{Index: len(plan.Tiers), TaskIDs: current})
		scheduled += len(current)

		var next []string
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		byPosition(next)
		current = next
	}

	if scheduled < len(doc.Tasks) {
		var remaining []string
		for _, t := range doc.Tasks {
			if inDegree[t.ID] > 0 {
				remaining = append(remaining, t.ID)
			}
		}
		return nil, &SchedulingError{Reason: "dependency cycle", Remaining: remaining}
	}

	for _, t := range doc.Tasks {
		if t.Status == document.TaskStatusBlocked {
			plan.Blocked = append(plan.Blocked, t.ID)
		}
		if t.Human == nil {
			continue
		}
		tier, _ := plan.TierOf(t.ID)
		plan.Checkpoints = append(plan.Checkpoints, CheckpointAnnotation{
			TaskID:       t.ID,
			Action:       t.Human.Action,
			Tier:         tier,
			NotifyTarget: t.Human.NotifyTarget(),
			Timeout:      t.Human.Timeout,
			OnTimeout:    t.Human.OnTimeout,
		})
	}

	s.logger.Debug("plan computed",
		zap.String("title", plan.Title),
		zap.Int("tasks", scheduled),
		zap.Int("tiers", len(plan.Tiers)),
		zap.Int("max_parallelism", plan.MaxParallelism()))
	return plan, nil
}
