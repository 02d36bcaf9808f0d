// Package aggregator collects task results and merges the files a tier
// produced.
//
// Collect fails loud: a task reported as succeeded whose result or
// artifacts cannot be retrieved is an AggregationFailure, never an empty
// result. Merge detects tier-mates that produced the same path with
// different content and resolves each conflict with a Strategy. Neither
// operation touches executor state.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zeroechelon/blueprint/artifact"
	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
)

// Strategy picks the winning version of a conflicting path.
type Strategy string

const (
	// StrategyFirst keeps the version of the lowest task id.
	StrategyFirst Strategy = "first"
	// StrategyLatest keeps the version that finished last.
	StrategyLatest Strategy = "latest"
)

// ParseStrategy returns the strategy named s, defaulting to first.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyFirst:
		return StrategyFirst, nil
	case StrategyLatest:
		return StrategyLatest, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// AggregationFailure reports a succeeded task whose output could not be
// retrieved.
type AggregationFailure struct {
	TaskID string
	Reason string
	Err    error
}

func (e *AggregationFailure) Error() string {
	msg := fmt.Sprintf("aggregation failed for task %s: %s", e.TaskID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AggregationFailure) Unwrap() error { return e.Err }

// TaskResult pairs a finished task with its collected result.
type TaskResult struct {
	Task   *document.Task
	Result *dispatch.Result
}

// Version is one task's content for a path.
type Version struct {
	TaskID      string `json:"task_id"`
	Fingerprint string `json:"fingerprint"`
}

// Conflict is a path tier-mates produced with different content.
type Conflict struct {
	Tier         int               `json:"tier"`
	Path         string            `json:"path"`
	TaskIDs      []string          `json:"task_ids"`
	Fingerprints map[string]string `json:"fingerprints"`
	Strategy     Strategy          `json:"strategy"`
	// Resolution is the task id whose version was kept
	Resolution string `json:"resolution"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("conflict on %s between %v (kept %s, %s)", c.Path, c.TaskIDs, c.Resolution, c.Strategy)
}

// Merged is the merged file set of one tier.
type Merged struct {
	Tier      int                `json:"tier"`
	Files     map[string]Version `json:"files"`
	Conflicts []Conflict         `json:"conflicts,omitempty"`
}

// Paths returns the merged paths in lexical order.
func (m *Merged) Paths() []string {
	out := make([]string, 0, len(m.Files))
	for p := range m.Files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Aggregator implements Collect and Merge.
type Aggregator struct {
	store       artifact.Store
	strategy    Strategy
	concurrency int
	logger      *zap.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithStrategy sets the conflict resolution strategy.
func WithStrategy(s Strategy) Option {
	return func(a *Aggregator) {
		a.strategy = s
	}
}

// WithConcurrency bounds parallel artifact fetches per task.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// New creates an Aggregator. store may be nil, in which case fingerprints
// the worker did not report stay empty.
func New(store artifact.Store, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		store:       store,
		strategy:    StrategyFirst,
		concurrency: 4,
		logger:      logger.With(zap.String("component", "aggregator")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect returns a copy of result with a fingerprint for every declared
// file target the store holds an artifact for. Targets with no artifact are
// left without a fingerprint. A missing result or a failed retrieval is an
// AggregationFailure.
func (a *Aggregator) Collect(ctx context.Context, runID string, task *document.Task, result *dispatch.Result) (*dispatch.Result, error) {
	if result == nil {
		return nil, &AggregationFailure{TaskID: task.ID, Reason: "no result payload for succeeded task"}
	}
	out := *result
	out.Files = append([]dispatch.FileChange(nil), result.Files...)
	if out.TaskID == "" {
		out.TaskID = task.ID
	}

	reported := make(map[string]int, len(out.Files))
	for i, f := range out.Files {
		reported[f.Path] = i
	}
	var missing []string
	for _, p := range task.FileTargets() {
		i, ok := reported[p]
		if !ok {
			out.Files = append(out.Files, dispatch.FileChange{Path: p})
			i = len(out.Files) - 1
			reported[p] = i
		}
		if out.Files[i].Fingerprint == "" {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 || a.store == nil {
		return &out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, p := range missing {
		g.Go(func() error {
			data, err := a.store.Get(gctx, runID, artifact.Key(task.ID, p))
			if errors.Is(err, artifact.ErrNotFound) {
				return nil
			}
			if err != nil {
				return &AggregationFailure{TaskID: task.ID, Reason: "retrieve artifact " + p, Err: err}
			}
			mu.Lock()
			out.Files[reported[p]].Fingerprint = dispatch.FingerprintBytes(data)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("collect failed", zap.String("run_id", runID), zap.String("task_id", task.ID), zap.Error(err))
		return nil, err
	}
	return &out, nil
}

// Merge combines the results of one tier. A path produced by several tasks
// with different fingerprints is a conflict; versions without a fingerprint
// take no part in conflict detection.
func (a *Aggregator) Merge(tier int, results []TaskResult) *Merged {
	byPath := make(map[string][]candidate)
	for _, tr := range results {
		if tr.Task == nil || tr.Result == nil {
			continue
		}
		seen := make(map[string]bool)
		for _, f := range tr.Result.Files {
			if f.Fingerprint == "" || seen[f.Path] {
				continue
			}
			seen[f.Path] = true
			byPath[f.Path] = append(byPath[f.Path], candidate{
				taskID:      tr.Task.ID,
				fingerprint: f.Fingerprint,
				finished:    tr.Result.FinishedAt.UnixNano(),
			})
		}
	}

	merged := &Merged{Tier: tier, Files: make(map[string]Version, len(byPath))}
	for path, cands := range byPath {
		sort.Slice(cands, func(i, j int) bool { return cands[i].taskID < cands[j].taskID })
		winner := a.pick(cands)
		merged.Files[path] = Version{TaskID: winner.taskID, Fingerprint: winner.fingerprint}

		if !divergent(cands) {
			continue
		}
		c := Conflict{
			Tier:         tier,
			Path:         path,
			Fingerprints: make(map[string]string, len(cands)),
			Strategy:     a.strategy,
			Resolution:   winner.taskID,
		}
		for _, cand := range cands {
			c.TaskIDs = append(c.TaskIDs, cand.taskID)
			c.Fingerprints[cand.taskID] = cand.fingerprint
		}
		merged.Conflicts = append(merged.Conflicts, c)
		a.logger.Warn("file conflict",
			zap.Int("tier", tier),
			zap.String("path", path),
			zap.Strings("task_ids", c.TaskIDs),
			zap.String("kept", winner.taskID),
		)
	}
	sort.Slice(merged.Conflicts, func(i, j int) bool { return merged.Conflicts[i].Path < merged.Conflicts[j].Path })
	return merged
}

type candidate struct {
	taskID      string
	fingerprint string
	finished    int64
}

// pick expects cands sorted by task id.
func (a *Aggregator) pick(cands []candidate) candidate {
	winner := cands[0]
	if a.strategy != StrategyLatest {
		return winner
	}
	for _, c := range cands[1:] {
		if c.finished >= winner.finished {
			winner = c
		}
	}
	return winner
}

func divergent(cands []candidate) bool {
	for _, c := range cands[1:] {
		if c.fingerprint != cands[0].fingerprint {
			return true
		}
	}
	return false
}
