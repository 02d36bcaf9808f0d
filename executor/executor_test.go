package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zeroechelon/blueprint/aggregator"
	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/hitl"
	"github.com/zeroechelon/blueprint/testutil"
	"github.com/zeroechelon/blueprint/testutil/fixtures"
	"github.com/zeroechelon/blueprint/testutil/mocks"
)

type countingRecorder struct {
	mu         sync.Mutex
	outcomes   []string
	dispatched int
	returned   int
	finished   map[string]int
	checkpoint map[string]int
	conflicts  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{finished: make(map[string]int), checkpoint: make(map[string]int)}
}

func (r *countingRecorder) RunFinished(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *countingRecorder) TaskDispatched() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched++
}

func (r *countingRecorder) TaskReturned() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.returned++
}

func (r *countingRecorder) TaskFinished(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[status]++
}

func (r *countingRecorder) CheckpointResolved(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoint[outcome]++
}

func (r *countingRecorder) ConflictsDetected(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts += n
}

func skippedBy(rep *Report) map[string]string {
	out := make(map[string]string, len(rep.Skipped))
	for _, s := range rep.Skipped {
		out[s.TaskID] = s.Because
	}
	return out
}

func failedIDs(rep *Report) []string {
	var out []string
	for _, f := range rep.Failed {
		out = append(out, f.TaskID)
	}
	return out
}

func TestRun_DiamondCompletes(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher()
	rec := newCountingRecorder()
	e := New(d, nil, WithRecorder(rec), WithRunIDGenerator(func() string { return "run-1" }))

	rep, err := e.Run(testutil.TestContext(t), fixtures.Diamond(), nil)
	require.NoError(t, err)

	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, OutcomeComplete, rep.Outcome)
	assert.Equal(t, []string{"T1", "T2", "T3", "T4"}, rep.Succeeded)
	assert.Empty(t, rep.Failed)
	assert.Empty(t, rep.Pending)
	assert.Len(t, rep.Merged, 3)
	assert.Equal(t, "ok T4", rep.Tasks["T4"].Result.Output)

	assert.Equal(t, []string{"complete"}, rec.outcomes)
	assert.Equal(t, 4, rec.dispatched)
	assert.Equal(t, 4, rec.returned)
	assert.Equal(t, 4, rec.finished["succeeded"])
}

func TestRun_DependentsRunAfterDependencies(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher().Delay("T2", 20*time.Millisecond)
	_, err := New(d, nil).Run(testutil.TestContext(t), fixtures.Diamond(), nil)
	require.NoError(t, err)

	submitted := d.Submitted()
	require.Len(t, submitted, 4)
	assert.Equal(t, "T1", submitted[0])
	assert.Equal(t, "T4", submitted[3])
}

func TestRun_FailureSkipsHardDependents(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher().Fail("T2", errors.New("compile error"))
	rep, err := New(d, nil).Run(testutil.TestContext(t), fixtures.Diamond(), nil)
	require.NoError(t, err, "task failures are reported, not returned")

	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, []string{"T1", "T3"}, rep.Succeeded)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "T2", rep.Failed[0].TaskID)
	assert.Contains(t, rep.Failed[0].Reason, "compile error")
	assert.Contains(t, rep.Failed[0].Reason, "exit code 1")
	assert.Equal(t, map[string]string{"T4": "T2"}, skippedBy(rep))
	assert.False(t, d.WasSubmitted("T4"))
}

func TestRun_SkipNamesRootAncestor(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(rt, "n")
		k := rapid.IntRange(1, n).Draw(rt, "k")
		failing := fmt.Sprintf("C%d", k)

		d := mocks.NewDispatcher().Fail(failing, errors.New("boom"))
		rep, err := New(d, nil).Run(context.Background(), fixtures.Chain(n), nil)
		if err != nil {
			rt.Fatalf("run: %v", err)
		}
		if len(rep.Succeeded) != k-1 {
			rt.Fatalf("succeeded %v, want %d tasks", rep.Succeeded, k-1)
		}
		if ids := failedIDs(rep); len(ids) != 1 || ids[0] != failing {
			rt.Fatalf("failed %v, want [%s]", ids, failing)
		}
		if len(rep.Skipped) != n-k {
			rt.Fatalf("skipped %d tasks, want %d", len(rep.Skipped), n-k)
		}
		for _, s := range rep.Skipped {
			if s.Because != failing {
				rt.Fatalf("%s skipped because of %q, want %q", s.TaskID, s.Because, failing)
			}
		}
	})
}

func TestRun_SoftDependencyOnlyOrders(t *testing.T) {
	t.Parallel()

	t2 := fixtures.Task("T2")
	t2.SoftDependencies = []string{"T1"}
	doc := fixtures.Document(fixtures.Task("T1"), t2, fixtures.Task("T3", "T1"))

	d := mocks.NewDispatcher().Fail("T1", errors.New("flaky"))
	rep, err := New(d, nil).Run(testutil.TestContext(t), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"T2"}, rep.Succeeded)
	assert.Equal(t, map[string]string{"T3": "T1"}, skippedBy(rep))
	assert.Equal(t, []string{"T1", "T2"}, d.Submitted())
}

func TestRun_ExternalDependencyIsSatisfied(t *testing.T) {
	t.Parallel()

	doc := fixtures.Document(fixtures.Task("T1", "EXT-1"))
	doc.External = map[string]string{"EXT-1": "infra.md"}

	rep, err := New(mocks.NewDispatcher(), nil).Run(testutil.TestContext(t), doc, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, rep.Succeeded)
}

func TestRun_CheckpointAcknowledged(t *testing.T) {
	t.Parallel()

	doc := fixtures.Chain(3)
	fixtures.WithCheckpoint(doc.Tasks[1], time.Minute, document.TimeoutAbort)

	var mu sync.Mutex
	var events []Event
	observer := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	}

	ack := mocks.NewAcknowledger()
	rec := newCountingRecorder()
	rep, err := New(mocks.NewDispatcher(), ack, WithObserver(observer), WithRecorder(rec)).
		Run(testutil.TestContext(t), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, rep.Outcome)
	assert.Equal(t, []string{"C2"}, ack.Calls())
	assert.Equal(t, 1, rec.checkpoint["acknowledged"])

	var c2 []RunStatus
	for _, ev := range events {
		if ev.TaskID == "C2" {
			c2 = append(c2, ev.To)
		}
	}
	assert.Equal(t, []RunStatus{StatusReady, StatusAwaitingHuman, StatusDispatched, StatusSucceeded}, c2)
}

func TestRun_CheckpointPreAcknowledged(t *testing.T) {
	t.Parallel()

	doc := fixtures.Chain(2)
	fixtures.WithCheckpoint(doc.Tasks[0], time.Minute, document.TimeoutAbort)

	ack := mocks.NewAcknowledger().TimeOut("C1")
	rep, err := New(mocks.NewDispatcher(), ack, WithPreAcknowledged("C1")).
		Run(testutil.TestContext(t), doc, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, rep.Outcome)
	assert.Empty(t, ack.Calls())
}

func TestRun_CheckpointTimeoutPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    document.TimeoutPolicy
		wantErr   bool
		outcome   Outcome
		succeeded []string
		failed    []string
		skipped   map[string]string
	}{
		{
			name:      "skip",
			policy:    document.TimeoutSkip,
			outcome:   OutcomePartial,
			succeeded: []string{"C1"},
			skipped:   map[string]string{"C2": "", "C3": "C2"},
		},
		{
			name:      "continue",
			policy:    document.TimeoutContinue,
			outcome:   OutcomeComplete,
			succeeded: []string{"C1", "C2", "C3"},
			skipped:   map[string]string{},
		},
		{
			name:      "abort",
			policy:    document.TimeoutAbort,
			wantErr:   true,
			outcome:   OutcomeFailed,
			succeeded: []string{"C1"},
			failed:    []string{"C2"},
			skipped:   map[string]string{"C3": "C2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			doc := fixtures.Chain(3)
			fixtures.WithCheckpoint(doc.Tasks[1], time.Minute, tt.policy)
			d := mocks.NewDispatcher()
			ack := mocks.NewAcknowledger().TimeOut("C2")

			rep, err := New(d, ack).Run(testutil.TestContext(t), doc, nil)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrRunAborted)
				assert.Contains(t, rep.AbortCause, "not acknowledged within 1m0s")
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.outcome, rep.Outcome)
			assert.Equal(t, tt.succeeded, rep.Succeeded)
			assert.Equal(t, tt.failed, failedIDs(rep))
			assert.Equal(t, tt.skipped, skippedBy(rep))
			assert.Equal(t, tt.policy == document.TimeoutContinue, d.WasSubmitted("C2"))
		})
	}
}

func TestRun_CheckpointWithoutAcknowledgerUsesOnMissing(t *testing.T) {
	t.Parallel()

	doc := fixtures.Chain(2)
	fixtures.WithCheckpoint(doc.Tasks[0], time.Minute, document.TimeoutContinue)
	doc.Tasks[0].Human.OnMissing = document.TimeoutSkip

	rep, err := New(mocks.NewDispatcher(), nil).Run(testutil.TestContext(t), doc, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, rep.Outcome)
	assert.Equal(t, map[string]string{"C1": "", "C2": "C1"}, skippedBy(rep))
}

func TestRun_AcknowledgerErrorUsesOnMissing(t *testing.T) {
	t.Parallel()

	doc := fixtures.Chain(2)
	fixtures.WithCheckpoint(doc.Tasks[0], time.Minute, document.TimeoutContinue)

	ack := mocks.NewAcknowledger().Error("C1")
	rep, err := New(mocks.NewDispatcher(), ack).Run(testutil.TestContext(t), doc, nil)
	require.ErrorIs(t, err, ErrRunAborted)
	assert.Equal(t, []string{"C1"}, failedIDs(rep))
	assert.Contains(t, rep.Failed[0].Reason, "acknowledgment channel")
}

func TestRun_AwaitingHumanDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()

	gate := fixtures.WithCheckpoint(fixtures.Task("G"), 0, document.TimeoutSkip)
	doc := fixtures.Document(gate, fixtures.Task("A"), fixtures.Task("B", "A"))

	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	ack := mocks.NewAcknowledger().Block("G")
	d := mocks.NewDispatcher()

	var bDone atomic.Bool
	observer := func(ev Event) {
		if ev.TaskID == "B" && ev.To == StatusSucceeded {
			bDone.Store(true)
		}
	}

	done := make(chan *Report, 1)
	go func() {
		rep, _ := New(d, ack, WithMaxConcurrency(1), WithObserver(observer)).Run(ctx, doc, nil)
		done <- rep
	}()

	testutil.AssertEventuallyTrue(t, bDone.Load, 5*time.Second)
	cancel()

	rep := <-done
	assert.Equal(t, []string{"A", "B"}, rep.Succeeded)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "G", rep.Failed[0].TaskID)
	assert.True(t, rep.Failed[0].Cancelled)
}

func TestRun_ConcurrentRunsShareCheckpointManager(t *testing.T) {
	t.Parallel()

	m := hitl.NewManager(nil, nil)
	var seq atomic.Int32
	e := New(mocks.NewDispatcher(), m, WithRunIDGenerator(func() string {
		return fmt.Sprintf("run-%d", seq.Add(1))
	}))

	reports := make(chan *Report, 2)
	for range 2 {
		go func() {
			gate := fixtures.WithCheckpoint(fixtures.Task("C"), time.Minute, document.TimeoutAbort)
			rep, err := e.Run(testutil.TestContext(t), fixtures.Document(gate, fixtures.Task("D", "C")), nil)
			assert.NoError(t, err)
			reports <- rep
		}()
	}

	testutil.AssertEventuallyTrue(t, func() bool { return len(m.Pending()) == 2 }, 5*time.Second)
	for _, req := range m.Pending() {
		assert.Equal(t, "C", req.TaskID)
		require.NoError(t, m.AcknowledgeRun(req.RunID, "C", hitl.Acknowledgment{By: "ops"}))
	}

	runs := map[string]bool{}
	for range 2 {
		rep := <-reports
		assert.Equal(t, OutcomeComplete, rep.Outcome)
		assert.Equal(t, []string{"C", "D"}, rep.Succeeded)
		runs[rep.RunID] = true
	}
	assert.Len(t, runs, 2)
}

func TestRun_MaxConcurrency(t *testing.T) {
	t.Parallel()

	var tasks []*document.Task
	d := mocks.NewDispatcher()
	for i := range 6 {
		id := fmt.Sprintf("P%d", i)
		tasks = append(tasks, fixtures.Task(id))
		d.Delay(id, 20*time.Millisecond)
	}

	rep, err := New(d, nil, WithMaxConcurrency(2)).Run(testutil.TestContext(t), fixtures.Document(tasks...), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, rep.Outcome)
	assert.LessOrEqual(t, d.PeakConcurrency(), 2)
	assert.Len(t, d.Submitted(), 6)
}

func TestRun_FailFastCancelsInFlight(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher().
		Delay("T2", 20*time.Millisecond).
		Fail("T2", errors.New("broken")).
		Hang("T3")

	rep, err := New(d, nil, WithFailFast(true)).Run(testutil.TestContext(t), fixtures.Diamond(), nil)
	require.ErrorIs(t, err, ErrRunAborted)

	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, []string{"T1"}, rep.Succeeded)
	assert.ElementsMatch(t, []string{"T2", "T3"}, failedIDs(rep))
	assert.Equal(t, []string{"T3"}, rep.Cancelled)
	assert.Equal(t, []string{"T3"}, d.Cancelled())
	assert.Equal(t, map[string]string{"T4": "T2"}, skippedBy(rep))
}

func TestRun_ContextCancelLeavesPending(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher().Hang("C1")
	ctx, cancel := context.WithCancel(testutil.TestContext(t))

	type outcome struct {
		rep *Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := New(d, nil).Run(ctx, fixtures.Chain(3), nil)
		done <- outcome{rep, err}
	}()

	testutil.AssertEventuallyTrue(t, func() bool { return d.WasSubmitted("C1") }, 5*time.Second)
	cancel()

	out := <-done
	require.ErrorIs(t, out.err, ErrRunAborted)
	require.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, OutcomeFailed, out.rep.Outcome)
	assert.Equal(t, []string{"C1"}, out.rep.Cancelled)
	assert.Equal(t, []string{"C2", "C3"}, out.rep.Pending)
	assert.Equal(t, []string{"C1"}, d.Cancelled())
	assert.Contains(t, out.rep.Summary(), "pending: C2, C3")
}

func TestRun_MissingResultFailsLoud(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher().NoResult("C1")
	rep, err := New(d, nil).Run(testutil.TestContext(t), fixtures.Chain(2), nil)
	require.NoError(t, err)

	require.Len(t, rep.Failed, 1)
	assert.Equal(t, "C1", rep.Failed[0].TaskID)
	assert.Contains(t, rep.Failed[0].Reason, "no result payload")
	assert.Equal(t, map[string]string{"C2": "C1"}, skippedBy(rep))
}

func TestRun_SubmitAndPollErrorsFailTask(t *testing.T) {
	t.Parallel()

	doc := fixtures.Document(fixtures.Task("A"), fixtures.Task("B"))
	d := mocks.NewDispatcher().
		RejectSubmit("A", errors.New("queue full")).
		FailPoll("B", errors.New("connection reset"))

	rep, err := New(d, nil).Run(testutil.TestContext(t), doc, nil)
	require.NoError(t, err)

	reasons := make(map[string]string)
	for _, f := range rep.Failed {
		reasons[f.TaskID] = f.Reason
	}
	assert.Contains(t, reasons["A"], "queue full")
	assert.Contains(t, reasons["B"], "connection reset")
}

func TestRun_ReportsTierConflicts(t *testing.T) {
	t.Parallel()

	d := mocks.NewDispatcher().
		Produce("T3", dispatch.FileChange{Path: "api.go", Fingerprint: "sha256:b"}).
		Produce("T2", dispatch.FileChange{Path: "api.go", Fingerprint: "sha256:a"})
	rec := newCountingRecorder()

	rep, err := New(d, nil, WithRecorder(rec)).Run(testutil.TestContext(t), fixtures.Diamond(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeComplete, rep.Outcome, "conflicts do not fail the run")
	require.Len(t, rep.Conflicts, 1)
	c := rep.Conflicts[0]
	assert.Equal(t, "api.go", c.Path)
	assert.Equal(t, []string{"T2", "T3"}, c.TaskIDs)
	assert.Equal(t, "T2", c.Resolution)
	assert.Equal(t, aggregator.StrategyFirst, c.Strategy)
	assert.Equal(t, 1, rec.conflicts)
	assert.Contains(t, rep.Summary(), "conflicts: 1")
}

func TestRun_PreflightRejects(t *testing.T) {
	t.Parallel()

	t.Run("cycle", func(t *testing.T) {
		t.Parallel()
		doc := fixtures.Document(fixtures.Task("A", "B"), fixtures.Task("B", "A"))
		d := mocks.NewDispatcher()
		_, err := New(d, nil).Run(testutil.TestContext(t), doc, nil)
		require.ErrorIs(t, err, ErrNotExecutable)
		assert.Empty(t, d.Submitted())
	})

	t.Run("interface warnings", func(t *testing.T) {
		t.Parallel()
		a := fixtures.Task("A")
		a.Interface.Output = "PostgreSQL schema"
		b := fixtures.Task("B", "A")
		b.Interface.Input = "a REST endpoint!"

		_, err := New(mocks.NewDispatcher(), nil).Run(testutil.TestContext(t), fixtures.Document(a, b), nil)
		require.ErrorIs(t, err, ErrUnacknowledgedWarnings)

		rep, err := New(mocks.NewDispatcher(), nil, WithAcknowledgedWarnings(true)).
			Run(testutil.TestContext(t), fixtures.Document(a, b), nil)
		require.NoError(t, err)
		assert.Equal(t, OutcomeComplete, rep.Outcome)
	})
}

func TestRun_ConcurrentRunsAreIndependent(t *testing.T) {
	t.Parallel()

	e := New(mocks.NewDispatcher(), nil)
	ctx := testutil.TestContext(t)

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := e.Run(ctx, fixtures.Chain(3), nil)
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, rep := range reports {
		require.NotNil(t, rep)
		assert.Equal(t, OutcomeComplete, rep.Outcome)
		assert.False(t, seen[rep.RunID])
		seen[rep.RunID] = true
	}
}
