package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/blueprint/document"
)

func waitDone(t *testing.T, h Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %s never finished", h.ID())
	}
}

func TestSimulated_SucceedsAndFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := NewSimulated(0, nil).
		Fail("B", "scripted failure").
		Produce("A", FileChange{Path: "a.txt", Fingerprint: "abc"})

	ha, err := sim.Submit(ctx, &document.Task{ID: "A", TestCommand: "make a"})
	require.NoError(t, err)
	hb, err := sim.Submit(ctx, &document.Task{ID: "B"})
	require.NoError(t, err)
	assert.NotEqual(t, ha.ID(), hb.ID())
	assert.Equal(t, "A", ha.TaskID())

	waitDone(t, ha)
	status, res, err := sim.Poll(ctx, ha)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
	assert.Contains(t, res.Output, "make a")
	fp, ok := res.Fingerprint("a.txt")
	assert.True(t, ok)
	assert.Equal(t, "abc", fp)

	waitDone(t, hb)
	status, res, err = sim.Poll(ctx, hb)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
	assert.Equal(t, "scripted failure", res.Error)
}

func TestSimulated_Cancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sim := NewSimulated(time.Hour, nil)
	h, err := sim.Submit(ctx, &document.Task{ID: "slow"})
	require.NoError(t, err)

	require.NoError(t, sim.Cancel(ctx, h))
	waitDone(t, h)
	status, _, err := sim.Poll(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	require.NoError(t, sim.Cancel(ctx, h), "cancel is idempotent")
}

func TestTracker(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	cancelled := false
	h := tr.Register("T", func() { cancelled = true })

	status, res, err := tr.Poll(h)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)
	assert.Nil(t, res)
	assert.Equal(t, []string{h.ID()}, tr.Outstanding())

	tr.SetRunning(h.ID())
	status, _, _ = tr.Poll(h)
	assert.Equal(t, StatusRunning, status)

	assert.True(t, tr.Complete(h.ID(), StatusSucceeded, &Result{TaskID: "T"}))
	assert.False(t, tr.Complete(h.ID(), StatusFailed, nil), "first terminal status wins")

	require.NoError(t, tr.Cancel(h))
	assert.True(t, cancelled)

	taskID, ok := tr.TaskID(h.ID())
	assert.True(t, ok)
	assert.Equal(t, "T", taskID)

	status, res, err = tr.Poll(h)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
	assert.Equal(t, "T", res.TaskID)

	_, _, err = tr.Poll(h)
	assert.ErrorIs(t, err, ErrUnknownHandle, "terminal result is delivered once")
	assert.ErrorIs(t, tr.Cancel(h), ErrUnknownHandle)
	assert.Zero(t, tr.Len())
}

func TestTracker_Forget(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	running := tr.Register("R", nil)
	done := tr.Register("D", nil)
	tr.Complete(done.ID(), StatusFailed, &Result{TaskID: "D"})

	tr.Forget(running.ID())
	tr.Forget(done.ID())
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, []string{running.ID()}, tr.Outstanding())

	_, _, err := tr.Poll(done)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestResult_Helpers(t *testing.T) {
	t.Parallel()

	var nilResult *Result
	assert.Zero(t, nilResult.Duration())
	_, ok := nilResult.Fingerprint("x")
	assert.False(t, ok)

	start := time.Now()
	r := &Result{StartedAt: start, FinishedAt: start.Add(time.Second), Files: []FileChange{{Path: "x"}}}
	assert.Equal(t, time.Second, r.Duration())
	_, ok = r.Fingerprint("x")
	assert.False(t, ok, "empty fingerprint is not reported")

	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
