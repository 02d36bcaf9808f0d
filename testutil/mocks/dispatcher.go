// Package mocks provides scripted collaborators for executor tests.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/hitl"
)

// ErrMockAcknowledger is reported for checkpoints scripted to error.
var ErrMockAcknowledger = errors.New("mock acknowledger failure")

type taskScript struct {
	err       error
	submitErr error
	pollErr   error
	hang      bool
	noResult  bool
	files     []dispatch.FileChange
	delay     time.Duration
}

// Dispatcher is a dispatch.Dispatcher whose per-task behaviour is scripted.
// Unscripted tasks succeed immediately.
type Dispatcher struct {
	tracker *dispatch.Tracker

	mu        sync.Mutex
	scripts   map[string]*taskScript
	submitted []string
	cancelled []string
	running   int
	peak      int
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{tracker: dispatch.NewTracker(), scripts: make(map[string]*taskScript)}
}

func (d *Dispatcher) script(taskID string) *taskScript {
	s, ok := d.scripts[taskID]
	if !ok {
		s = &taskScript{}
		d.scripts[taskID] = s
	}
	return s
}

// Fail makes taskID finish with a failed status.
func (d *Dispatcher) Fail(taskID string, err error) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script(taskID).err = err
	return d
}

// RejectSubmit makes Submit return err for taskID.
func (d *Dispatcher) RejectSubmit(taskID string, err error) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script(taskID).submitErr = err
	return d
}

// FailPoll makes Poll return err for taskID once it is done.
func (d *Dispatcher) FailPoll(taskID string, err error) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script(taskID).pollErr = err
	return d
}

// Hang keeps taskID running until it is cancelled.
func (d *Dispatcher) Hang(taskID string) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script(taskID).hang = true
	return d
}

// Delay holds taskID running for delay before it finishes.
func (d *Dispatcher) Delay(taskID string, delay time.Duration) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script(taskID).delay = delay
	return d
}

// NoResult makes taskID succeed without a result payload.
func (d *Dispatcher) NoResult(taskID string) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script(taskID).noResult = true
	return d
}

// Produce makes taskID report files on success.
func (d *Dispatcher) Produce(taskID string, files ...dispatch.FileChange) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.script(taskID)
	s.files = append(s.files, files...)
	return d
}

// Submit implements dispatch.Dispatcher.
func (d *Dispatcher) Submit(ctx context.Context, task *document.Task) (dispatch.Handle, error) {
	d.mu.Lock()
	s := *d.script(task.ID)
	d.submitted = append(d.submitted, task.ID)
	if s.submitErr != nil {
		d.mu.Unlock()
		return nil, s.submitErr
	}
	d.running++
	if d.running > d.peak {
		d.peak = d.running
	}
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	h := d.tracker.Register(task.ID, cancel)
	d.tracker.SetRunning(h.ID())

	go func() {
		defer cancel()
		started := time.Now()
		if s.hang {
			<-runCtx.Done()
		} else if s.delay > 0 {
			select {
			case <-time.After(s.delay):
			case <-runCtx.Done():
			}
		}
		res := &dispatch.Result{TaskID: task.ID, StartedAt: started, FinishedAt: time.Now(), Attempts: 1}
		// release the slot before the handle reports done
		d.mu.Lock()
		d.running--
		d.mu.Unlock()
		switch {
		case runCtx.Err() != nil:
			res.Error = "cancelled"
			d.tracker.Complete(h.ID(), dispatch.StatusCancelled, res)
		case s.err != nil:
			res.Error, res.ExitCode = s.err.Error(), 1
			d.tracker.Complete(h.ID(), dispatch.StatusFailed, res)
		case s.noResult:
			d.tracker.Complete(h.ID(), dispatch.StatusSucceeded, nil)
		default:
			res.Output = "ok " + task.ID
			res.Files = append([]dispatch.FileChange(nil), s.files...)
			d.tracker.Complete(h.ID(), dispatch.StatusSucceeded, res)
		}
	}()
	return h, nil
}

// Poll implements dispatch.Dispatcher.
func (d *Dispatcher) Poll(_ context.Context, h dispatch.Handle) (dispatch.Status, *dispatch.Result, error) {
	d.mu.Lock()
	pollErr := d.script(h.TaskID()).pollErr
	d.mu.Unlock()
	if pollErr != nil {
		return "", nil, pollErr
	}
	return d.tracker.Poll(h)
}

// Cancel implements dispatch.Dispatcher.
func (d *Dispatcher) Cancel(_ context.Context, h dispatch.Handle) error {
	d.mu.Lock()
	d.cancelled = append(d.cancelled, h.TaskID())
	d.mu.Unlock()
	return d.tracker.Cancel(h)
}

// Submitted returns the submitted task ids in submission order.
func (d *Dispatcher) Submitted() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.submitted...)
}

// Cancelled returns the task ids Cancel was called for.
func (d *Dispatcher) Cancelled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.cancelled...)
}

// PeakConcurrency is the largest number of tasks running at once.
func (d *Dispatcher) PeakConcurrency() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peak
}

// WasSubmitted reports whether taskID was ever submitted.
func (d *Dispatcher) WasSubmitted(taskID string) bool {
	for _, id := range d.Submitted() {
		if id == taskID {
			return true
		}
	}
	return false
}

// Acknowledger answers checkpoint waits from a script. Unscripted tasks are
// acknowledged immediately.
type Acknowledger struct {
	mu       sync.Mutex
	outcomes map[string]hitl.AckOutcome
	blocking map[string]bool
	failing  map[string]bool
	calls    []string
}

// NewAcknowledger creates an Acknowledger.
func NewAcknowledger() *Acknowledger {
	return &Acknowledger{
		outcomes: make(map[string]hitl.AckOutcome),
		blocking: make(map[string]bool),
		failing:  make(map[string]bool),
	}
}

// TimeOut makes the wait for taskID time out.
func (a *Acknowledger) TimeOut(taskID string) *Acknowledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[taskID] = hitl.TimedOut
	return a
}

// Block makes the wait for taskID last until its context is cancelled.
func (a *Acknowledger) Block(taskID string) *Acknowledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocking[taskID] = true
	return a
}

// Error makes the wait for taskID return ErrMockAcknowledger.
func (a *Acknowledger) Error(taskID string) *Acknowledger {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failing[taskID] = true
	return a
}

// AwaitAcknowledgment implements the executor's acknowledgment channel.
func (a *Acknowledger) AwaitAcknowledgment(ctx context.Context, taskID string, cp *document.HumanCheckpoint, timeout time.Duration) (hitl.AckOutcome, error) {
	a.mu.Lock()
	a.calls = append(a.calls, taskID)
	outcome, scripted := a.outcomes[taskID]
	block, fail := a.blocking[taskID], a.failing[taskID]
	a.mu.Unlock()

	switch {
	case fail:
		return "", fmt.Errorf("%w: %s", ErrMockAcknowledger, taskID)
	case block:
		<-ctx.Done()
		return "", ctx.Err()
	case scripted:
		return outcome, nil
	}
	return hitl.Acknowledged, nil
}

// Calls returns the task ids waited on, in call order.
func (a *Acknowledger) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}
