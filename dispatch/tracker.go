package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type handle struct {
	id     string
	taskID string
	done   chan struct{}
}

func (h *handle) ID() string { return h.id }

func (h *handle) TaskID() string { return h.taskID }

func (h *handle) Done() <-chan struct{} { return h.done }

type entry struct {
	handle *handle
	status Status
	result *Result
	cancel context.CancelFunc
}

// Tracker is the bookkeeping shared by Dispatcher implementations: it issues
// handles, records status transitions and closes Done exactly once.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string]*entry)}
}

// Register issues a pending handle for taskID. cancel, when non-nil, is
// invoked by Cancel.
func (t *Tracker) Register(taskID string, cancel context.CancelFunc) Handle {
	return t.RegisterWithID(uuid.NewString(), taskID, cancel)
}

// RegisterWithID is Register with a caller-chosen handle id.
func (t *Tracker) RegisterWithID(id, taskID string, cancel context.CancelFunc) Handle {
	h := &handle{id: id, taskID: taskID, done: make(chan struct{})}
	t.mu.Lock()
	t.entries[id] = &entry{handle: h, status: StatusPending, cancel: cancel}
	t.mu.Unlock()
	return h
}

// SetRunning marks a pending submission as running.
func (t *Tracker) SetRunning(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok && e.status == StatusPending {
		e.status = StatusRunning
	}
}

// Complete records a terminal status. It returns false if the handle is
// unknown or already terminal; the first terminal status wins.
func (t *Tracker) Complete(id string, status Status, res *Result) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.status.Terminal() {
		return false
	}
	e.status = status
	e.result = res
	close(e.handle.done)
	return true
}

// Poll returns the status and result of a handle. A terminal status is
// delivered once: the entry is released and later calls report
// ErrUnknownHandle.
func (t *Tracker) Poll(h Handle) (Status, *Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h.ID()]
	if !ok {
		return "", nil, ErrUnknownHandle
	}
	if e.status.Terminal() {
		delete(t.entries, h.ID())
	}
	return e.status, e.result, nil
}

// Len returns the number of handles still held.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Cancel invokes the submission's cancel func. The worker is expected to
// report the terminal status itself; Cancel only forces it when the
// submission never started.
func (t *Tracker) Cancel(h Handle) error {
	t.mu.Lock()
	e, ok := t.entries[h.ID()]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownHandle
	}
	cancel, status := e.cancel, e.status
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if status == StatusPending {
		t.Complete(h.ID(), StatusCancelled, &Result{TaskID: h.TaskID(), Error: "cancelled before start"})
	}
	return nil
}

// TaskID returns the task of a handle id.
func (t *Tracker) TaskID(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return e.handle.taskID, true
}

// Forget drops a terminal handle. Non-terminal handles are kept.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok && e.status.Terminal() {
		delete(t.entries, id)
	}
}

// Outstanding returns the ids of non-terminal handles.
func (t *Tracker) Outstanding() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, e := range t.entries {
		if !e.status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}
