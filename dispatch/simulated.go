package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/document"
)

// Simulated pretends to run tasks. Every task succeeds after an optional
// delay unless a failure was scripted with Fail. It backs dry runs and tests.
type Simulated struct {
	tracker  *Tracker
	delay    time.Duration
	logger   *zap.Logger
	mu       sync.Mutex
	failures map[string]string
	files    map[string][]FileChange
}

// NewSimulated creates a Simulated dispatcher.
func NewSimulated(delay time.Duration, logger *zap.Logger) *Simulated {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulated{
		tracker:  NewTracker(),
		delay:    delay,
		logger:   logger.With(zap.String("component", "dispatch.simulated")),
		failures: make(map[string]string),
		files:    make(map[string][]FileChange),
	}
}

// Fail scripts taskID to fail with message.
func (s *Simulated) Fail(taskID, message string) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[taskID] = message
	return s
}

// Produce scripts the files taskID reports on success.
func (s *Simulated) Produce(taskID string, files ...FileChange) *Simulated {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[taskID] = append(s.files[taskID], files...)
	return s
}

// Submit implements Dispatcher.
func (s *Simulated) Submit(ctx context.Context, task *document.Task) (Handle, error) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := s.tracker.Register(task.ID, cancel)

	s.mu.Lock()
	failure, failing := s.failures[task.ID]
	files := append([]FileChange(nil), s.files[task.ID]...)
	s.mu.Unlock()

	go func() {
		defer cancel()
		started := time.Now()
		s.tracker.SetRunning(h.ID())

		if s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-runCtx.Done():
				timer.Stop()
				s.tracker.Complete(h.ID(), StatusCancelled, &Result{
					TaskID: task.ID, Error: "cancelled", StartedAt: started, FinishedAt: time.Now(),
				})
				return
			}
		}

		res := &Result{TaskID: task.ID, StartedAt: started, FinishedAt: time.Now(), Attempts: 1}
		if failing {
			res.Error = failure
			res.ExitCode = 1
			s.tracker.Complete(h.ID(), StatusFailed, res)
			return
		}
		res.Output = fmt.Sprintf("[dry-run] would run: %s", task.TestCommand)
		res.Files = files
		s.tracker.Complete(h.ID(), StatusSucceeded, res)
	}()

	s.logger.Debug("task submitted", zap.String("task_id", task.ID), zap.String("handle", h.ID()))
	return h, nil
}

// Poll implements Dispatcher.
func (s *Simulated) Poll(_ context.Context, h Handle) (Status, *Result, error) {
	return s.tracker.Poll(h)
}

// Cancel implements Dispatcher.
func (s *Simulated) Cancel(_ context.Context, h Handle) error {
	return s.tracker.Cancel(h)
}
