// Package hitl implements the human acknowledgment channel for task
// checkpoints.
//
// A checkpoint wait is a race between an external acknowledgment and a timer:
// AwaitAcknowledgment notifies the configured channel, then blocks until
// the wait is acknowledged or the timeout fires, or until the context is
// cancelled. Waits are keyed by the run id carried on the context plus the
// task id, so runs sharing a Manager do not collide. Requests are persisted through a Store so pending checkpoints
// can be listed and inspected.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/internal/ctxkeys"
)

// AckOutcome is how a checkpoint wait ended.
type AckOutcome string

const (
	Acknowledged AckOutcome = "acknowledged"
	TimedOut     AckOutcome = "timed_out"
)

// Status is the lifecycle status of a Request.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusTimedOut     Status = "timed_out"
	StatusCancelled    Status = "cancelled"
)

// ErrNotPending is returned when acknowledging a task that has no
// outstanding checkpoint.
var ErrNotPending = errors.New("hitl: no pending checkpoint")

// ErrAmbiguous is returned when a task id is pending in several runs and
// the acknowledgment names none of them.
var ErrAmbiguous = errors.New("hitl: checkpoint pending in several runs")

// Request is one checkpoint wait.
type Request struct {
	ID             string                 `json:"id"`
	RunID          string                 `json:"run_id,omitempty"`
	TaskID         string                 `json:"task_id"`
	Action         string                 `json:"action"`
	Reason         string                 `json:"reason,omitempty"`
	Channel        document.NotifyChannel `json:"channel"`
	Target         string                 `json:"target"`
	Timeout        time.Duration          `json:"timeout"`
	Status         Status                 `json:"status"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	Comment        string                 `json:"comment,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`

	checkpoint *document.HumanCheckpoint
}

// Checkpoint returns the checkpoint the request was created for.
func (r *Request) Checkpoint() *document.HumanCheckpoint {
	return r.checkpoint
}

// Acknowledgment carries who approved a checkpoint.
type Acknowledgment struct {
	By      string `json:"by"`
	Comment string `json:"comment,omitempty"`
}

// Manager tracks pending checkpoints and resolves them.
type Manager struct {
	store     Store
	notifiers map[document.NotifyChannel]Notifier
	fallback  Notifier
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[waitKey]*pendingRequest
}

type waitKey struct {
	runID  string
	taskID string
}

type pendingRequest struct {
	request *Request
	ackCh   chan Acknowledgment
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier routes notifications for channel to n.
func WithNotifier(channel document.NotifyChannel, n Notifier) Option {
	return func(m *Manager) {
		m.notifiers[channel] = n
	}
}

// WithFallbackNotifier sets the notifier used for channels without a
// dedicated one. The default logs the request.
func WithFallbackNotifier(n Notifier) Option {
	return func(m *Manager) {
		m.fallback = n
	}
}

// NewManager creates a Manager. A nil store keeps requests in memory.
func NewManager(store Store, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:     store,
		notifiers: make(map[document.NotifyChannel]Notifier),
		logger:    logger.With(zap.String("component", "hitl")),
		pending:   make(map[waitKey]*pendingRequest),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.fallback == nil {
		m.fallback = NewConsoleNotifier(logger)
	}
	return m
}

// AwaitAcknowledgment blocks until taskID is acknowledged or timeout
// elapses. A non-positive timeout waits until ctx is done. Cancellation
// returns ctx.Err(). The wait belongs to the run id on ctx, if any.
func (m *Manager) AwaitAcknowledgment(ctx context.Context, taskID string, cp *document.HumanCheckpoint, timeout time.Duration) (AckOutcome, error) {
	if cp == nil {
		return Acknowledged, nil
	}
	runID, _ := ctxkeys.RunID(ctx)
	key := waitKey{runID: runID, taskID: taskID}
	req := &Request{
		ID:         uuid.NewString(),
		RunID:      runID,
		TaskID:     taskID,
		Action:     cp.Action,
		Reason:     cp.Reason,
		Channel:    cp.Notify.Channel,
		Target:     cp.NotifyTarget(),
		Timeout:    timeout,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
		checkpoint: cp,
	}
	p := &pendingRequest{request: req, ackCh: make(chan Acknowledgment, 1)}

	m.mu.Lock()
	if _, busy := m.pending[key]; busy {
		m.mu.Unlock()
		return "", fmt.Errorf("hitl: task %s is already awaiting acknowledgment", taskID)
	}
	m.pending[key] = p
	m.mu.Unlock()

	if err := m.store.Save(ctx, req); err != nil {
		m.drop(key)
		return "", fmt.Errorf("save checkpoint request: %w", err)
	}

	logger := m.logger.With(zap.String("run_id", runID), zap.String("task_id", taskID), zap.String("request_id", req.ID))
	logger.Info("awaiting acknowledgment",
		zap.String("action", req.Action),
		zap.String("channel", string(req.Channel)),
		zap.Duration("timeout", timeout),
	)
	if err := m.notifierFor(req.Channel).Notify(ctx, req); err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ack := <-p.ackCh:
		m.resolve(req, StatusAcknowledged, &ack)
		logger.Info("checkpoint acknowledged", zap.String("by", ack.By))
		return Acknowledged, nil
	case <-expired:
		m.drop(key)
		// Acknowledge may have won the lock just before the drop.
		select {
		case ack := <-p.ackCh:
			m.resolve(req, StatusAcknowledged, &ack)
			return Acknowledged, nil
		default:
		}
		m.resolve(req, StatusTimedOut, nil)
		logger.Warn("checkpoint timed out")
		return TimedOut, nil
	case <-ctx.Done():
		m.drop(key)
		m.resolve(req, StatusCancelled, nil)
		return "", ctx.Err()
	}
}

// Acknowledge releases the checkpoint wait of taskID. When the task is
// pending in more than one run it fails with ErrAmbiguous; use
// AcknowledgeRun to pick one.
func (m *Manager) Acknowledge(taskID string, ack Acknowledgment) error {
	m.mu.Lock()
	var (
		found waitKey
		n     int
	)
	for key := range m.pending {
		if key.taskID == taskID {
			found = key
			n++
		}
	}
	m.mu.Unlock()
	switch n {
	case 0:
		return fmt.Errorf("%w: %s", ErrNotPending, taskID)
	case 1:
		return m.AcknowledgeRun(found.runID, taskID, ack)
	default:
		return fmt.Errorf("%w: %s is pending in %d runs", ErrAmbiguous, taskID, n)
	}
}

// AcknowledgeRun releases the checkpoint wait of taskID in run runID.
func (m *Manager) AcknowledgeRun(runID, taskID string, ack Acknowledgment) error {
	key := waitKey{runID: runID, taskID: taskID}
	m.mu.Lock()
	p, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !ok {
		if runID != "" {
			return fmt.Errorf("%w: %s in run %s", ErrNotPending, taskID, runID)
		}
		return fmt.Errorf("%w: %s", ErrNotPending, taskID)
	}
	p.ackCh <- ack
	return nil
}

// Pending returns copies of the outstanding requests, oldest first.
func (m *Manager) Pending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Request, 0, len(m.pending))
	for _, p := range m.pending {
		req := *p.request
		out = append(out, &req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) drop(key waitKey) {
	m.mu.Lock()
	delete(m.pending, key)
	m.mu.Unlock()
}

func (m *Manager) resolve(req *Request, status Status, ack *Acknowledgment) {
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	if ack != nil {
		req.AcknowledgedBy = ack.By
		req.Comment = ack.Comment
	}
	if err := m.store.Update(context.Background(), req); err != nil {
		m.logger.Warn("failed to update checkpoint request", zap.String("request_id", req.ID), zap.Error(err))
	}
}

func (m *Manager) notifierFor(channel document.NotifyChannel) Notifier {
	if n, ok := m.notifiers[channel]; ok {
		return n
	}
	return m.fallback
}
