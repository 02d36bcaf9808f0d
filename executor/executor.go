// Package executor runs an execution plan against a dispatcher.
//
// Each Run owns a fresh RunState driven by a single control loop. Ready
// tasks are submitted without blocking; per-handle watchers forward
// completions onto one event channel, and readiness is re-evaluated on
// every terminal event. Tasks with a human checkpoint wait on an
// Acknowledger first. A failed task skips its hard dependents; soft
// dependents only wait for it to finish.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/aggregator"
	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/hitl"
	"github.com/zeroechelon/blueprint/scheduler"
	"github.com/zeroechelon/blueprint/validator"
)

const instrumentationName = "github.com/zeroechelon/blueprint/executor"

// DefaultCheckpointTimeout applies to checkpoints that declare none.
const DefaultCheckpointTimeout = time.Hour

// Acknowledger is the human acknowledgment channel.
type Acknowledger interface {
	AwaitAcknowledgment(ctx context.Context, taskID string, cp *document.HumanCheckpoint, timeout time.Duration) (hitl.AckOutcome, error)
}

// Recorder receives run metrics.
type Recorder interface {
	RunFinished(outcome string, duration time.Duration)
	TaskDispatched()
	TaskReturned()
	TaskFinished(status string, duration time.Duration)
	CheckpointResolved(outcome string)
	ConflictsDetected(n int)
}

// Event is one task status transition.
type Event struct {
	RunID  string
	TaskID string
	From   RunStatus
	To     RunStatus
	Reason string
	At     time.Time
}

// Executor runs plans. It holds configuration only, so concurrent Runs are
// independent.
type Executor struct {
	dispatcher   dispatch.Dispatcher
	acknowledger Acknowledger
	aggregator   *aggregator.Aggregator
	validator    *validator.Validator
	recorder     Recorder
	observer     func(Event)

	maxConcurrency    int
	failFast          bool
	ackWarnings       bool
	preAcknowledged   map[string]bool
	checkpointTimeout time.Duration
	newRunID          func() string

	logger *zap.Logger
	tracer trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrency bounds outstanding dispatches; 0 means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxConcurrency = n
		}
	}
}

// WithFailFast aborts the run on the first task failure.
func WithFailFast(enabled bool) Option {
	return func(e *Executor) {
		e.failFast = enabled
	}
}

// WithAcknowledgedWarnings lets runs start despite interface warnings.
func WithAcknowledgedWarnings(enabled bool) Option {
	return func(e *Executor) {
		e.ackWarnings = enabled
	}
}

// WithPreAcknowledged marks checkpoints of ids as already approved.
func WithPreAcknowledged(ids ...string) Option {
	return func(e *Executor) {
		for _, id := range ids {
			e.preAcknowledged[id] = true
		}
	}
}

// WithCheckpointTimeout sets the timeout for checkpoints that declare none.
func WithCheckpointTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.checkpointTimeout = d
		}
	}
}

// WithAggregator replaces the default aggregator.
func WithAggregator(a *aggregator.Aggregator) Option {
	return func(e *Executor) {
		e.aggregator = a
	}
}

// WithValidator replaces the default validator used for the pre-flight
// check.
func WithValidator(v *validator.Validator) Option {
	return func(e *Executor) {
		e.validator = v
	}
}

// WithRecorder reports metrics to r.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		e.recorder = r
	}
}

// WithObserver calls fn, from the control loop, on every transition.
func WithObserver(fn func(Event)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// WithRunIDGenerator overrides run id generation.
func WithRunIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		e.newRunID = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Executor. acknowledger may be nil, in which case
// checkpoints resolve through their on_missing policy.
func New(d dispatch.Dispatcher, acknowledger Acknowledger, opts ...Option) *Executor {
	e := &Executor{
		dispatcher:        d,
		acknowledger:      acknowledger,
		preAcknowledged:   make(map[string]bool),
		checkpointTimeout: DefaultCheckpointTimeout,
		newRunID:          uuid.NewString,
		logger:            zap.NewNop(),
		tracer:            otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "executor"))
	if e.aggregator == nil {
		e.aggregator = aggregator.New(nil, e.logger)
	}
	if e.validator == nil {
		e.validator = validator.New(validator.WithLogger(e.logger))
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	return e
}

// Preflight validates doc and returns ErrNotExecutable or
// ErrUnacknowledgedWarnings when the run must not start.
func (e *Executor) Preflight(ctx context.Context, doc *document.Document) (*validator.Result, error) {
	res := e.validator.Validate(ctx, doc)
	if !res.Executable() {
		return res, fmt.Errorf("%w: %w", ErrNotExecutable, res.Err())
	}
	if res.NeedsAcknowledgment() && !e.ackWarnings {
		return res, fmt.Errorf("%w: %d interface warning(s)", ErrUnacknowledgedWarnings, len(res.ByKind(validator.KindInterfaceMismatch)))
	}
	return res, nil
}

// Run validates doc, plans it when plan is nil, and executes it. Task
// failures are reported in the Report; the error is non-nil only when the
// run could not start or was aborted.
func (e *Executor) Run(ctx context.Context, doc *document.Document, plan *scheduler.ExecutionPlan) (*Report, error) {
	if _, err := e.Preflight(ctx, doc); err != nil {
		return nil, err
	}
	if plan == nil {
		var err error
		if plan, err = scheduler.New(e.logger).Plan(doc); err != nil {
			return nil, err
		}
	}
	r := newRun(e, doc, plan)
	return r.execute(ctx)
}

type nopRecorder struct{}

func (nopRecorder) RunFinished(string, time.Duration)  {}
func (nopRecorder) TaskDispatched()                    {}
func (nopRecorder) TaskReturned()                      {}
func (nopRecorder) TaskFinished(string, time.Duration) {}
func (nopRecorder) CheckpointResolved(string)          {}
func (nopRecorder) ConflictsDetected(int)              {}
