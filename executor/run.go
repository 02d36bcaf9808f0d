package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/aggregator"
	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/hitl"
	"github.com/zeroechelon/blueprint/internal/ctxkeys"
	"github.com/zeroechelon/blueprint/scheduler"
)

type eventKind int

const (
	eventDone eventKind = iota
	eventAck
)

// event is sent by watcher goroutines; only the control loop reads it.
type event struct {
	kind    eventKind
	taskID  string
	status  dispatch.Status
	result  *dispatch.Result
	outcome hitl.AckOutcome
	err     error
}

// run is the state of one execution. Everything except the events channel
// is touched by the control loop only.
type run struct {
	e      *Executor
	doc    *document.Document
	plan   *scheduler.ExecutionPlan
	state  *RunState
	index  map[string]*document.Task
	logger *zap.Logger
	span   trace.Span

	dependents map[string][]string
	tierTasks  map[int][]string
	tierLeft   map[int]int

	events     chan event
	queue      []string
	handles    map[string]dispatch.Handle
	awaiting   map[string]context.CancelFunc
	inFlight   int
	abortCause error

	conflicts []aggregator.Conflict
	merged    []*aggregator.Merged
}

func newRun(e *Executor, doc *document.Document, plan *scheduler.ExecutionPlan) *run {
	runID := e.newRunID()
	order := plan.Order()
	r := &run{
		e:          e,
		doc:        doc,
		plan:       plan,
		state:      newRunState(runID, order),
		index:      doc.Index(),
		logger:     e.logger.With(zap.String("run_id", runID)),
		dependents: make(map[string][]string),
		tierTasks:  make(map[int][]string),
		tierLeft:   make(map[int]int),
		events:     make(chan event, 2*len(order)+1),
		handles:    make(map[string]dispatch.Handle),
		awaiting:   make(map[string]context.CancelFunc),
	}
	for _, id := range order {
		for _, dep := range r.index[id].AllDependencies() {
			if _, internal := r.index[dep]; internal {
				r.dependents[dep] = append(r.dependents[dep], id)
			}
		}
	}
	for _, tier := range plan.Tiers {
		r.tierTasks[tier.Index] = tier.TaskIDs
		r.tierLeft[tier.Index] = len(tier.TaskIDs)
	}
	return r
}

func (r *run) execute(ctx context.Context) (*Report, error) {
	ctx, r.span = r.e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("blueprint.run_id", r.state.RunID),
		attribute.Int("blueprint.tasks", len(r.state.order)),
		attribute.Int("blueprint.tiers", len(r.plan.Tiers)),
	))
	defer r.span.End()

	// runCtx outlives cancellation of ctx long enough to cancel handles, and
	// releases every watcher when the run returns.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	started := time.Now()
	r.logger.Info("run started",
		zap.String("title", r.doc.Title()),
		zap.Int("tasks", len(r.state.order)),
		zap.Int("tiers", len(r.plan.Tiers)))

	for _, id := range r.state.order {
		r.evaluate(runCtx, id)
	}

loop:
	for r.abortCause == nil {
		r.dispatchQueued(runCtx)
		if r.inFlight == 0 && len(r.awaiting) == 0 {
			break
		}
		select {
		case ev := <-r.events:
			r.handle(runCtx, ev)
		case <-ctx.Done():
			r.abort(runCtx, context.Cause(ctx))
			break loop
		}
	}

	report := r.report(started)
	r.e.recorder.RunFinished(string(report.Outcome), report.Duration())
	r.span.SetAttributes(attribute.String("blueprint.outcome", string(report.Outcome)))
	r.logger.Info("run finished",
		zap.String("outcome", string(report.Outcome)),
		zap.Int("succeeded", len(report.Succeeded)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("pending", len(report.Pending)),
		zap.Int("conflicts", len(report.Conflicts)),
		zap.Duration("duration", report.Duration()))

	if r.abortCause != nil {
		r.span.SetStatus(codes.Error, r.abortCause.Error())
		return report, fmt.Errorf("%w: %w", ErrRunAborted, r.abortCause)
	}
	return report, nil
}

// evaluate moves a pending task to ready or skipped once its dependencies
// allow it.
func (r *run) evaluate(ctx context.Context, id string) {
	st := r.state.get(id)
	if st == nil || st.Status != StatusPending || r.abortCause != nil {
		return
	}
	task := r.index[id]
	for _, dep := range task.AllDependencies() {
		ds := r.state.get(dep)
		if ds == nil {
			// external boundary
			continue
		}
		if task.IsSoft(dep) {
			if !ds.Status.Terminal() {
				return
			}
			continue
		}
		switch ds.Status {
		case StatusSucceeded:
		case StatusFailed, StatusSkipped:
			ancestor := dep
			if ds.Status == StatusSkipped && ds.SkippedBecause != "" {
				ancestor = ds.SkippedBecause
			}
			st.SkippedBecause = ancestor
			r.finish(ctx, id, StatusSkipped, fmt.Sprintf("dependency %s did not succeed", dep))
			return
		default:
			return
		}
	}

	r.transition(id, StatusReady, "")
	if task.RequiresHuman() && !r.e.preAcknowledged[id] {
		r.awaitHuman(ctx, task)
		return
	}
	r.queue = append(r.queue, id)
}

func (r *run) dispatchQueued(ctx context.Context) {
	for len(r.queue) > 0 && r.abortCause == nil {
		if r.e.maxConcurrency > 0 && r.inFlight >= r.e.maxConcurrency {
			return
		}
		id := r.queue[0]
		r.queue = r.queue[1:]
		r.submit(ctx, id)
	}
}

func (r *run) submit(ctx context.Context, id string) {
	task := r.index[id]
	st := r.state.get(id)
	st.StartedAt = time.Now()

	h, err := r.e.dispatcher.Submit(ctxkeys.WithTaskID(ctxkeys.WithRunID(ctx, r.state.RunID), id), task)
	if err != nil {
		r.fail(ctx, id, &DispatchFailure{TaskID: id, Message: "submit: " + err.Error(), Err: err}, false)
		return
	}
	r.handles[id] = h
	r.inFlight++
	r.e.recorder.TaskDispatched()
	r.transition(id, StatusDispatched, "")

	go func() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			// the run is gone; drain the result so the dispatcher can release it
			<-h.Done()
			_, _, _ = r.e.dispatcher.Poll(context.WithoutCancel(ctx), h)
			return
		}
		status, res, err := r.e.dispatcher.Poll(ctx, h)
		r.events <- event{kind: eventDone, taskID: id, status: status, result: res, err: err}
	}()
}

func (r *run) awaitHuman(ctx context.Context, task *document.Task) {
	cp := task.Human
	if r.e.acknowledger == nil {
		r.applyPolicy(ctx, task, cp.OnMissing, "no acknowledgment channel")
		return
	}
	timeout := cp.Timeout
	if timeout <= 0 {
		timeout = r.e.checkpointTimeout
	}
	waitCtx, cancel := context.WithCancel(ctxkeys.WithRunID(ctx, r.state.RunID))
	r.awaiting[task.ID] = cancel
	r.transition(task.ID, StatusAwaitingHuman, cp.Action)

	go func() {
		outcome, err := r.e.acknowledger.AwaitAcknowledgment(waitCtx, task.ID, cp, timeout)
		r.events <- event{kind: eventAck, taskID: task.ID, outcome: outcome, err: err}
	}()
}

func (r *run) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventAck:
		r.handleAck(ctx, ev)
	case eventDone:
		r.handleDone(ctx, ev)
	}
}

func (r *run) handleAck(ctx context.Context, ev event) {
	cancel, ok := r.awaiting[ev.taskID]
	if !ok {
		return
	}
	cancel()
	delete(r.awaiting, ev.taskID)
	task := r.index[ev.taskID]

	if ev.err != nil {
		r.e.recorder.CheckpointResolved("error")
		r.applyPolicy(ctx, task, task.Human.OnMissing, "acknowledgment channel: "+ev.err.Error())
		return
	}
	r.e.recorder.CheckpointResolved(string(ev.outcome))
	r.span.AddEvent("checkpoint", trace.WithAttributes(
		attribute.String("blueprint.task_id", ev.taskID),
		attribute.String("blueprint.ack", string(ev.outcome))))

	if ev.outcome == hitl.Acknowledged {
		r.logger.Info("checkpoint acknowledged", zap.String("task_id", ev.taskID))
		r.queue = append(r.queue, ev.taskID)
		return
	}
	timeout := task.Human.Timeout
	if timeout <= 0 {
		timeout = r.e.checkpointTimeout
	}
	ht := &HumanTimeout{TaskID: ev.taskID, Timeout: timeout, Policy: task.Human.OnTimeout}
	r.applyPolicy(ctx, task, task.Human.OnTimeout, ht.Error())
}

// applyPolicy resolves an unacknowledged checkpoint.
func (r *run) applyPolicy(ctx context.Context, task *document.Task, policy document.TimeoutPolicy, reason string) {
	r.logger.Warn("checkpoint not acknowledged",
		zap.String("task_id", task.ID),
		zap.String("policy", string(policy)),
		zap.String("reason", reason))
	switch policy {
	case document.TimeoutSkip:
		r.finish(ctx, task.ID, StatusSkipped, reason)
	case document.TimeoutContinue:
		r.queue = append(r.queue, task.ID)
	default:
		r.finish(ctx, task.ID, StatusFailed, reason)
		r.abort(ctx, fmt.Errorf("checkpoint for task %s: %s", task.ID, reason))
	}
}

func (r *run) handleDone(ctx context.Context, ev event) {
	if _, ok := r.handles[ev.taskID]; !ok {
		return
	}
	delete(r.handles, ev.taskID)
	r.inFlight--
	r.e.recorder.TaskReturned()

	id := ev.taskID
	st := r.state.get(id)
	st.Result = ev.result

	switch {
	case ev.err != nil:
		r.fail(ctx, id, &DispatchFailure{TaskID: id, Message: "poll: " + ev.err.Error(), Err: ev.err}, false)
	case ev.status == dispatch.StatusSucceeded:
		collected, err := r.e.aggregator.Collect(ctx, r.state.RunID, r.index[id], ev.result)
		if err != nil {
			r.fail(ctx, id, err, false)
			return
		}
		st.Result = collected
		r.finish(ctx, id, StatusSucceeded, "")
	case ev.status == dispatch.StatusCancelled:
		r.fail(ctx, id, &DispatchFailure{TaskID: id, Message: "cancelled by worker"}, true)
	default:
		df := &DispatchFailure{TaskID: id}
		if ev.result != nil {
			df.Message, df.ExitCode = ev.result.Error, ev.result.ExitCode
		}
		r.fail(ctx, id, df, false)
	}
}

func (r *run) fail(ctx context.Context, id string, cause error, cancelled bool) {
	r.state.get(id).Cancelled = cancelled
	r.finish(ctx, id, StatusFailed, cause.Error())
	if r.e.failFast && r.abortCause == nil {
		r.abort(ctx, fmt.Errorf("fail fast: %w", cause))
	}
}

// finish records a terminal status, merges the tier once complete and
// re-evaluates dependents.
func (r *run) finish(ctx context.Context, id string, status RunStatus, reason string) {
	st := r.state.get(id)
	st.FinishedAt = time.Now()
	r.transition(id, status, reason)
	st.Reason = reason

	var ran time.Duration
	if !st.StartedAt.IsZero() {
		ran = st.FinishedAt.Sub(st.StartedAt)
	}
	r.e.recorder.TaskFinished(string(status), ran)

	if tier, ok := r.plan.TierOf(id); ok {
		r.tierLeft[tier]--
		if r.tierLeft[tier] == 0 {
			r.mergeTier(tier)
		}
	}
	for _, dep := range r.dependents[id] {
		r.evaluate(ctx, dep)
	}
}

func (r *run) mergeTier(tier int) {
	var results []aggregator.TaskResult
	for _, id := range r.tierTasks[tier] {
		st := r.state.get(id)
		if st.Status == StatusSucceeded {
			results = append(results, aggregator.TaskResult{Task: r.index[id], Result: st.Result})
		}
	}
	merged := r.e.aggregator.Merge(tier, results)
	r.merged = append(r.merged, merged)
	if n := len(merged.Conflicts); n > 0 {
		r.conflicts = append(r.conflicts, merged.Conflicts...)
		r.e.recorder.ConflictsDetected(n)
	}
}

// abort stops the run: handles are cancelled best effort, checkpoint waits
// are released, in-flight tasks fail as cancelled and queued tasks return to
// pending.
func (r *run) abort(ctx context.Context, cause error) {
	if r.abortCause != nil {
		return
	}
	if cause == nil {
		cause = errors.New("cancelled")
	}
	r.abortCause = cause
	r.logger.Warn("aborting run", zap.Error(cause))
	r.span.AddEvent("abort", trace.WithAttributes(attribute.String("blueprint.cause", cause.Error())))

	reason := "run aborted: " + cause.Error()
	for _, id := range r.state.order {
		if h, ok := r.handles[id]; ok {
			if err := r.e.dispatcher.Cancel(ctx, h); err != nil {
				r.logger.Debug("cancel failed", zap.String("task_id", id), zap.Error(err))
			}
			delete(r.handles, id)
			r.inFlight--
			r.e.recorder.TaskReturned()
			r.state.get(id).Cancelled = true
			r.finishAborted(id, reason)
		}
		if cancel, ok := r.awaiting[id]; ok {
			cancel()
			delete(r.awaiting, id)
			r.state.get(id).Cancelled = true
			r.finishAborted(id, reason)
		}
	}
	for _, id := range r.queue {
		r.transition(id, StatusPending, reason)
	}
	r.queue = nil
}

// finishAborted marks a cancelled in-flight task failed without re-evaluating
// dependents, which stay pending.
func (r *run) finishAborted(id, reason string) {
	st := r.state.get(id)
	st.FinishedAt = time.Now()
	r.transition(id, StatusFailed, reason)
	st.Reason = reason
	var ran time.Duration
	if !st.StartedAt.IsZero() {
		ran = st.FinishedAt.Sub(st.StartedAt)
	}
	r.e.recorder.TaskFinished(string(StatusFailed), ran)
}

func (r *run) transition(id string, to RunStatus, reason string) {
	st := r.state.get(id)
	from := st.Status
	st.Status = to
	r.logger.Debug("task transition",
		zap.String("task_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	if r.e.observer != nil {
		r.e.observer(Event{RunID: r.state.RunID, TaskID: id, From: from, To: to, Reason: reason, At: time.Now()})
	}
}

func (r *run) report(started time.Time) *Report {
	rep := &Report{
		RunID:      r.state.RunID,
		Title:      r.doc.Title(),
		Conflicts:  r.conflicts,
		Merged:     r.merged,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Tasks:      r.state.Snapshot(),
		Succeeded:  []string{},
	}
	for _, id := range r.state.order {
		st := r.state.get(id)
		switch st.Status {
		case StatusSucceeded:
			rep.Succeeded = append(rep.Succeeded, id)
		case StatusFailed:
			rep.Failed = append(rep.Failed, FailedTask{TaskID: id, Reason: st.Reason, Cancelled: st.Cancelled})
		case StatusSkipped:
			rep.Skipped = append(rep.Skipped, SkippedTask{TaskID: id, Because: st.SkippedBecause, Reason: st.Reason})
		default:
			rep.Pending = append(rep.Pending, id)
		}
		if st.Cancelled {
			rep.Cancelled = append(rep.Cancelled, id)
		}
	}
	if r.abortCause != nil {
		rep.AbortCause = r.abortCause.Error()
	}

	switch {
	case r.abortCause != nil || len(rep.Failed) > 0 || len(rep.Pending) > 0:
		rep.Outcome = OutcomeFailed
	case len(rep.Skipped) > 0:
		rep.Outcome = OutcomePartial
	default:
		rep.Outcome = OutcomeComplete
	}
	return rep
}
