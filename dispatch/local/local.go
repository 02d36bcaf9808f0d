// Package local dispatches tasks to this host: each task's verification
// command runs through a shell in a working directory, on a bounded worker
// pool, with exponential-backoff retries and a submission rate limit.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/internal/ctxkeys"
	"github.com/zeroechelon/blueprint/internal/pool"
)

// maxOutput caps the captured command output kept in a result.
const maxOutput = 64 * 1024

// Config configures a Dispatcher.
type Config struct {
	WorkDir              string
	Shell                string
	MaxWorkers           int
	QueueSize            int
	MaxRetries           int
	RetryInitialInterval time.Duration
	// RateLimit is submissions per second; 0 disables limiting
	RateLimit float64
	Burst     int
	// Timeout bounds a single attempt; 0 means no limit
	Timeout time.Duration
	Env     []string
}

// Dispatcher runs verification commands locally.
type Dispatcher struct {
	cfg     Config
	pool    *pool.WorkerPool
	limiter *rate.Limiter
	tracker *dispatch.Tracker
	logger  *zap.Logger
}

// New creates a Dispatcher. Call Close to release its workers.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = 500 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Dispatcher{
		cfg:     cfg,
		pool:    pool.New(pool.Config{MaxWorkers: cfg.MaxWorkers, QueueSize: cfg.QueueSize}),
		limiter: limiter,
		tracker: dispatch.NewTracker(),
		logger:  logger.With(zap.String("component", "dispatch.local")),
	}
}

// Submit implements dispatch.Dispatcher.
func (d *Dispatcher) Submit(ctx context.Context, task *document.Task) (dispatch.Handle, error) {
	if task.TestCommand == "" {
		return nil, fmt.Errorf("task %s has no verification command", task.ID)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := d.tracker.Register(task.ID, cancel)

	err := d.pool.Submit(runCtx, func(ctx context.Context) error {
		return d.run(ctx, h, task)
	})
	if err != nil {
		cancel()
		d.tracker.Complete(h.ID(), dispatch.StatusFailed, &dispatch.Result{TaskID: task.ID, Error: err.Error()})
		d.tracker.Forget(h.ID())
		return nil, fmt.Errorf("submit task %s: %w", task.ID, err)
	}
	d.logger.Debug("task queued", zap.String("task_id", task.ID), zap.String("handle", h.ID()))
	return h, nil
}

// Poll implements dispatch.Dispatcher.
func (d *Dispatcher) Poll(_ context.Context, h dispatch.Handle) (dispatch.Status, *dispatch.Result, error) {
	return d.tracker.Poll(h)
}

// Cancel implements dispatch.Dispatcher.
func (d *Dispatcher) Cancel(_ context.Context, h dispatch.Handle) error {
	return d.tracker.Cancel(h)
}

// Close waits for running commands and stops the workers.
func (d *Dispatcher) Close() {
	d.pool.Close()
}

func (d *Dispatcher) run(ctx context.Context, h dispatch.Handle, task *document.Task) error {
	started := time.Now()
	res := &dispatch.Result{TaskID: task.ID, StartedAt: started}

	if err := d.limiter.Wait(ctx); err != nil {
		res.Error = "cancelled before start: " + err.Error()
		res.FinishedAt = time.Now()
		d.tracker.Complete(h.ID(), dispatch.StatusCancelled, res)
		return err
	}
	d.tracker.SetRunning(h.ID())

	var output string
	operation := func() error {
		res.Attempts++
		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if d.cfg.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		}
		defer cancel()

		out, code, err := d.exec(attemptCtx, task)
		output, res.ExitCode = out, code
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInitialInterval
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(d.cfg.MaxRetries, 0))), ctx))

	res.Output = output
	res.Files = d.fingerprints(task)
	res.FinishedAt = time.Now()

	logger := d.logger.With(zap.String("task_id", task.ID), zap.Int("attempts", res.Attempts))
	switch {
	case ctx.Err() != nil:
		res.Error = "cancelled: " + ctx.Err().Error()
		d.tracker.Complete(h.ID(), dispatch.StatusCancelled, res)
		logger.Info("task cancelled")
	case err != nil:
		res.Error = err.Error()
		d.tracker.Complete(h.ID(), dispatch.StatusFailed, res)
		logger.Warn("task failed", zap.Int("exit_code", res.ExitCode), zap.Error(err))
	default:
		d.tracker.Complete(h.ID(), dispatch.StatusSucceeded, res)
		logger.Info("task succeeded", zap.Duration("duration", res.Duration()))
	}
	return err
}

func (d *Dispatcher) exec(ctx context.Context, task *document.Task) (string, int, error) {
	buf := pool.Buffers.Get()
	defer pool.Buffers.Put(buf)

	cmd := exec.CommandContext(ctx, d.cfg.Shell, "-c", task.TestCommand)
	cmd.Dir = d.cfg.WorkDir
	cmd.Env = append(append(os.Environ(), d.cfg.Env...), "BLUEPRINT_TASK_ID="+task.ID)
	if runID, ok := ctxkeys.RunID(ctx); ok {
		cmd.Env = append(cmd.Env, "BLUEPRINT_RUN_ID="+runID)
	}
	cmd.Stdout = buf
	cmd.Stderr = buf
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	out := buf.String()
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return out, 0, nil
	case errors.As(err, &exitErr):
		return out, exitErr.ExitCode(), fmt.Errorf("verification command exited with code %d", exitErr.ExitCode())
	default:
		return out, -1, fmt.Errorf("run verification command: %w", err)
	}
}

// fingerprints hashes the declared file targets that exist after the run.
// Missing files are reported without a fingerprint.
func (d *Dispatcher) fingerprints(task *document.Task) []dispatch.FileChange {
	targets := task.FileTargets()
	if len(targets) == 0 {
		return nil
	}
	out := make([]dispatch.FileChange, 0, len(targets))
	for _, p := range targets {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(d.cfg.WorkDir, p)
		}
		fp, err := dispatch.FingerprintFile(full)
		if err != nil {
			fp = ""
		}
		out = append(out, dispatch.FileChange{Path: p, Fingerprint: fp})
	}
	return out
}
