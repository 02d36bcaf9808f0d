// Package pool provides a bounded worker pool for dispatch jobs and pooled
// buffers for capturing command output.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Job is a unit of work run by a worker.
type Job func(ctx context.Context) error

// Config configures a WorkerPool.
type Config struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultConfig returns one worker per CPU and a generous queue.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  runtime.NumCPU(),
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

type queued struct {
	ctx context.Context
	job Job
}

// WorkerPool runs jobs on at most MaxWorkers goroutines. Workers are spawned
// on demand and exit after IdleTimeout without work.
type WorkerPool struct {
	cfg   Config
	queue chan queued

	// mu guards queue against send-after-close
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a WorkerPool. Zero fields fall back to DefaultConfig.
func New(cfg Config) *WorkerPool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &WorkerPool{cfg: cfg, queue: make(chan queued, cfg.QueueSize)}
}

// Submit enqueues job without blocking. It fails with ErrPoolFull when the
// queue is at capacity.
func (p *WorkerPool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- queued{ctx: ctx, job: job}:
		p.submitted.Add(1)
		p.spawn()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *WorkerPool) spawn() {
	for {
		current := p.workers.Load()
		if current >= int32(p.cfg.MaxWorkers) {
			return
		}
		if p.workers.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.work()
			return
		}
	}
}

func (p *WorkerPool) work() {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case q, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.active.Add(1)
			if err := p.run(q); err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			p.active.Add(-1)
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			p.workers.Add(-1)
			// A job enqueued while this worker was retiring would
			// otherwise wait for the next Submit.
			if len(p.queue) > 0 {
				p.spawn()
			}
			return
		}
	}
}

func (p *WorkerPool) run(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.PanicHandler != nil {
				p.cfg.PanicHandler(r)
			}
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.job(q.ctx)
}

// Close stops accepting jobs, drains the queue and waits for workers.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	// Queued jobs still need a worker if every worker went idle.
	if len(p.queue) > 0 {
		p.spawn()
	}
	p.wg.Wait()
}

// Stats returns pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
