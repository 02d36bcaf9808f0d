// Package fswatch polls a set of files and reports changes in debounced
// batches. It backs `blueprint validate --watch`, where the watched set is
// the root document plus every file it references.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Op is the kind of change observed.
type Op int

const (
	// OpCreate means the file appeared.
	OpCreate Op = iota
	// OpWrite means the modification time or size changed.
	OpWrite
	// OpRemove means the file disappeared.
	OpRemove
)

func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one observed change.
type Event struct {
	Path      string
	Op        Op
	Timestamp time.Time
}

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher polls files for changes.
type Watcher struct {
	mu       sync.Mutex
	paths    []string
	states   map[string]fileState
	interval time.Duration
	debounce time.Duration
	logger   *zap.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithPollInterval sets how often files are checked.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounce sets how long the watcher waits for changes to settle before
// reporting a batch.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d >= 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Watcher over paths. Missing files are watched for creation.
func New(paths []string, opts ...Option) (*Watcher, error) {
	w := &Watcher{
		states:   make(map[string]fileState),
		interval: time.Second,
		debounce: 200 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "fswatch"))
	if err := w.SetPaths(paths); err != nil {
		return nil, err
	}
	return w, nil
}

// SetPaths replaces the watched set. Files already watched keep their
// baseline so a change is not reported twice.
func (w *Watcher) SetPaths(paths []string) error {
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", p, err)
		}
		if !slices.Contains(abs, a) {
			abs = append(abs, a)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	states := make(map[string]fileState, len(abs))
	for _, p := range abs {
		if st, ok := w.states[p]; ok {
			states[p] = st
			continue
		}
		info, err := os.Stat(p)
		switch {
		case err == nil:
			states[p] = fileState{modTime: info.ModTime(), size: info.Size()}
		case os.IsNotExist(err):
			w.logger.Warn("watched file does not exist, waiting for creation", zap.String("path", p))
		default:
			return fmt.Errorf("failed to stat path %s: %w", p, err)
		}
	}
	w.paths = abs
	w.states = states
	return nil
}

// Paths returns the watched absolute paths.
func (w *Watcher) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.paths)
}

// Run polls until ctx is done, calling fn with each settled batch of events.
// A batch holds at most one event per path, the latest observed. fn runs on
// the polling goroutine and may call SetPaths.
func (w *Watcher) Run(ctx context.Context, fn func([]Event)) error {
	w.logger.Info("watching files",
		zap.Strings("paths", w.Paths()),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	pending := make(map[string]Event)
	var lastChange time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			for _, ev := range w.check(now) {
				pending[ev.Path] = ev
				lastChange = now
			}
			if len(pending) == 0 || now.Sub(lastChange) < w.debounce {
				continue
			}
			batch := make([]Event, 0, len(pending))
			for _, ev := range pending {
				batch = append(batch, ev)
			}
			slices.SortFunc(batch, func(a, b Event) int {
				if a.Path < b.Path {
					return -1
				}
				if a.Path > b.Path {
					return 1
				}
				return 0
			})
			clear(pending)
			for _, ev := range batch {
				w.logger.Debug("file changed", zap.String("path", ev.Path), zap.Stringer("op", ev.Op))
			}
			fn(batch)
		}
	}
}

func (w *Watcher) check(now time.Time) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []Event
	for _, p := range w.paths {
		prev, known := w.states[p]
		info, err := os.Stat(p)
		if err != nil {
			if known && os.IsNotExist(err) {
				delete(w.states, p)
				events = append(events, Event{Path: p, Op: OpRemove, Timestamp: now})
			}
			continue
		}
		cur := fileState{modTime: info.ModTime(), size: info.Size()}
		switch {
		case !known:
			events = append(events, Event{Path: p, Op: OpCreate, Timestamp: now})
		case !cur.modTime.Equal(prev.modTime) || cur.size != prev.size:
			events = append(events, Event{Path: p, Op: OpWrite, Timestamp: now})
		default:
			continue
		}
		w.states[p] = cur
	}
	return events
}
