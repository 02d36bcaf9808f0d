// Package ctxkeys holds the request-scoped values shared across packages:
// the HTTP request id and the run and task being dispatched.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	runIDKey     contextKey = "run_id"
	taskIDKey    contextKey = "task_id"
)

// WithRequestID attaches an HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, if any.
func RequestID(ctx context.Context) (string, bool) {
	return lookup(ctx, requestIDKey)
}

// WithRunID attaches the executor run id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID returns the run id, if any.
func RunID(ctx context.Context) (string, bool) {
	return lookup(ctx, runIDKey)
}

// WithTaskID attaches the id of the task being dispatched.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// TaskID returns the task id, if any.
func TaskID(ctx context.Context) (string, bool) {
	return lookup(ctx, taskIDKey)
}

func lookup(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
