// Package artifact stores the files tasks produce, keyed by run and task.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when no artifact exists for a key.
var ErrNotFound = errors.New("artifact not found")

// Store persists run artifacts.
type Store interface {
	Put(ctx context.Context, runID, key string, content []byte) error
	Get(ctx context.Context, runID, key string) ([]byte, error)
	// List returns the keys stored for runID in lexical order.
	List(ctx context.Context, runID string) ([]string, error)
}

// Key is the store key of a file produced by taskID.
func Key(taskID, filePath string) string {
	return strings.TrimSpace(taskID) + "/" + strings.TrimLeft(path.Clean("/"+strings.TrimSpace(filePath)), "/")
}

func normalize(runID, key string) (string, string, error) {
	runID = strings.TrimSpace(runID)
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if runID == "" {
		return "", "", fmt.Errorf("run_id is required")
	}
	if key == "" {
		return "", "", fmt.Errorf("key is required")
	}
	if strings.Contains(runID, "/") || strings.Contains(runID, "..") {
		return "", "", fmt.Errorf("invalid run_id %q", runID)
	}
	return runID, key, nil
}

func objectKey(runID, key string) string {
	return runID + "/" + key
}
