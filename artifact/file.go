package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps artifacts under root/<run>/<key>.
type FileStore struct {
	root string
}

// NewFileStore creates a FileStore rooted at root, creating it if needed.
func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(runID, key string) (string, error) {
	full := filepath.Join(s.root, runID, filepath.FromSlash(key))
	rel, err := filepath.Rel(filepath.Join(s.root, runID), full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the run directory", key)
	}
	return full, nil
}

func (s *FileStore) Put(_ context.Context, runID, key string, content []byte) error {
	runID, key, err := normalize(runID, key)
	if err != nil {
		return err
	}
	full, err := s.path(runID, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return os.Rename(tmp, full)
}

func (s *FileStore) Get(_ context.Context, runID, key string) ([]byte, error) {
	runID, key, err := normalize(runID, key)
	if err != nil {
		return nil, err
	}
	full, err := s.path(runID, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileStore) List(_ context.Context, runID string) ([]string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	base := filepath.Join(s.root, runID)
	var out []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
