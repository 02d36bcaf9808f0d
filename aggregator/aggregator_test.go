package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/blueprint/artifact"
	"github.com/zeroechelon/blueprint/dispatch"
	"github.com/zeroechelon/blueprint/document"
	"github.com/zeroechelon/blueprint/testutil/fixtures"
)

type failingStore struct{ artifact.Store }

func (failingStore) Get(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("bucket offline")
}

func TestCollect_FailsLoudWithoutResult(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Collect(context.Background(), "run", fixtures.Task("T1"), nil)
	var failure *AggregationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "T1", failure.TaskID)
}

func TestCollect_FillsFingerprintsFromStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := artifact.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "run", artifact.Key("T1", "api.go"), []byte("package api")))

	task := fixtures.WithFiles(fixtures.Task("T1"), "api.go", "reported.go", "absent.go")
	result := &dispatch.Result{
		TaskID: "T1",
		Files:  []dispatch.FileChange{{Path: "reported.go", Fingerprint: "sha256:worker"}},
	}

	got, err := New(store, nil).Collect(ctx, "run", task, result)
	require.NoError(t, err)

	fp, ok := got.Fingerprint("api.go")
	assert.True(t, ok)
	assert.Equal(t, dispatch.FingerprintBytes([]byte("package api")), fp)
	fp, _ = got.Fingerprint("reported.go")
	assert.Equal(t, "sha256:worker", fp)
	_, ok = got.Fingerprint("absent.go")
	assert.False(t, ok)

	assert.Len(t, result.Files, 1, "input result is not mutated")
}

func TestCollect_RetrievalErrorIsHard(t *testing.T) {
	t.Parallel()

	task := fixtures.WithFiles(fixtures.Task("T1"), "api.go")
	_, err := New(failingStore{}, nil).Collect(context.Background(), "run", task, &dispatch.Result{TaskID: "T1"})

	var failure *AggregationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "T1", failure.TaskID)
	assert.ErrorContains(t, err, "bucket offline")
}

func tierResult(id string, finished time.Time, files ...dispatch.FileChange) TaskResult {
	task := fixtures.Task(id)
	for _, f := range files {
		task.FilesToModify = append(task.FilesToModify, f.Path)
	}
	return TaskResult{Task: task, Result: &dispatch.Result{TaskID: id, Files: files, FinishedAt: finished}}
}

func TestMerge_ReportsConflictNamingBothTasks(t *testing.T) {
	t.Parallel()

	now := time.Now()
	merged := New(nil, nil).Merge(1, []TaskResult{
		tierResult("T3", now, dispatch.FileChange{Path: "P", Fingerprint: "sha256:b"}),
		tierResult("T2", now.Add(time.Second), dispatch.FileChange{Path: "P", Fingerprint: "sha256:a"}),
	})

	require.Len(t, merged.Conflicts, 1)
	c := merged.Conflicts[0]
	assert.Equal(t, "P", c.Path)
	assert.Equal(t, 1, c.Tier)
	assert.Equal(t, []string{"T2", "T3"}, c.TaskIDs)
	assert.Equal(t, map[string]string{"T2": "sha256:a", "T3": "sha256:b"}, c.Fingerprints)
	assert.Equal(t, "T2", c.Resolution)
	assert.Equal(t, Version{TaskID: "T2", Fingerprint: "sha256:a"}, merged.Files["P"])
}

func TestMerge_LatestStrategy(t *testing.T) {
	t.Parallel()

	now := time.Now()
	merged := New(nil, nil, WithStrategy(StrategyLatest)).Merge(0, []TaskResult{
		tierResult("A", now.Add(time.Second), dispatch.FileChange{Path: "P", Fingerprint: "sha256:a"}),
		tierResult("B", now, dispatch.FileChange{Path: "P", Fingerprint: "sha256:b"}),
	})
	require.Len(t, merged.Conflicts, 1)
	assert.Equal(t, "A", merged.Conflicts[0].Resolution)
	assert.Equal(t, StrategyLatest, merged.Conflicts[0].Strategy)
}

func TestMerge_NoConflict(t *testing.T) {
	t.Parallel()

	now := time.Now()
	merged := New(nil, nil).Merge(0, []TaskResult{
		tierResult("A", now, dispatch.FileChange{Path: "same", Fingerprint: "sha256:x"}, dispatch.FileChange{Path: "a-only", Fingerprint: "sha256:1"}),
		tierResult("B", now, dispatch.FileChange{Path: "same", Fingerprint: "sha256:x"}, dispatch.FileChange{Path: "unhashed"}),
		tierResult("C", now, dispatch.FileChange{Path: "unhashed", Fingerprint: "sha256:2"}),
		{Task: &document.Task{ID: "no-result"}},
	})

	assert.Empty(t, merged.Conflicts)
	assert.Equal(t, []string{"a-only", "same", "unhashed"}, merged.Paths())
	assert.Equal(t, "C", merged.Files["unhashed"].TaskID)
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyFirst, s)
	s, err = ParseStrategy("latest")
	require.NoError(t, err)
	assert.Equal(t, StrategyLatest, s)
	_, err = ParseStrategy("random")
	assert.Error(t, err)
}
