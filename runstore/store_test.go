package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/aggregator"
	"github.com/zeroechelon/blueprint/executor"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func report(id string, startedAfter time.Duration, outcome executor.Outcome) *executor.Report {
	started := epoch.Add(startedAfter)
	return &executor.Report{
		RunID:     id,
		Title:     "Payments rollout",
		Outcome:   outcome,
		Succeeded: []string{"T1"},
		Failed:    []executor.FailedTask{{TaskID: "T2", Reason: "task T2 failed: exit 1"}},
		Skipped:   []executor.SkippedTask{{TaskID: "T3", Because: "T2"}},
		Conflicts: []aggregator.Conflict{{Tier: 1, Path: "api.go", TaskIDs: []string{"T4", "T5"}, Resolution: "T4"}},
		StartedAt: started, FinishedAt: started.Add(2 * time.Second),
		Tasks: map[string]executor.TaskState{
			"T1": {Status: executor.StatusSucceeded},
			"T2": {Status: executor.StatusFailed, Reason: "task T2 failed: exit 1"},
			"T3": {Status: executor.StatusSkipped, SkippedBecause: "T2"},
		},
	}
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.TTL = ttl
	s, err := NewRedisStore(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	cfg := DefaultSQLConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "runs.db")
	cfg.MaxOpenConns = 1
	s, err := OpenSQL(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStores_Contract(t *testing.T) {
	t.Parallel()

	backends := map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"redis": func(t *testing.T) Store {
			s, _ := newRedisStore(t, 0)
			return s
		},
		"sql": func(t *testing.T) Store { return newSQLStore(t) },
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)

			_, err := s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.Save(ctx, &executor.Report{}), ErrInvalidReport)

			require.NoError(t, s.Save(ctx, report("run-a", 0, executor.OutcomeFailed)))
			require.NoError(t, s.Save(ctx, report("run-b", time.Minute, executor.OutcomeComplete)))
			require.NoError(t, s.Save(ctx, report("run-c", 2*time.Minute, executor.OutcomePartial)))

			got, err := s.Get(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, executor.OutcomeFailed, got.Outcome)
			assert.Equal(t, []string{"T1"}, got.Succeeded)
			assert.Equal(t, "T2", got.Skipped[0].Because)
			assert.Equal(t, "api.go", got.Conflicts[0].Path)
			assert.Equal(t, executor.StatusSkipped, got.Tasks["T3"].Status)
			assert.True(t, got.StartedAt.Equal(epoch))

			list, err := s.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []string{"run-c", "run-b", "run-a"}, []string{list[0].RunID, list[1].RunID, list[2].RunID})
			assert.Equal(t, 1, list[2].Failed)
			assert.Equal(t, 1, list[2].Conflicts)

			limited, err := s.List(ctx, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			// saving again replaces the run
			updated := report("run-a", 0, executor.OutcomeComplete)
			require.NoError(t, s.Save(ctx, updated))
			got, err = s.Get(ctx, "run-a")
			require.NoError(t, err)
			assert.Equal(t, executor.OutcomeComplete, got.Outcome)
			list, err = s.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, list, 3)

			require.NoError(t, s.Delete(ctx, "run-b"))
			require.ErrorIs(t, s.Delete(ctx, "run-b"), ErrNotFound)
			_, err = s.Get(ctx, "run-b")
			require.ErrorIs(t, err, ErrNotFound)
			list, err = s.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, list, 2)
		})
	}
}

func TestRedisStore_ExpiredRunsArePruned(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, mr := newRedisStore(t, time.Minute)
	require.NoError(t, s.Save(ctx, report("run-a", 0, executor.OutcomeComplete)))

	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "run-a")
	require.ErrorIs(t, err, ErrNotFound)
	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := mr.ZMembers("blueprint:run:index")
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestRedisStore_ConnectFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	_, err := NewRedisStore(cfg, nil)
	require.Error(t, err)
}

func TestOpenSQL_UnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := OpenSQL(SQLConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestIsRetryableError(t *testing.T) {
	t.Parallel()

	assert.False(t, isRetryableError(assert.AnError))
	assert.True(t, isRetryableError(errString("ERROR: deadlock detected")))
	assert.True(t, isRetryableError(errString("database is locked")))
	assert.False(t, isRetryableError(errString("duplicate key value")))
	assert.False(t, isRetryableError(nil))
}

type errString string

func (e errString) Error() string { return string(e) }

func TestSummary_String(t *testing.T) {
	t.Parallel()

	line := Summarize(report("run-a", 0, executor.OutcomeFailed)).String()
	assert.Contains(t, line, "run-a")
	assert.Contains(t, line, "failed")
	assert.Contains(t, line, "ok=1 failed=1 skipped=1 pending=0")
}
