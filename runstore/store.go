// Package runstore persists run reports so past executions can be listed
// and inspected after the process exits.
//
// Three backends share the Store contract: MemoryStore for tests and
// one-shot CLI runs, RedisStore for shared short-lived history and SQLStore
// (gorm) for durable history in Postgres, MySQL or SQLite.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zeroechelon/blueprint/executor"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

// ErrInvalidReport is returned for reports without a run id.
var ErrInvalidReport = errors.New("report has no run id")

// Store persists run reports keyed by run id. Saving an existing id
// replaces it.
type Store interface {
	Save(ctx context.Context, report *executor.Report) error
	Get(ctx context.Context, runID string) (*executor.Report, error)
	// List returns at most limit summaries, most recent start first. A limit
	// of 0 or less returns every run.
	List(ctx context.Context, limit int) ([]Summary, error)
	Delete(ctx context.Context, runID string) error
	Close() error
}

// Summary is the listing view of a run.
type Summary struct {
	RunID      string           `json:"run_id"`
	Title      string           `json:"title"`
	Outcome    executor.Outcome `json:"outcome"`
	Succeeded  int              `json:"succeeded"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
	Pending    int              `json:"pending"`
	Conflicts  int              `json:"conflicts"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Summarize builds the Summary of report.
func Summarize(report *executor.Report) Summary {
	return Summary{
		RunID:      report.RunID,
		Title:      report.Title,
		Outcome:    report.Outcome,
		Succeeded:  len(report.Succeeded),
		Failed:     len(report.Failed),
		Skipped:    len(report.Skipped),
		Pending:    len(report.Pending),
		Conflicts:  len(report.Conflicts),
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
	}
}

// String renders s on one line.
func (s Summary) String() string {
	return fmt.Sprintf("%s  %-8s  %s  ok=%d failed=%d skipped=%d pending=%d  %s",
		s.StartedAt.Format(time.RFC3339), s.Outcome, s.RunID,
		s.Succeeded, s.Failed, s.Skipped, s.Pending, s.Title)
}

func checkReport(report *executor.Report) error {
	if report == nil || report.RunID == "" {
		return ErrInvalidReport
	}
	return nil
}
