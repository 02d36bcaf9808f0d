package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/zeroechelon/blueprint/executor"
)

// SQLConfig configures SQLStore.
type SQLConfig struct {
	// Driver is one of postgres, mysql, sqlite
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// MaxRetries bounds retries of transient write failures
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// DefaultSQLConfig returns a local SQLite configuration.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		Driver:          "sqlite",
		DSN:             "blueprint.db",
		MaxIdleConns:    2,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxRetries:      3,
	}
}

// runRecord is the row layout. The summary columns serve listings without
// decoding the report body.
type runRecord struct {
	RunID      string `gorm:"primaryKey;size:64"`
	Title      string `gorm:"size:255"`
	Outcome    string `gorm:"size:16;index"`
	Succeeded  int
	Failed     int
	Skipped    int
	Pending    int
	Conflicts  int
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	Report     []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (runRecord) TableName() string { return "blueprint_runs" }

func (r *runRecord) summary() Summary {
	return Summary{
		RunID:      r.RunID,
		Title:      r.Title,
		Outcome:    executor.Outcome(r.Outcome),
		Succeeded:  r.Succeeded,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Pending:    r.Pending,
		Conflicts:  r.Conflicts,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// SQLStore keeps reports in a relational table through gorm.
type SQLStore struct {
	db         *gorm.DB
	maxRetries int
	logger     *zap.Logger
}

// OpenSQL opens the configured database, applies the pool settings and
// migrates the runs table.
func OpenSQL(cfg SQLConfig, logger *zap.Logger) (*SQLStore, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "postgres", "postgresql":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	store, err := NewSQLStore(db, logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	store.maxRetries = cfg.MaxRetries
	store.logger.Info("run store connected", zap.String("driver", cfg.Driver))
	return store, nil
}

// NewSQLStore wraps db and migrates the runs table.
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&runRecord{}); err != nil {
		return nil, fmt.Errorf("migrate runs table: %w", err)
	}
	return &SQLStore{
		db:         db,
		maxRetries: 3,
		logger:     logger.With(zap.String("component", "runstore"), zap.String("backend", "sql")),
	}, nil
}

func (s *SQLStore) Save(ctx context.Context, report *executor.Report) error {
	if err := checkReport(report); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	sum := Summarize(report)
	rec := &runRecord{
		RunID:      sum.RunID,
		Title:      sum.Title,
		Outcome:    string(sum.Outcome),
		Succeeded:  sum.Succeeded,
		Failed:     sum.Failed,
		Skipped:    sum.Skipped,
		Pending:    sum.Pending,
		Conflicts:  sum.Conflicts,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Report:     data,
	}
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Save(rec).Error
	})
}

func (s *SQLStore) Get(ctx context.Context, runID string) (*executor.Report, error) {
	var rec runRecord
	err := s.db.WithContext(ctx).First(&rec, "run_id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var report executor.Report
	if err := json.Unmarshal(rec.Report, &report); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &report, nil
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Summary, error) {
	q := s.db.WithContext(ctx).
		Select("run_id", "title", "outcome", "succeeded", "failed", "skipped", "pending", "conflicts", "started_at", "finished_at").
		Order("started_at desc").Order("run_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []runRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Summary, len(recs))
	for i := range recs {
		out[i] = recs[i].summary()
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	res := s.db.WithContext(ctx).Delete(&runRecord{}, "run_id = ?", runID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry runs fn in a transaction, retrying transient failures with
// exponential backoff.
func (s *SQLStore) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempts := s.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		err := s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return err
		}
		s.logger.Warn("transaction failed, retrying",
			zap.Int("attempt", i+1),
			zap.Int("max_retries", attempts),
			zap.Error(err))

		wait := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, lastErr)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"deadlock",
		"serialization failure", "40001",
		"connection reset", "connection refused", "broken pipe", "bad connection",
		"lock timeout", "lock wait timeout", "database is locked",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
