package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zeroechelon/blueprint/executor"
	"github.com/zeroechelon/blueprint/internal/tlsutil"
)

// RedisConfig configures RedisStore.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
	// KeyPrefix namespaces every key, default "blueprint:"
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TTL expires stored reports; 0 keeps them forever
	TTL time.Duration `yaml:"ttl" env:"TTL"`
	// TLS enables TLS with the shared client settings
	TLS bool `yaml:"tls" env:"TLS"`
}

// DefaultRedisConfig returns the local defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		PoolSize:  10,
		KeyPrefix: "blueprint:",
	}
}

// RedisStore keeps each report as a JSON string and indexes run ids in a
// sorted set scored by start time.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = "blueprint:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix + "run:",
		ttl:    ttl,
		logger: logger.With(zap.String("component", "runstore"), zap.String("backend", "redis")),
	}
}

func (s *RedisStore) reportKey(runID string) string {
	return s.prefix + "data:" + runID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

func (s *RedisStore) Save(ctx context.Context, report *executor.Report) error {
	if err := checkReport(report); err != nil {
		return err
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.reportKey(report.RunID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(report.StartedAt.UnixNano()), Member: report.RunID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run %s: %w", report.RunID, err)
	}
	s.logger.Debug("run saved", zap.String("run_id", report.RunID))
	return nil
}

func (s *RedisStore) Get(ctx context.Context, runID string) (*executor.Report, error) {
	data, err := s.client.Get(ctx, s.reportKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var report executor.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &report, nil
}

// List reads the newest ids from the index. Ids whose report expired are
// pruned from the index as they are found.
func (s *RedisStore) List(ctx context.Context, limit int) ([]Summary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.reportKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(ids))
	var expired []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var report executor.Report
		if err := json.Unmarshal([]byte(raw), &report); err != nil {
			s.logger.Warn("skipping undecodable run", zap.String("run_id", ids[i]), zap.Error(err))
			continue
		}
		out = append(out, Summarize(&report))
	}
	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			s.logger.Warn("failed to prune expired runs", zap.Error(err))
		}
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.reportKey(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
