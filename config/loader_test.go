package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Loader ---

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().WithEnvFiles().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "local", cfg.Dispatch.Mode)
	assert.Equal(t, 4, cfg.Executor.MaxConcurrency)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "blueprint.yaml")
	yamlContent := `
executor:
  max_concurrency: 8
  fail_fast: true
  checkpoint_timeout: 30m
  merge_strategy: latest

dispatch:
  mode: remote
  remote:
    url: ws://workers:8090/ws
    secret: s3cret

run_store:
  backend: redis
  redis:
    addr: "redis.example.com:6379"
    db: 2

generator:
  mode: http
  http:
    url: https://gen.example.com/v1/blueprints

log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithEnvFiles().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.MaxConcurrency)
	assert.True(t, cfg.Executor.FailFast)
	assert.Equal(t, 30*time.Minute, cfg.Executor.CheckpointTimeout)
	assert.Equal(t, "latest", cfg.Executor.MergeStrategy)

	assert.Equal(t, "remote", cfg.Dispatch.Mode)
	assert.Equal(t, "ws://workers:8090/ws", cfg.Dispatch.Remote.URL)
	// untouched nested defaults survive
	assert.Equal(t, time.Hour, cfg.Dispatch.Remote.TokenTTL)

	assert.Equal(t, "redis", cfg.RunStore.Backend)
	assert.Equal(t, "redis.example.com:6379", cfg.RunStore.Redis.Addr)
	assert.Equal(t, 2, cfg.RunStore.Redis.DB)
	assert.Equal(t, "blueprint:", cfg.RunStore.Redis.KeyPrefix)

	assert.Equal(t, "http", cfg.Generator.Mode)
	assert.Equal(t, 3, cfg.Generator.HTTP.MaxRetries)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithEnvFiles().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "blueprint.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("executor: [unclosed"), 0644))

	_, err := NewLoader().WithEnvFiles().WithConfigPath(configPath).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("BLUEPRINT_EXECUTOR_MAX_CONCURRENCY", "16")
	t.Setenv("BLUEPRINT_EXECUTOR_FAIL_FAST", "true")
	t.Setenv("BLUEPRINT_EXECUTOR_CHECKPOINT_TIMEOUT", "90s")
	t.Setenv("BLUEPRINT_DISPATCH_LOCAL_RATE_LIMIT", "2.5")
	t.Setenv("BLUEPRINT_DISPATCH_LOCAL_ENV", "A=1, B=2")
	t.Setenv("BLUEPRINT_RUNSTORE_SQL_DRIVER", "postgres")
	t.Setenv("BLUEPRINT_ARTIFACT_S3_BUCKET", "artifacts")
	t.Setenv("BLUEPRINT_GENERATOR_CMD_COMMAND", "gen-plan")
	t.Setenv("BLUEPRINT_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithEnvFiles().Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Executor.MaxConcurrency)
	assert.True(t, cfg.Executor.FailFast)
	assert.Equal(t, 90*time.Second, cfg.Executor.CheckpointTimeout)
	assert.InDelta(t, 2.5, cfg.Dispatch.Local.RateLimit, 0.001)
	assert.Equal(t, []string{"A=1", "B=2"}, cfg.Dispatch.Local.Env)
	assert.Equal(t, "postgres", cfg.RunStore.SQL.Driver)
	assert.Equal(t, "artifacts", cfg.Artifact.S3.Bucket)
	assert.Equal(t, "gen-plan", cfg.Generator.Command.Command)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "blueprint.yaml")
	yamlContent := `
executor:
  max_concurrency: 8
  merge_strategy: latest
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	t.Setenv("BLUEPRINT_EXECUTOR_MAX_CONCURRENCY", "2")

	cfg, err := NewLoader().WithEnvFiles().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Executor.MaxConcurrency)
	assert.Equal(t, "latest", cfg.Executor.MergeStrategy)
}

func TestLoader_DotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "BLUEPRINT_DISPATCH_MODE=simulated\nBLUEPRINT_METRICS_ENABLED=true\n"
	require.NoError(t, os.WriteFile(envPath, []byte(content), 0644))

	// the process environment wins over the file
	t.Setenv("BLUEPRINT_METRICS_ENABLED", "false")

	cfg, err := NewLoader().WithEnvFiles(envPath).Load()
	require.NoError(t, err)
	assert.Equal(t, "simulated", cfg.Dispatch.Mode)
	assert.False(t, cfg.Metrics.Enabled)

	_, present := os.LookupEnv("BLUEPRINT_DISPATCH_MODE")
	assert.False(t, present, "dotenv values stay out of the process environment")
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_DISPATCH_MODE", "simulated")

	cfg, err := NewLoader().WithEnvFiles().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "simulated", cfg.Dispatch.Mode)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("BLUEPRINT_EXECUTOR_MAX_CONCURRENCY", "lots")

	_, err := NewLoader().WithEnvFiles().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLUEPRINT_EXECUTOR_MAX_CONCURRENCY")
}

func TestLoader_WithValidator(t *testing.T) {
	cfg, err := NewLoader().WithEnvFiles().WithValidator((*Config).Validate).Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	t.Setenv("BLUEPRINT_DISPATCH_MODE", "carrier-pigeon")
	_, err = NewLoader().WithEnvFiles().WithValidator((*Config).Validate).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown dispatch mode")
}

func TestMustLoad_Panics(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "blueprint.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log: [unclosed"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}

// --- Validate ---

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "log level",
			mutate:  func(c *Config) { c.Log.Level = "chatty" },
			wantErr: "unknown log level",
		},
		{
			name:    "negative concurrency",
			mutate:  func(c *Config) { c.Executor.MaxConcurrency = -1 },
			wantErr: "max_concurrency",
		},
		{
			name:    "merge strategy",
			mutate:  func(c *Config) { c.Executor.MergeStrategy = "random" },
			wantErr: "unknown conflict strategy",
		},
		{
			name:    "remote without url",
			mutate:  func(c *Config) { c.Dispatch.Mode = "remote"; c.Dispatch.Remote.Secret = "x" },
			wantErr: "dispatch.remote.url",
		},
		{
			name:    "file artifacts without dir",
			mutate:  func(c *Config) { c.Artifact.Backend = "file"; c.Artifact.Dir = "" },
			wantErr: "artifact.dir",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Artifact.Backend = "s3"; c.Artifact.S3.Endpoint = "minio:9000" },
			wantErr: "artifact.s3.bucket",
		},
		{
			name:    "run store backend",
			mutate:  func(c *Config) { c.RunStore.Backend = "tape" },
			wantErr: "unknown run store backend",
		},
		{
			name:    "sample rate",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 2 },
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Generator.Mode = "oracle"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")
	assert.Contains(t, err.Error(), "unknown generator mode")
}
