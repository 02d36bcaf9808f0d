package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroechelon/blueprint/generator"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEqual(t, LinkerConfig{}, cfg.Linker)
	assert.NotEqual(t, HITLConfig{}, cfg.HITL)
	assert.NotEqual(t, ArtifactConfig{}, cfg.Artifact)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEmpty(t, cfg.Log.Level)
	assert.NotEmpty(t, cfg.Dispatch.Mode)
	assert.NotEmpty(t, cfg.RunStore.Backend)
	assert.NotEmpty(t, cfg.Generator.Mode)
}

func TestDefaultExecutorConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultExecutorConfig()
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.False(t, cfg.FailFast)
	assert.Equal(t, 24*time.Hour, cfg.CheckpointTimeout)
	assert.Equal(t, "first", cfg.MergeStrategy)
	assert.False(t, cfg.AcknowledgeWarnings)
	assert.True(t, cfg.Advisories)
}

func TestDefaultDispatchConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultDispatchConfig()
	assert.Equal(t, "local", cfg.Mode)
	assert.Equal(t, "sh", cfg.Local.Shell)
	assert.Equal(t, 4, cfg.Local.MaxWorkers)
	assert.Zero(t, cfg.Local.RateLimit)
	assert.Equal(t, "blueprint", cfg.Remote.Issuer)
	assert.Equal(t, ":8090", cfg.Worker.Addr)
	assert.Equal(t, 10*time.Millisecond, cfg.Simulated.Delay)
}

func TestDefaultRunStoreConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultRunStoreConfig()
	assert.Equal(t, "none", cfg.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "sqlite", cfg.SQL.Driver)
}

func TestDefaultGeneratorConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultGeneratorConfig()
	assert.Equal(t, "command", cfg.Mode)
	assert.Equal(t, generator.DefaultMaxTasks, cfg.MaxTasks)
	assert.Equal(t, 10*time.Minute, cfg.Command.Timeout)
	assert.Equal(t, 3, cfg.HTTP.MaxRetries)
}

func TestDefaultLogAndTelemetryConfig(t *testing.T) {
	t.Parallel()

	log := DefaultLogConfig()
	assert.Equal(t, "info", log.Level)
	assert.Equal(t, "console", log.Format)
	assert.Equal(t, []string{"stderr"}, log.OutputPaths)

	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "blueprint", tel.ServiceName)
	assert.InDelta(t, 0.1, tel.SampleRate, 0.001)
}
