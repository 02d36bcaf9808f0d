// =============================================================================
// Blueprint default configuration
// =============================================================================
package config

import (
	"time"

	"github.com/zeroechelon/blueprint/generator"
	"github.com/zeroechelon/blueprint/runstore"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log:       DefaultLogConfig(),
		Executor:  DefaultExecutorConfig(),
		Linker:    DefaultLinkerConfig(),
		Dispatch:  DefaultDispatchConfig(),
		HITL:      DefaultHITLConfig(),
		Artifact:  DefaultArtifactConfig(),
		RunStore:  DefaultRunStoreConfig(),
		Generator: DefaultGeneratorConfig(),
		Metrics:   DefaultMetricsConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency:    4,
		FailFast:          false,
		CheckpointTimeout: 24 * time.Hour,
		MergeStrategy:     "first",
		Advisories:        true,
	}
}

// DefaultLinkerConfig returns the default linker configuration.
func DefaultLinkerConfig() LinkerConfig {
	return LinkerConfig{
		CacheSize:   256,
		Concurrency: 8,
	}
}

// DefaultDispatchConfig returns the default dispatch configuration.
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Mode: "local",
		Local: LocalConfig{
			Shell:                "sh",
			MaxWorkers:           4,
			QueueSize:            64,
			MaxRetries:           0,
			RetryInitialInterval: time.Second,
			Burst:                1,
		},
		Remote: RemoteConfig{
			Issuer:      "blueprint",
			Subject:     "blueprint-cli",
			TokenTTL:    time.Hour,
			DialTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Addr:            ":8090",
			Issuer:          "blueprint",
			ShutdownTimeout: 15 * time.Second,
		},
		Simulated: SimulatedConfig{
			Delay: 10 * time.Millisecond,
		},
	}
}

// DefaultHITLConfig returns the default acknowledgment configuration.
func DefaultHITLConfig() HITLConfig {
	return HITLConfig{
		WebhookTimeout: 10 * time.Second,
	}
}

// DefaultArtifactConfig returns the default artifact configuration.
func DefaultArtifactConfig() ArtifactConfig {
	return ArtifactConfig{
		Backend: "memory",
		Dir:     ".blueprint/artifacts",
	}
}

// DefaultRunStoreConfig returns the default run store configuration.
func DefaultRunStoreConfig() RunStoreConfig {
	return RunStoreConfig{
		Backend: "none",
		Redis:   runstore.DefaultRedisConfig(),
		SQL:     runstore.DefaultSQLConfig(),
	}
}

// DefaultGeneratorConfig returns the default generator configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Mode:     "command",
		MaxTasks: generator.DefaultMaxTasks,
		Command: generator.CommandConfig{
			Shell:   "sh",
			Timeout: 10 * time.Minute,
		},
		HTTP: generator.HTTPConfig{
			Timeout:    5 * time.Minute,
			MaxRetries: 3,
		},
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "blueprint",
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "blueprint",
		SampleRate:   0.1,
	}
}
