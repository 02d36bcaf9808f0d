// =============================================================================
// Blueprint configuration loader
// =============================================================================
// YAML file plus environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("blueprint.yaml").
//	    WithEnvPrefix("BLUEPRINT").
//	    Load()
//
// Precedence: defaults → YAML file → .env file → environment variables
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/zeroechelon/blueprint/aggregator"
	"github.com/zeroechelon/blueprint/artifact"
	"github.com/zeroechelon/blueprint/generator"
	"github.com/zeroechelon/blueprint/runstore"
)

// =============================================================================
// Configuration structure
// =============================================================================

// Config is the complete blueprint configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Executor  ExecutorConfig  `yaml:"executor" env:"EXECUTOR"`
	Linker    LinkerConfig    `yaml:"linker" env:"LINKER"`
	Dispatch  DispatchConfig  `yaml:"dispatch" env:"DISPATCH"`
	HITL      HITLConfig      `yaml:"hitl" env:"HITL"`
	Artifact  ArtifactConfig  `yaml:"artifact" env:"ARTIFACT"`
	RunStore  RunStoreConfig  `yaml:"run_store" env:"RUNSTORE"`
	Generator GeneratorConfig `yaml:"generator" env:"GENERATOR"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// ExecutorConfig holds run-level policy.
type ExecutorConfig struct {
	// MaxConcurrency bounds outstanding dispatches; 0 is unbounded
	MaxConcurrency int  `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	FailFast       bool `yaml:"fail_fast" env:"FAIL_FAST"`
	// CheckpointTimeout applies to checkpoints that declare no timeout
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout" env:"CHECKPOINT_TIMEOUT"`
	// MergeStrategy resolves tier conflicts: first or latest
	MergeStrategy string `yaml:"merge_strategy" env:"MERGE_STRATEGY"`
	// AcknowledgeWarnings starts runs despite interface warnings
	AcknowledgeWarnings bool `yaml:"acknowledge_warnings" env:"ACKNOWLEDGE_WARNINGS"`
	// Advisories enables the missing title/owner/criteria warnings
	Advisories bool `yaml:"advisories" env:"ADVISORIES"`
}

// LinkerConfig configures ref resolution.
type LinkerConfig struct {
	CacheSize   int `yaml:"cache_size" env:"CACHE_SIZE"`
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
}

// DispatchConfig selects and configures the dispatch channel.
type DispatchConfig struct {
	// Mode is local, remote or simulated
	Mode      string          `yaml:"mode" env:"MODE"`
	Local     LocalConfig     `yaml:"local" env:"LOCAL"`
	Remote    RemoteConfig    `yaml:"remote" env:"REMOTE"`
	Worker    WorkerConfig    `yaml:"worker" env:"WORKER"`
	Simulated SimulatedConfig `yaml:"simulated" env:"SIMULATED"`
}

// LocalConfig configures the local command dispatcher.
type LocalConfig struct {
	WorkDir              string        `yaml:"work_dir" env:"WORK_DIR"`
	Shell                string        `yaml:"shell" env:"SHELL"`
	MaxWorkers           int           `yaml:"max_workers" env:"MAX_WORKERS"`
	QueueSize            int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	MaxRetries           int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" env:"RETRY_INITIAL_INTERVAL"`
	// RateLimit is submissions per second; 0 disables limiting
	RateLimit float64       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst     int           `yaml:"burst" env:"BURST"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	Env       []string      `yaml:"env" env:"ENV"`
}

// RemoteConfig configures the websocket client to a worker hub.
type RemoteConfig struct {
	URL         string        `yaml:"url" env:"URL"`
	Secret      string        `yaml:"secret" env:"SECRET"`
	Issuer      string        `yaml:"issuer" env:"ISSUER"`
	Subject     string        `yaml:"subject" env:"SUBJECT"`
	TokenTTL    time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// WorkerConfig configures the worker hub served by `blueprint worker`.
type WorkerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	Secret          string        `yaml:"secret" env:"SECRET"`
	Issuer          string        `yaml:"issuer" env:"ISSUER"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// SimulatedConfig configures dry runs.
type SimulatedConfig struct {
	Delay time.Duration `yaml:"delay" env:"DELAY"`
}

// HITLConfig configures the human acknowledgment channel.
type HITLConfig struct {
	// Addr serves the checkpoint API; empty disables it
	Addr           string        `yaml:"addr" env:"ADDR"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" env:"WEBHOOK_TIMEOUT"`
}

// ArtifactConfig selects the artifact store used for fingerprints.
type ArtifactConfig struct {
	// Backend is none, memory, file or s3
	Backend string            `yaml:"backend" env:"BACKEND"`
	Dir     string            `yaml:"dir" env:"DIR"`
	S3      artifact.S3Config `yaml:"s3" env:"S3"`
}

// RunStoreConfig selects where run reports are kept.
type RunStoreConfig struct {
	// Backend is none, memory, redis or sql
	Backend string               `yaml:"backend" env:"BACKEND"`
	Redis   runstore.RedisConfig `yaml:"redis" env:"REDIS"`
	SQL     runstore.SQLConfig   `yaml:"sql" env:"SQL"`
}

// GeneratorConfig configures the external document generator.
type GeneratorConfig struct {
	// Mode is command or http
	Mode     string                  `yaml:"mode" env:"MODE"`
	MaxTasks int                     `yaml:"max_tasks" env:"MAX_TASKS"`
	Command  generator.CommandConfig `yaml:"command" env:"CMD"`
	HTTP     generator.HTTPConfig    `yaml:"http" env:"HTTP"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config.
type Loader struct {
	configPath string
	envFiles   []string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a Loader with the BLUEPRINT prefix that reads .env from
// the working directory when present.
func NewLoader() *Loader {
	return &Loader{
		envPrefix: "BLUEPRINT",
		envFiles:  []string{".env"},
	}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvFiles replaces the dotenv files; none disables them.
func (l *Loader) WithEnvFiles(paths ...string) *Loader {
	l.envFiles = paths
	return l
}

// WithValidator adds a validation step run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	env, err := l.environment()
	if err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix, env); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// environment returns the lookup used for overrides. Process variables win
// over dotenv values, and the process environment is never modified.
func (l *Loader) environment() (func(string) string, error) {
	fileVars := make(map[string]string)
	for _, path := range l.envFiles {
		vars, err := godotenv.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for k, v := range vars {
			if _, seen := fileVars[k]; !seen {
				fileVars[k] = v
			}
		}
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return fileVars[key]
	}, nil
}

func setFieldsFromEnv(v reflect.Value, prefix string, getenv func(string) string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}
		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := setFieldsFromEnv(field, envKey, getenv); err != nil {
				return err
			}
			continue
		}

		envValue := getenv(envKey)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment overrides.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log level %q", c.Log.Level))
	}
	if c.Executor.MaxConcurrency < 0 {
		errs = append(errs, "executor.max_concurrency must not be negative")
	}
	if _, err := aggregator.ParseStrategy(c.Executor.MergeStrategy); err != nil {
		errs = append(errs, err.Error())
	}

	switch c.Dispatch.Mode {
	case "local", "simulated":
	case "remote":
		if c.Dispatch.Remote.URL == "" {
			errs = append(errs, "dispatch.remote.url is required in remote mode")
		}
		if c.Dispatch.Remote.Secret == "" {
			errs = append(errs, "dispatch.remote.secret is required in remote mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown dispatch mode %q", c.Dispatch.Mode))
	}
	if c.Dispatch.Local.RateLimit < 0 {
		errs = append(errs, "dispatch.local.rate_limit must not be negative")
	}

	switch c.Artifact.Backend {
	case "", "none", "memory":
	case "file":
		if c.Artifact.Dir == "" {
			errs = append(errs, "artifact.dir is required for the file backend")
		}
	case "s3":
		if c.Artifact.S3.Endpoint == "" || c.Artifact.S3.Bucket == "" {
			errs = append(errs, "artifact.s3.endpoint and artifact.s3.bucket are required for the s3 backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown artifact backend %q", c.Artifact.Backend))
	}

	switch c.RunStore.Backend {
	case "", "none", "memory", "redis":
	case "sql":
		if c.RunStore.SQL.DSN == "" {
			errs = append(errs, "run_store.sql.dsn is required for the sql backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown run store backend %q", c.RunStore.Backend))
	}

	switch c.Generator.Mode {
	case "command", "http":
	default:
		errs = append(errs, fmt.Sprintf("unknown generator mode %q", c.Generator.Mode))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
