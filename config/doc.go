// Package config loads blueprint settings.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// .env files, then BLUEPRINT_* environment variables. Nested sections map to
// underscore-joined names, for example executor.max_concurrency is
// BLUEPRINT_EXECUTOR_MAX_CONCURRENCY.
package config
