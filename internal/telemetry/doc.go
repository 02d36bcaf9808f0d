// Package telemetry wires OpenTelemetry exporters for blueprint runs.
package telemetry
