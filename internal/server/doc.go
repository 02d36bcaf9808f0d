// Package server manages the background HTTP listeners of the blueprint CLI:
// the Prometheus endpoint, the checkpoint acknowledgment API and the remote
// worker hub. Every listener is wrapped in the Standard middleware stack.
package server
