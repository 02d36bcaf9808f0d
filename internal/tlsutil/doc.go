// Package tlsutil builds the hardened TLS settings shared by every outbound
// connection: HTTP clients, the worker websocket and Redis.
package tlsutil
