// Package httpserver wraps net/http serving with context-driven lifecycle:
// configuration from the environment, graceful shutdown on context
// cancellation, and probe handlers for orchestration health checks.
package httpserver
