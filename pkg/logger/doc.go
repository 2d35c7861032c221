// Package logger builds configured slog.Logger instances for the service:
// level and format come from the environment, static attributes identify the
// emitting component.
package logger
