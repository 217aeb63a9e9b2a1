// Package logging constructs the zap loggers used throughout the guard.
package logging

import "go.uber.org/zap"

// NewDefault returns a production zap logger, mirroring the construction
// used by the host orchestrator's own entrypoint.
func NewDefault() (*zap.Logger, error) {
	return zap.NewProduction()
}

// NewNop returns a logger that discards everything, for tests and hosts
// that don't want guard log output.
func NewNop() *zap.Logger {
	return zap.NewNop()
}
