// Package logger constructs the structured loggers used throughout the
// engine. Every subsystem takes a *zap.SugaredLogger built here, tagged with
// its own "service" field so a single process log can be filtered by
// component (block allocator, segment allocator, compactor, ...).
package logger

import (
	"go.uber.org/zap"
)

// New builds a production-configured, JSON-encoded logger for the given
// service name. Callers that need a different sink (tests, CLI front-ends)
// should build their own *zap.Logger and call Wrap instead.
func New(service string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"

	log, err := cfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		// Fall back to a basic logger rather than leaving callers with a
		// nil pointer; logging configuration failures should never be
		// fatal to opening the database.
		log = zap.NewNop()
	}

	return log.Sugar().With("service", service)
}

// Wrap adapts an existing *zap.Logger into the SugaredLogger convention used
// across the engine, tagging it with service the same way New does.
func Wrap(base *zap.Logger, service string) *zap.SugaredLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.Sugar().With("service", service)
}

// Nop returns a logger that discards everything. Used as the default in
// tests and by components constructed without an explicit logger.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
