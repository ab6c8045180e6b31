package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var nopLogger = zap.NewNop().Sugar()

// NopLogger returns a logger that discards everything.
func NopLogger() *zap.SugaredLogger {
	return nopLogger
}

// NewZapLogger builds a console zap logger at the named level
// (debug, info, warn, error).
func NewZapLogger(level string) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if level == "" {
		level = "info"
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Sugar(), nil
}
