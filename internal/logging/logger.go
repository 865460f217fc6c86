// Package logging builds the single *zap.Logger instance threaded
// through every component constructor. Nothing in this package exposes
// a package-level logger or other global mutable state.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the configuration snapshot's "logging" group.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string

	// Encoding is "json" or "console".
	Encoding string
}

func (c Config) withDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Encoding == "" {
		c.Encoding = "json"
	}
	return c
}

// New builds a *zap.Logger from cfg. Every caller is expected to defer
// logger.Sync() once, at the same scope that owns the logger.
func New(cfg Config) (*zap.Logger, error) {
	cfg = cfg.withDefaults()

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         cfg.Encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// WithComponent returns a child logger tagged with the component field,
// the convention every constructor in this module follows so log lines
// can be filtered by subsystem.
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithCorrelation tags a logger with a caller-supplied correlation id
// (for instance a CorrelationContext's CorrelationID); an empty id
// returns logger unchanged.
func WithCorrelation(logger *zap.Logger, correlationID string) *zap.Logger {
	if correlationID == "" {
		return logger
	}
	return logger.With(zap.String("correlation_id", correlationID))
}
