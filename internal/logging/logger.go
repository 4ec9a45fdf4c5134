// Package logging builds the zap loggers used across the application.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the application logger. Every invocation gets a run identifier
// attached as a "run_id" field so log lines from concurrent or resumed runs
// can be told apart. Development mode switches to the human-readable console
// encoder with colored levels; production mode emits JSON and suppresses
// stacktraces, which only add noise for the expected per-URL warnings.
func New(development bool, runID string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	if runID != "" {
		logger = logger.With(zap.String("run_id", runID))
	}
	return logger, nil
}
