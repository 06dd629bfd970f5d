// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	// ProfileStructured emits JSON lines to stderr.
	ProfileStructured = "structured"

	// ProfileConsole emits human-readable lines to stderr.
	ProfileConsole = "console"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs so packages can log unconditionally.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger. verbose forces debug level and the
// console profile.
func InitCLILogger(serviceName string, level, profile string, verbose bool) error {
	if verbose {
		level = "debug"
		profile = ProfileConsole
	}
	logger, err := NewLogger(level, profile)
	if err != nil {
		return err
	}
	if serviceName != "" {
		logger = logger.Named(serviceName)
	}
	CLILogger = logger
	return nil
}

// NewLogger builds a logger for the given level and profile. Empty values
// select info and the structured profile.
func NewLogger(level, profile string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("invalid log profile %q (expected structured or console)", profile)
	}

	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.Sampling = nil

	return cfg.Build()
}
