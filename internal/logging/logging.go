// Package logging configures the zap loggers shared by the agtools
// subsystems. Every subsystem logs through a named child of one process
// logger so a single flag controls verbosity everywhere.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init builds the process logger and installs it as zap's global. level is
// one of debug, info, warn, error ("" means info). When file is set the
// output goes there instead of stderr; parent directories are created.
func Init(level, file string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = []string{file}
		cfg.ErrorOutputPaths = []string{file}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Named returns a child of the global logger for one subsystem, e.g.
// "proxy", "accounts", "router", "monitor".
func Named(subsystem string) *zap.Logger {
	return zap.L().Named(subsystem)
}
