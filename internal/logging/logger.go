// Package logging builds the zap logger shared by the daemon's components.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevelEnvVar controls verbosity when no level is configured.
// Valid values: "debug", "info", "warn", "error".
const LogLevelEnvVar = "SYNCML_BT_LOG_LEVEL"

var (
	mu     sync.Mutex
	logger *zap.Logger
)

// ParseLevel maps a level name to a zap level. Unknown names are an error.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("logging: unknown level %q", level)
}

// New returns a console logger at level. If level is empty the
// SYNCML_BT_LOG_LEVEL environment variable is used; if that is empty too
// the logger is silent.
func New(level string) (*zap.Logger, error) {
	if level == "" {
		level = os.Getenv(LogLevelEnvVar)
	}
	if level == "" {
		return zap.NewNop(), nil
	}
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return l, nil
}

// Initialize builds the global logger with New.
func Initialize(level string) error {
	l, err := New(level)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// L returns the global logger, a no-op logger before Initialize.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

// Sync flushes buffered entries of the global logger.
func Sync() {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l != nil {
		_ = l.Sync()
	}
}
