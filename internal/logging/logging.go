// Package logging builds the zap loggers used by every long-running component.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/msageha/taskvault/internal/model"
)

// ParseLevel maps a config level name to a zap level. Unknown names mean info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	return zapcore.NewConsoleEncoder(encoderCfg)
}

// New returns a logger for component that writes to <logDir>/<component>.log and, when
// stderr is set, to stderr as well. The returned func flushes and closes the file.
func New(cfg model.LoggingConfig, logDir, component string, stderr bool) (*zap.Logger, func(), error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, component+".log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s log: %w", component, err)
	}

	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(cfg.Format), zapcore.AddSync(f), level),
	}
	if stderr {
		cores = append(cores, zapcore.NewCore(newEncoder("console"), zapcore.Lock(os.Stderr), level))
	}

	logger := zap.New(zapcore.NewTee(cores...)).Named(component)
	closeFn := func() {
		_ = logger.Sync()
		_ = f.Close()
	}
	return logger, closeFn, nil
}

// Console returns a stderr-only logger for short-lived commands.
func Console(cfg model.LoggingConfig) *zap.Logger {
	core := zapcore.NewCore(newEncoder("console"), zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(ParseLevel(cfg.Level)))
	return zap.New(core)
}
