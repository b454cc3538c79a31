// Package crdtlog provides the structured logger used by the replica's
// debug-mode invariant checks.
package crdtlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger   *zap.Logger
	loggerMu sync.RWMutex
)

func init() {
	SetLevel(zapcore.InfoLevel)
}

// SetLevel reconfigures the package logger at the given level.
func SetLevel(level zapcore.Level) {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(zapNopWriteSyncer{})), level)
	logger = zap.New(core)
}

// SetOutput installs a logger built on core. Tests and hosts that want to
// observe log output call this instead of SetLevel.
func SetOutput(core zapcore.Core) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = zap.New(core)
}

// L returns the current package logger.
func L() *zap.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Debug logs a debug-mode invariant check or codec trace message.
func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

// Warn logs a recoverable anomaly, such as an invariant violation found by
// the replica's debug-mode checker.
func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

// Error logs a fatal decode or invariant failure before it is returned to
// the caller as a typed error.
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// zapNopWriteSyncer discards output by default; production hosts call
// SetOutput with their own core to capture logs.
type zapNopWriteSyncer struct{}

func (zapNopWriteSyncer) Write(p []byte) (int, error) { return len(p), nil }
func (zapNopWriteSyncer) Sync() error                 { return nil }
