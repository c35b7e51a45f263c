// Package logger provides leveled, printf-style logging for trnlaunch.
//
// The package exposes a small package-level API (Info, Debug, Warn, Error)
// backed by a zap SugaredLogger. Debug output is suppressed by default and
// enabled with SetDebug(true), typically wired to a --verbose flag.
//
// All output goes to stderr so that it never interleaves with trainer
// output teed to stdout and the run log file.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// level controls the minimum emitted log level at runtime.
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	// sugar is the shared logger instance used by the package-level functions.
	sugar = newLogger()
)

// newLogger builds the zap logger backing the package-level API.
//
// A console encoder is used rather than JSON: the launcher is an
// interactive CLI and its diagnostics are read by humans, not shipped
// to a log aggregator.
func newLogger() *zap.SugaredLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	return zap.New(core).Sugar()
}

// SetDebug enables or disables debug-level output.
//
// Parameters:
//   - enabled: true to emit Debug messages, false to suppress them
func SetDebug(enabled bool) {
	if enabled {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Debug logs a printf-style message at debug level.
func Debug(format string, args ...interface{}) {
	sugar.Debugf(format, args...)
}

// Info logs a printf-style message at info level.
func Info(format string, args ...interface{}) {
	sugar.Infof(format, args...)
}

// Warn logs a printf-style message at warn level.
func Warn(format string, args ...interface{}) {
	sugar.Warnf(format, args...)
}

// Error logs a printf-style message at error level.
func Error(format string, args ...interface{}) {
	sugar.Errorf(format, args...)
}

// Sync flushes any buffered log entries. Called before process exit.
func Sync() {
	_ = sugar.Sync()
}
