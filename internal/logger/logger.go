// Package logger provides structured, level-gated logging for the engine,
// the CLI and the HTTP API.
//
// Each entry is written as a single line with fixed-width columns:
//
//	2006-01-02 15:04:05.000 | MODULE       | ACTION                 | LEVEL | message
//
// Levels (lowest to highest): debug, info, warn, error.
// Entries below the configured minimum level are dropped by the zap core.
//
// Usage:
//
//	log := logger.New("ENGINE", cfg.LogLevel)
//	log.Info("redact", "backend=rules stats=map[date:2]")
//	log.Errorf("dict_load", "open %s: %v", path, err)
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a log severity.
type Level = zapcore.Level

// Log severity constants, ordered lowest to highest.
const (
	LevelDebug = zapcore.DebugLevel // fine-grained diagnostic output
	LevelInfo  = zapcore.InfoLevel  // normal operational messages
	LevelWarn  = zapcore.WarnLevel  // unexpected but recoverable conditions
	LevelError = zapcore.ErrorLevel // failures requiring attention
)

// Logger writes structured log lines for a single module.
// Loggers derived with Module share the level and the sink.
type Logger struct {
	module string
	level  zap.AtomicLevel
	base   *zap.Logger
	out    *zap.Logger
}

// New creates a Logger for the given module writing to stderr, gated at the
// given level string. Unrecognized level strings default to "info".
func New(module, levelStr string) *Logger {
	return newWithSink(module, levelStr, zapcore.Lock(os.Stderr))
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return &Logger{
		module: "NOP",
		level:  zap.NewAtomicLevelAt(zapcore.FatalLevel),
		base:   zap.NewNop(),
		out:    zap.NewNop(),
	}
}

func newWithSink(module, levelStr string, ws zapcore.WriteSyncer) *Logger {
	lvl := zap.NewAtomicLevelAt(parseLevel(levelStr))
	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "ts",
		NameKey:          "module",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:       func(n string, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(fmt.Sprintf("%-12s", n)) },
		ConsoleSeparator: " | ",
	})
	base := zap.New(zapcore.NewCore(enc, ws, lvl))
	mod := strings.ToUpper(module)
	return &Logger{module: mod, level: lvl, base: base, out: base.Named(mod)}
}

// Module returns a Logger for another module sharing this logger's sink and level.
func (l *Logger) Module(module string) *Logger {
	mod := strings.ToUpper(module)
	return &Logger{module: mod, level: l.level, base: l.base, out: l.base.Named(mod)}
}

// SetLevel changes the minimum log level at runtime.
func (l *Logger) SetLevel(levelStr string) {
	l.level.SetLevel(parseLevel(levelStr))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.out.Sync() }

// Debug logs at DEBUG level.
func (l *Logger) Debug(action, msg string) { l.write(LevelDebug, "DEBUG", action, msg) }

// Info logs at INFO level.
func (l *Logger) Info(action, msg string) { l.write(LevelInfo, "INFO ", action, msg) }

// Warn logs at WARN level.
func (l *Logger) Warn(action, msg string) { l.write(LevelWarn, "WARN ", action, msg) }

// Error logs at ERROR level.
func (l *Logger) Error(action, msg string) { l.write(LevelError, "ERROR", action, msg) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(action, format string, args ...any) {
	l.Debug(action, fmt.Sprintf(format, args...))
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(action, format string, args ...any) {
	l.Info(action, fmt.Sprintf(format, args...))
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(action, format string, args ...any) {
	l.Warn(action, fmt.Sprintf(format, args...))
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(action, format string, args ...any) {
	l.Error(action, fmt.Sprintf(format, args...))
}

// Fatal logs at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatal(action, msg string) {
	l.Error(action, msg)
	_ = l.out.Sync()
	os.Exit(1)
}

// Fatalf logs a formatted message at ERROR level and then calls os.Exit(1).
func (l *Logger) Fatalf(action, format string, args ...any) {
	l.Fatal(action, fmt.Sprintf(format, args...))
}

// write emits one log line if the core accepts level.
func (l *Logger) write(level Level, levelLabel, action, msg string) {
	if ce := l.out.Check(level, ""); ce != nil {
		ce.Message = fmt.Sprintf("%-22s | %s | %s", action, levelLabel, msg)
		ce.Write()
	}
}

// parseLevel converts a string to a Level, defaulting to LevelInfo.
func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
