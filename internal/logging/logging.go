package logging

import (
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	sugar *zap.SugaredLogger
	once  sync.Once
)

// Logger is the structured logging interface used across the backend.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (n noopLogger) Infow(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Debugw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Warnw(msg string, keysAndValues ...interface{})  {}
func (n noopLogger) Errorw(msg string, keysAndValues ...interface{}) {}
func (n noopLogger) Sync() error                                     { return nil }

type holder struct{ l Logger }

var current atomic.Pointer[holder]

func init() {
	current.Store(&holder{l: noopLogger{}})
}

// ParseLevel maps a LOG_LEVEL style string to a zap level. Unknown values
// resolve to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// Init builds the process logger: JSON, ISO8601 timestamps, caller info and
// stack traces on errors. Only the first call has an effect.
func Init(level string) *zap.SugaredLogger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)
		sugar = logger.Sugar()
		current.Store(&holder{l: sugar})
	})
	return sugar
}

// SetLogger replaces the package-level logger. nil restores the logger built
// by Init, or the no-op logger when Init was never called.
func SetLogger(l Logger) {
	if l == nil {
		if sugar != nil {
			l = sugar
		} else {
			l = noopLogger{}
		}
	}
	current.Store(&holder{l: l})
}

func GetLogger() Logger { return current.Load().l }

func Infow(msg string, keysAndValues ...interface{}) {
	current.Load().l.Infow(msg, keysAndValues...)
}

func Debugw(msg string, keysAndValues ...interface{}) {
	current.Load().l.Debugw(msg, keysAndValues...)
}

func Warnw(msg string, keysAndValues ...interface{}) {
	current.Load().l.Warnw(msg, keysAndValues...)
}

func Errorw(msg string, keysAndValues ...interface{}) {
	current.Load().l.Errorw(msg, keysAndValues...)
}

// Sync flushes any buffered logs.
func Sync() error {
	return current.Load().l.Sync()
}

// SessionFields returns the canonical keys for a voice session.
func SessionFields(sessionID, modelID string) []interface{} {
	if sessionID == "" {
		return []interface{}{"model", modelID}
	}
	return []interface{}{"session_id", sessionID, "model", modelID}
}

// RemoteFields returns the canonical keys for a remote status message.
func RemoteFields(code, message string) []interface{} {
	return []interface{}{"code", code, "message", message}
}
