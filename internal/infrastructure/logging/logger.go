// Package logging provides a wrapper around zap for structured logging
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger providing a simplified API
type Logger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// Fields is a type alias for key-value pairs
type Fields map[string]interface{}

// LogLevel represents the log severity level
type LogLevel string

// Available log levels
const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
	FatalLevel LogLevel = "fatal"
)

// Config represents the logging configuration
type Config struct {
	Level         LogLevel
	Development   bool
	OutputPaths   []string
	InitialFields Fields
}

// DefaultConfig returns a default configuration for the logger
func DefaultConfig() Config {
	return Config{
		Level:       InfoLevel,
		Development: false,
		OutputPaths: []string{"stdout"},
	}
}

// DevelopmentConfig returns a development configuration for the logger
func DevelopmentConfig() Config {
	return Config{
		Level:       DebugLevel,
		Development: true,
		OutputPaths: []string{"stdout"},
	}
}

// New creates a new logger with the given configuration
func New(config Config) (*Logger, error) {
	var level zapcore.Level
	switch config.Level {
	case DebugLevel:
		level = zapcore.DebugLevel
	case InfoLevel:
		level = zapcore.InfoLevel
	case WarnLevel:
		level = zapcore.WarnLevel
	case ErrorLevel:
		level = zapcore.ErrorLevel
	case FatalLevel:
		level = zapcore.FatalLevel
	default:
		level = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.Development,
		DisableStacktrace: !config.Development,
		Encoding:          "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      config.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	if config.InitialFields != nil {
		zapConfig.InitialFields = make(map[string]interface{})
		for k, v := range config.InitialFields {
			zapConfig.InitialFields[k] = v
		}
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	return &Logger{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}, nil
}

// NewDevelopment creates a new development logger
func NewDevelopment() (*Logger, error) {
	return New(DevelopmentConfig())
}

// NewNop creates a logger that discards everything; used in tests.
func NewNop() *Logger {
	zapLogger := zap.NewNop()
	return &Logger{logger: zapLogger, sugar: zapLogger.Sugar()}
}

var (
	defaultLogger *Logger
	defaultOnce   sync.Once
)

// Default returns a process-wide fallback logger.
func Default() *Logger {
	defaultOnce.Do(func() {
		l, err := New(DefaultConfig())
		if err != nil {
			l = NewNop()
		}
		defaultLogger = l
	})
	return defaultLogger
}

// With returns a logger with the given fields
func (l *Logger) With(fields Fields) *Logger {
	if len(fields) == 0 {
		return l
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}

	newLogger := l.logger.With(zapFields...)
	return &Logger{
		logger: newLogger,
		sugar:  newLogger.Sugar(),
	}
}

// Debug logs a message at debug level with optional fields
func (l *Logger) Debug(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.With(fields[0]).logger.Debug(msg)
	} else {
		l.logger.Debug(msg)
	}
}

// Info logs a message at info level with optional fields
func (l *Logger) Info(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.With(fields[0]).logger.Info(msg)
	} else {
		l.logger.Info(msg)
	}
}

// Warn logs a message at warn level with optional fields
func (l *Logger) Warn(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.With(fields[0]).logger.Warn(msg)
	} else {
		l.logger.Warn(msg)
	}
}

// Error logs a message at error level with optional fields
func (l *Logger) Error(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.With(fields[0]).logger.Error(msg)
	} else {
		l.logger.Error(msg)
	}
}

// Fatal logs a message at fatal level with optional fields and then calls os.Exit(1)
func (l *Logger) Fatal(msg string, fields ...Fields) {
	if len(fields) > 0 {
		l.With(fields[0]).logger.Fatal(msg)
	} else {
		l.logger.Fatal(msg)
	}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.logger.Sync()
}
