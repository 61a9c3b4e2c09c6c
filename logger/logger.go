// Package logger is the structured logging facade used across go-netsys.
// Records are written through zerolog, optionally mirrored to a file that
// rotates once a day.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field is one structured key/value attached to a log record.
type Field struct {
	Key   string
	Value any
}

// Err wraps an error as the conventional "error" field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// Logger writes leveled, structured records. Derived loggers created with
// With share the parent's sinks.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a child logger that adds fields to every record.
	With(fields ...Field) Logger

	// GetLoggerInstance exposes the underlying zerolog.Logger.
	GetLoggerInstance() interface{}

	// Close releases the file sink, if this logger owns one. Safe to call
	// more than once.
	Close() error
}

type zerologLogger struct {
	logger         zerolog.Logger
	fileWriter     *DailyFileWriter
	ownsFileWriter bool
}

// ParseLevel maps a config string ("debug", "info", ...) to a zerolog level.
// An empty string means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logger: %w", err)
	}

	return lvl, nil
}

// NewZerologLogger wraps l, tagging every record with the service name and a
// timestamp and dropping records below level.
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewConsoleLogger logs to stdout.
func NewConsoleLogger(serviceName string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(os.Stdout), serviceName, level)
}

// NewNopLogger discards everything. Tests use it.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// NewZerologFileLogger logs to stdout and to {serviceName}_{date}.log files in
// logDir, creating logDir when missing.
//
// Returns:
//   - The Logger, or an error if the directory or first file cannot be opened
func NewZerologFileLogger(serviceName string, logDir string, level zerolog.Level) (Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: create log directory: %w", err)
	}

	fileWriter, err := NewDailyFileWriter(serviceName, logDir)
	if err != nil {
		return nil, fmt.Errorf("logger: file writer: %w", err)
	}

	out := io.MultiWriter(os.Stdout, fileWriter)
	return &zerologLogger{
		logger:         zerolog.New(out).With().Str("service", serviceName).Timestamp().Logger().Level(level),
		fileWriter:     fileWriter,
		ownsFileWriter: true,
	}, nil
}

func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

func (z *zerologLogger) GetLoggerInstance() interface{} {
	return z.logger
}

func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFileWriter {
		return z.fileWriter.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			m[f.Key] = err.Error()
			continue
		}

		m[f.Key] = f.Value
	}

	return m
}
