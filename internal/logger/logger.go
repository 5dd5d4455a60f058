// Package logger wraps logrus with the fields and output handling the
// converter services share.
package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// Standard field names used across the pipeline.
const (
	FieldJobID      = "job_id"
	FieldFile       = "artifact"
	FieldStartBlock = "start_block"
	FieldEndBlock   = "end_block"
	FieldComponent  = "component"
	FieldDurationMs = "duration_ms"
	FieldCount      = "count"
	FieldPath       = "path"
)

// Logger wraps logrus.Entry to provide structured logging.
type Logger struct {
	*logrus.Entry
	closer io.Closer
}

// Config holds logger configuration.
type Config struct {
	Level       string    // debug, info, warn, error
	Format      string    // json, text
	Output      io.Writer // overrides stdout when set
	ServiceName string

	// File, when set, adds a rotating file sink next to stdout.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:       "info",
		Format:      "json",
		ServiceName: "proof-converter",
		MaxSizeMB:   100,
		MaxBackups:  7,
		MaxAgeDays:  30,
	}
}

// New creates a new Logger with the given configuration; nil uses DefaultConfig.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(true)

	if strings.ToLower(cfg.Format) == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	}

	var closer io.Closer
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.File != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		closer = fileWriter
		out = io.MultiWriter(out, fileWriter)
	}
	log.SetOutput(out)

	service := cfg.ServiceName
	if service == "" {
		service = "proof-converter"
	}
	return &Logger{Entry: log.WithField("service", service), closer: closer}
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// WithFields returns a new Logger with additional fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{Entry: l.Entry.WithFields(logrus.Fields(fields)), closer: l.closer}
}

// WithField returns a new Logger with a single additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Entry: l.Entry.WithField(key, value), closer: l.closer}
}

// WithError returns a new Logger with an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err), closer: l.closer}
}

// Component tags log lines with the emitting component.
func (l *Logger) Component(name string) *Logger {
	return l.WithField(FieldComponent, name)
}

// Discard returns a logger that drops everything; used by tests and tools.
func Discard() *Logger {
	return New(&Config{Level: "panic", Output: io.Discard})
}

type contextKey struct{}

// WithContext returns a new context with the logger attached.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext extracts the logger from ctx, falling back to def.
func FromContext(ctx context.Context, def *Logger) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*Logger); ok {
			return l
		}
	}
	return def
}

// callerPrettyfier simplifies caller information to function and file:line.
func callerPrettyfier(frame *runtime.Frame) (function string, file string) {
	funcName := frame.Function
	if idx := strings.LastIndex(funcName, "/"); idx != -1 {
		funcName = funcName[idx+1:]
	}
	return funcName, filepath.Base(frame.File) + ":" + strconv.Itoa(frame.Line)
}
