package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/austindbirch/jiva_gateway/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// LogEntry accumulates correlation ids and fields until a level method emits it.
type LogEntry struct {
	Time       time.Time
	Level      LogLevel
	Message    string
	Service    string
	TraceID    string
	TenantID   string
	JobID      string
	Queue      string
	EndpointID string
	Fields     map[string]any

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	base    *logrus.Logger
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(logrus.InfoLevel)
	return &Logger{service: service, base: base}
}

// SetLevel parses a level name ("debug", "info", ...). Unknown names are an error.
func (l *Logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.base.SetLevel(lvl)
	return nil
}

// SetOutput redirects the JSON stream.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// Logrus exposes the backing logger for libraries that take a *logrus.Logger or io.Writer.
func (l *Logger) Logrus() *logrus.Logger {
	return l.base
}

func (l *Logger) newEntry(fields map[string]any) *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.newEntry(make(map[string]any))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.newEntry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.newEntry(make(map[string]any))
}

func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithTenant tags the entry with the client id of the owning app.
func (e *LogEntry) WithTenant(clientID string) *LogEntry {
	e.TenantID = clientID
	return e
}

func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

func (e *LogEntry) WithQueue(queue string) *LogEntry {
	e.Queue = queue
	return e
}

func (e *LogEntry) WithEndpoint(endpointID string) *LogEntry {
	e.EndpointID = endpointID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.emit(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.emit(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.emit(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.emit(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) { e.emit(LevelFatal, message) }

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
}

// logrusFields flattens correlation ids and free-form fields into one map.
// Correlation ids win over free-form fields with the same key.
func (e *LogEntry) logrusFields() logrus.Fields {
	out := make(logrus.Fields, len(e.Fields)+6)
	for k, v := range e.Fields {
		out[k] = v
	}
	set := func(key, val string) {
		if val != "" {
			out[key] = val
		}
	}
	set("service", e.Service)
	set("trace_id", e.TraceID)
	set("client_id", e.TenantID)
	set("job_id", e.JobID)
	set("queue", e.Queue)
	set("endpoint_id", e.EndpointID)
	return out
}

func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	entry := l.base.WithFields(e.logrusFields()).WithTime(e.Time)
	if level == LevelFatal {
		entry.Fatal(message)
		return
	}
	entry.Log(level.logrus(), message)
}

var defaultLogger = New("jiva-gateway")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// StdLogger adapts the logger to the *log.Logger shape that go-nsq and
// net/http expect. Lines are written at the given level.
func (l *Logger) StdLogger(level LogLevel, prefix string) *log.Logger {
	return log.New(l.base.WriterLevel(level.logrus()), prefix, 0)
}
