package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/austindbirch/harbor_post/internal/tracing"
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

func init() {
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// LogEntry collects correlation ids and fields for a single log line
type LogEntry struct {
	Time    time.Time
	Level   LogLevel
	Message string
	Service string
	TraceID string
	SpanID  string
	BatchID string
	ItemID  string
	Fields  map[string]any

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string

	mu sync.RWMutex
	zl zerolog.Logger
}

// New creates a new structured logger for the given service, writing JSON to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{
		service: service,
		zl:      zerolog.New(w).Level(zerolog.InfoLevel),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// SetLevel changes the minimum level; unknown names leave the level unchanged
func (l *Logger) SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return
	}
	l.mu.Lock()
	l.zl = l.zl.Level(lvl)
	l.mu.Unlock()
}

// Service returns the service name stamped on every entry
func (l *Logger) Service() string {
	return l.service
}

func (l *Logger) base() zerolog.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.zl
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(nil)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	if spanID := tracing.GetSpanID(ctx); spanID != "" {
		entry.SpanID = spanID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(nil)
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithBatch sets the batch ID for the log entry
func (e *LogEntry) WithBatch(batchID string) *LogEntry {
	e.BatchID = batchID
	return e
}

// WithItem sets the scheduled item ID for the log entry
func (e *LogEntry) WithItem(itemID string) *LogEntry {
	e.ItemID = itemID
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

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output hands the entry to zerolog as one JSON line
func (e *LogEntry) output() {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	zl := l.base()

	ev := zl.WithLevel(toZerolog(e.Level))
	if ev == nil {
		return
	}
	ev = ev.Time(zerolog.TimestampFieldName, e.Time)
	if e.Service != "" {
		ev = ev.Str("service", e.Service)
	}
	if e.TraceID != "" {
		ev = ev.Str("trace_id", e.TraceID)
	}
	if e.SpanID != "" {
		ev = ev.Str("span_id", e.SpanID)
	}
	if e.BatchID != "" {
		ev = ev.Str("batch_id", e.BatchID)
	}
	if e.ItemID != "" {
		ev = ev.Str("item_id", e.ItemID)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg(e.Message)
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Global convenience functions

var defaultLogger = New("harborpost")

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
