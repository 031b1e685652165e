package core

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a JSONLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel converts a level name to a LogLevel, defaulting to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// JSONLogger writes one JSON object per log line. It is safe for concurrent
// use and implements the Logger interface.
type JSONLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  LogLevel
	fields map[string]interface{}
}

// NewJSONLogger creates a logger writing to stderr at the given level.
func NewJSONLogger(level string) *JSONLogger {
	return &JSONLogger{
		out:    os.Stderr,
		level:  ParseLogLevel(level),
		fields: map[string]interface{}{},
	}
}

// NewJSONLoggerWithWriter creates a logger writing to the given writer.
// Used by tests to capture output.
func NewJSONLoggerWithWriter(w io.Writer, level string) *JSONLogger {
	return &JSONLogger{
		out:    w,
		level:  ParseLogLevel(level),
		fields: map[string]interface{}{},
	}
}

// WithComponent returns a logger that stamps every entry with the component name.
func (l *JSONLogger) WithComponent(name string) Logger {
	merged := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		merged[k] = v
	}
	merged["component"] = name
	return &JSONLogger{out: l.out, level: l.level, fields: merged}
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "debug", msg, fields)
}

func (l *JSONLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "info", msg, fields)
}

func (l *JSONLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "warn", msg, fields)
}

func (l *JSONLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "error", msg, fields)
}

func (l *JSONLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		entry[k] = v
	}
	for k, v := range fields {
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		// Field values that cannot marshal should not lose the message.
		data, _ = json.Marshal(map[string]interface{}{
			"ts":    time.Now().UTC().Format(time.RFC3339Nano),
			"level": name,
			"msg":   msg,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(data, '\n'))
}

// Compile-time interface compliance check
var _ Logger = (*JSONLogger)(nil)
