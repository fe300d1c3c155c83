package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Fields are structured key/value pairs attached to a log line.
type Fields map[string]interface{}

// Logger provides leveled, structured logging to one or more writers.
// Loggers derived with WithField share the parent's output and file.
type Logger struct {
	level      Level
	jsonFormat bool
	out        *output
	fields     Fields
}

type output struct {
	mu      sync.Mutex
	base    io.Writer
	w       io.Writer
	logFile *os.File
}

// rewire recomputes the effective writer; callers hold mu.
func (o *output) rewire() {
	if o.logFile != nil {
		o.w = io.MultiWriter(o.base, o.logFile)
		return
	}
	o.w = o.base
}

// NewLogger creates a logger writing to stderr.
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		out:        &output{base: os.Stderr, w: os.Stderr},
		fields:     Fields{},
	}
}

// Nop returns a logger that discards everything. Useful as a default.
func Nop() *Logger {
	l := NewLogger(ERROR+1, false)
	l.SetOutput(io.Discard)
	return l
}

// AttachFile tees output into <dir>/<name>.log, creating dir as needed.
// Runs call this with their run directory so logs live next to checkpoints.
func (l *Logger) AttachFile(dir, name string) (string, error) {
	logDir := filepath.Join(dir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	logPath := filepath.Join(logDir, name+".log")

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l.out.mu.Lock()
	if l.out.logFile != nil {
		l.out.logFile.Close()
	}
	l.out.logFile = f
	l.out.rewire()
	l.out.mu.Unlock()

	return logPath, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.base = w
	l.out.rewire()
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	var line string
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = string(data) + "\n"
	} else {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s: %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), message)
		if len(merged) > 0 {
			keys := make([]string, 0, len(merged))
			for k := range merged {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, merged[k])
			}
		}
		b.WriteByte('\n')
		line = b.String()
	}

	l.out.mu.Lock()
	io.WriteString(l.out.w, line)
	l.out.mu.Unlock()
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ERROR, message, first(fields))
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(Fields, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		out:        l.out,
		fields:     newFields,
	}
}

// Component is shorthand for WithField("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Close closes the log file if one is attached
func (l *Logger) Close() error {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	if l.out.logFile != nil {
		err := l.out.logFile.Close()
		l.out.logFile = nil
		l.out.rewire()
		return err
	}
	return nil
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}
