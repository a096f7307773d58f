// Structured logging for the MMU motion host.
//
// Provides leveled, component-prefixed loggers with key/value fields and
// text or JSON output. Motion code logs through a per-component logger so
// selector/gear/homing traffic can be filtered independently.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the level.
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
	}
	return "UNKNOWN"
}

// ParseLevel parses a string into a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	}
	return INFO
}

// Format selects the output encoding.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

// Fields is a set of structured key/value pairs attached to a message.
type Fields map[string]interface{}

var levelColors = map[Level]string{
	DEBUG: "\x1b[36m",
	INFO:  "\x1b[32m",
	WARN:  "\x1b[33m",
	ERROR: "\x1b[31m",
}

const colorReset = "\x1b[0m"

// Logger writes leveled log records for one component.
type Logger struct {
	mu       sync.Mutex
	prefix   string
	writer   io.Writer
	level    Level
	format   Format
	colorize bool
	fields   Fields
}

// New creates a logger for the named component, writing to stderr.
func New(prefix string) *Logger {
	return &Logger{
		prefix:   prefix,
		writer:   os.Stderr,
		level:    INFO,
		colorize: os.Getenv("NO_COLOR") == "",
	}
}

// SetLevel sets the minimum level emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// SetOutput redirects the logger to w and disables colors.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.writer = w
	l.colorize = false
	l.mu.Unlock()
}

// SetFormat selects text or JSON output.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	l.format = f
	l.mu.Unlock()
}

// WithFields returns a child logger that attaches the given fields to
// every record it emits.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{
		prefix:   l.prefix,
		writer:   l.writer,
		level:    l.level,
		format:   l.format,
		colorize: l.colorize,
		fields:   merged,
	}
}

// Child returns a logger for a sub-component, keeping settings and fields.
func (l *Logger) Child(name string) *Logger {
	c := l.WithFields(nil)
	if c.prefix == "" {
		c.prefix = name
	} else {
		c.prefix = c.prefix + "." + name
	}
	return c
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.level {
		return
	}
	now := time.Now()
	merged := fields
	if len(l.fields) > 0 {
		merged = make(Fields, len(l.fields)+len(fields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	var line string
	if l.format == FormatJSON {
		line = l.encodeJSON(now, level, msg, merged)
	} else {
		line = l.encodeText(now, level, msg, merged)
	}
	fmt.Fprintln(l.writer, line)
}

func (l *Logger) encodeText(now time.Time, level Level, msg string, fields Fields) string {
	var b strings.Builder
	b.WriteString(now.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	if l.colorize {
		b.WriteString(levelColors[level])
	}
	fmt.Fprintf(&b, "%-5s", level.String())
	if l.colorize {
		b.WriteString(colorReset)
	}
	if l.prefix != "" {
		fmt.Fprintf(&b, " [%s]", l.prefix)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	return b.String()
}

func (l *Logger) encodeJSON(now time.Time, level Level, msg string, fields Fields) string {
	rec := map[string]interface{}{
		"time":    now.Format(time.RFC3339Nano),
		"level":   level.String(),
		"message": msg,
	}
	if l.prefix != "" {
		rec["component"] = l.prefix
	}
	for k, v := range fields {
		rec[k] = v
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf(`{"level":"ERROR","message":"log encode: %v"}`, err)
	}
	return string(out)
}

// Debug logs a message at DEBUG level.
func (l *Logger) Debug(msg string, fields ...Fields) { l.log(DEBUG, msg, first(fields)) }

// Info logs a message at INFO level.
func (l *Logger) Info(msg string, fields ...Fields) { l.log(INFO, msg, first(fields)) }

// Warn logs a message at WARN level.
func (l *Logger) Warn(msg string, fields ...Fields) { l.log(WARN, msg, first(fields)) }

// Error logs a message at ERROR level.
func (l *Logger) Error(msg string, fields ...Fields) { l.log(ERROR, msg, first(fields)) }

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Nop returns a logger that discards everything. Used as the default in
// constructors so callers may omit a logger.
func Nop() *Logger {
	return &Logger{prefix: "", writer: io.Discard, level: ERROR + 1}
}
