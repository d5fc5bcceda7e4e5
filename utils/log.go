package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a command-line level name to a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return TRACE
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "critical":
		return CRITICAL
	default:
		return INFO
	}
}

// sink is shared by a logger and all of its named children.
type sink struct {
	mu       sync.Mutex
	minLevel LogLevel
	file     *os.File
	out      []io.Writer
}

// Logger writes levelled, timestamped lines. Named children share the parent's sink and level.
type Logger struct {
	sink      *sink
	component string
}

func NewFileLogger(filePath string, minLevel LogLevel, alsoStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	s := &sink{minLevel: minLevel, file: f, out: []io.Writer{f}}
	if alsoStdout {
		s.out = append(s.out, os.Stdout)
	}
	return &Logger{sink: s}, nil
}

// NewLogger writes to w only. Tests pass a bytes.Buffer; io.Discard silences output.
func NewLogger(w io.Writer, minLevel LogLevel) *Logger {
	return &Logger{sink: &sink{minLevel: minLevel, out: []io.Writer{w}}}
}

// Named returns a child logger whose lines carry "component:" after the level tag.
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{sink: l.sink, component: name}
}

func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file != nil {
		err := l.sink.file.Close()
		l.sink.file = nil
		l.sink.out = nil
		return err
	}
	return nil
}

func (l *Logger) SetMinLevel(level LogLevel) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.minLevel = level
}

// Enabled reports whether a line at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return level >= l.sink.minLevel
}

func (l *Logger) log(level LogLevel, msg string, args ...any) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.minLevel {
		return
	}

	ts := time.Now().Format(time.RFC3339Nano)
	body := fmt.Sprintf(msg, args...)
	var line string
	if l.component != "" {
		line = fmt.Sprintf("%s [%s] %s: %s\n", ts, level.String(), l.component, body)
	} else {
		line = fmt.Sprintf("%s [%s] %s\n", ts, level.String(), body)
	}

	for _, w := range s.out {
		_, _ = io.WriteString(w, line)
	}
	if s.file != nil {
		_ = s.file.Sync()
	}
}

func (l *Logger) Trace(msg string, args ...any)    { l.log(TRACE, msg, args...) }
func (l *Logger) Debug(msg string, args ...any)    { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)     { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)     { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any)    { l.log(ERROR, msg, args...) }
func (l *Logger) Critical(msg string, args ...any) { l.log(CRITICAL, msg, args...) }
