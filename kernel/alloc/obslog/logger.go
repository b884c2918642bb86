// Package obslog is the allocator's structured logger, adapted from the
// teacher's kernel/utils.Logger: colorized level-tagged lines, a
// package-level default logger, With(...) field binding. Trimmed of the
// WASM/JS console bridge and extended with an Abort level for the
// security-violation diagnostic path (§7).
package obslog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
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
	ABORT // logs then calls os.Exit after dumping a stack trace
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	ABORT: "ABORT",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m",
	INFO:  "\033[32m",
	WARN:  "\033[33m",
	ERROR: "\033[31m",
	ABORT: "\033[35m",
}

const colorReset = "\033[0m"

// Logger provides structured logging with a fixed component tag.
type Logger struct {
	mu         sync.Mutex
	level      Level
	component  string
	output     io.Writer
	colorize   bool
	showCaller bool
	timeFormat string
}

// Config configures a Logger instance.
type Config struct {
	Level      Level
	Component  string
	Output     io.Writer
	Colorize   bool
	ShowCaller bool
	TimeFormat string
}

// New creates a logger from cfg, defaulting Output to os.Stderr (allocator
// diagnostics should never land on a caller's stdout) and TimeFormat to a
// millisecond clock.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = "15:04:05.000"
	}
	return &Logger{
		level:      cfg.Level,
		component:  cfg.Component,
		output:     cfg.Output,
		colorize:   cfg.Colorize,
		showCaller: cfg.ShowCaller,
		timeFormat: cfg.TimeFormat,
	}
}

// Default creates a logger with sensible defaults for component.
func Default(component string) *Logger {
	return New(Config{
		Level:      INFO,
		Component:  component,
		Output:     os.Stderr,
		Colorize:   true,
		TimeFormat: "15:04:05.000",
	})
}

// With returns a logger tagged with a different component, same sink.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		level:      l.level,
		component:  component,
		output:     l.output,
		colorize:   l.colorize,
		showCaller: l.showCaller,
		timeFormat: l.timeFormat,
	}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DEBUG, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(INFO, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(WARN, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(ERROR, msg, fields...) }

// Abort logs msg at ABORT severity with a stack dump, then terminates the
// process. Used for unrecoverable heap corruption (§7: canary violation,
// double free on a still-mapped bag) where continuing would mask the bug.
func (l *Logger) Abort(msg string, fields ...Field) {
	l.log(ABORT, msg, fields...)
	l.output.Write(debug.Stack())
	os.Exit(2)
}

func (l *Logger) log(level Level, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var b strings.Builder
	if l.colorize {
		b.WriteString(levelColors[level])
	}
	b.WriteString("[")
	b.WriteString(time.Now().Format(l.timeFormat))
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)

	if len(fields) > 0 {
		b.WriteString(" ")
		for i, f := range fields {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(f.Key)
			b.WriteString("=")
			b.WriteString(f.format())
		}
	}

	if l.showCaller {
		if _, file, line, ok := runtime.Caller(2); ok {
			parts := strings.Split(file, "/")
			b.WriteString(fmt.Sprintf(" (%s:%d)", parts[len(parts)-1], line))
		}
	}

	if l.colorize {
		b.WriteString(colorReset)
	}
	b.WriteString("\n")

	l.output.Write([]byte(b.String()))
}

// Field is a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field       { return Field{key, value} }
func Int(key string, value int) Field      { return Field{key, value} }
func Uint32(key string, value uint32) Field { return Field{key, value} }
func Uint64(key string, value uint64) Field { return Field{key, value} }
func Bool(key string, value bool) Field    { return Field{key, value} }
func Err(err error) Field                  { return Field{"error", err} }
func Any(key string, value interface{}) Field { return Field{key, value} }

var global = Default("malloc")

// SetGlobal replaces the package-level default logger.
func SetGlobal(l *Logger) { global = l }

func Debug(msg string, fields ...Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { global.Error(msg, fields...) }
func Abort(msg string, fields ...Field) { global.Abort(msg, fields...) }
