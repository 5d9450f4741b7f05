package logger

import (
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logfmt/logfmt"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelFatal: "fatal",
}

func (l Level) String() string {
	return levelNames[l]
}

// ParseLevel maps the config spelling of a level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level
		}
	}
	return LevelInfo
}

type sink struct {
	encoder *logfmt.Encoder
	mu      sync.Mutex
	level   Level
}

type Logger struct {
	out    *sink
	fields map[string]any
}

func New(output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{
		out: &sink{
			encoder: logfmt.NewEncoder(output),
			level:   LevelInfo,
		},
	}
}

func NewDefault() *Logger {
	return New(os.Stdout)
}

// SetLevel changes the minimum level for this logger and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// With returns a child logger that adds fields to every record.
func (l *Logger) With(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{out: l.out, fields: merged}
}

func (l *Logger) log(level Level, msg string, fields map[string]any) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if level < l.out.level {
		return
	}

	enc := l.out.encoder
	_ = enc.EncodeKeyval("time", time.Now().Format(time.RFC3339))
	_ = enc.EncodeKeyval("level", level.String())
	_ = enc.EncodeKeyval("msg", msg)

	for _, k := range sortedKeys(l.fields, fields) {
		v, ok := fields[k]
		if !ok {
			v = l.fields[k]
		}
		_ = enc.EncodeKeyval(k, v)
	}

	_ = enc.EndRecord()
}

func sortedKeys(base, extra map[string]any) []string {
	keys := make([]string, 0, len(base)+len(extra))
	for k := range base {
		if _, dup := extra[k]; !dup {
			keys = append(keys, k)
		}
	}
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.log(LevelDebug, msg, fields)
}

func (l *Logger) Info(msg string, fields map[string]any) {
	l.log(LevelInfo, msg, fields)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
	}
	l.log(LevelError, msg, merged)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	l.log(LevelWarn, msg, fields)
}

func (l *Logger) Fatal(msg string, fields map[string]any) {
	l.log(LevelFatal, msg, fields)
	os.Exit(1)
}

var defaultLogger = NewDefault()

// Default returns the process-wide logger used by the package-level helpers.
func Default() *Logger {
	return defaultLogger
}

func SetLevel(level Level) {
	defaultLogger.SetLevel(level)
}

func Debug(msg string, fields map[string]any) {
	defaultLogger.Debug(msg, fields)
}

func Info(msg string, fields map[string]any) {
	defaultLogger.Info(msg, fields)
}

func Error(msg string, err error, fields map[string]any) {
	defaultLogger.Error(msg, err, fields)
}

func Warn(msg string, fields map[string]any) {
	defaultLogger.Warn(msg, fields)
}

func Fatal(msg string, fields map[string]any) {
	defaultLogger.Fatal(msg, fields)
}
