package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

var globalsOnce sync.Once

// setGlobals configures zerolog's package-level field names once per
// process.
func setGlobals() {
	globalsOnce.Do(func() {
		zerolog.ErrorFieldName = "err"
		zerolog.TimeFieldFormat = timeFormat
	})
}

// Field adds one key to a log event. A key set twice keeps the later value.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field       { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field { return func(e *zerolog.Event) { e.Float64(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Any(k string, v any) Field { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err logs err under "err"; a nil error adds nothing.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Stack attaches a goroutine stack, skipping empty ones.
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a small value-type structured logger.
//
// A Logger obtained from a Service follows later Service.Apply calls. The
// zero value discards everything.
type Logger struct {
	src    func() zerolog.Logger
	fields []Field
}

var nopLogger = zerolog.Nop()

// Nop returns a logger that never writes anything.
func Nop() Logger {
	return Logger{src: func() zerolog.Logger { return nopLogger }}
}

// NewWriter logs JSON lines to w at level (default debug).
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{src: func() zerolog.Logger { return zl }}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	if l.src == nil {
		return nopLogger
	}
	return l.src()
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	return level >= l.root().GetLevel()
}

// With returns a logger that adds fields to every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.write(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(zerolog.ErrorLevel, msg, fields) }

func (l Logger) write(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
