package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

// Logger is a value-type structured logger. The zero value discards
// everything. Loggers derived from a Service follow its Apply calls.
type Logger struct {
	svc   *Service
	fixed *zerolog.Logger
	extra []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewWriter returns a JSON logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	return standalone(w, level)
}

func standalone(w io.Writer, level string) Logger {
	initGlobals()
	zl := build(w, ParseLevel(level, LevelInfo))
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.extra) == 0 }

func (l Logger) backend() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.load()
	case l.fixed != nil:
		return *l.fixed
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether level would be written.
func (l Logger) Enabled(level Level) bool {
	zl := l.backend()
	return level >= zl.GetLevel()
}

// With returns a copy that adds fields to every entry.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	out := l
	out.extra = make([]Field, 0, len(l.extra)+len(fields))
	out.extra = append(append(out.extra, l.extra...), fields...)
	return out
}

// Named tags entries with the emitting component.
func (l Logger) Named(name string) Logger { return l.With(String("comp", name)) }

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.backend()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	// 0 = emit, 1 = Info/Warn/..., 2 = the caller we want.
	if _, file, line, ok := runtime.Caller(2); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(e, l.extra)
	apply(e, fields)
	e.Msg(msg)
}
