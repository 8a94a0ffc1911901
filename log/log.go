// Package log wraps zerolog behind a small leveled interface, the way
// absmach-magistrala/logger wraps go-kit/log: call sites depend on Logger,
// not the concrete zerolog.Logger, so swapping backends never ripples.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger specifies the logging API the rest of this module depends on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
}

// Field is one structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Str builds a string Field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Uint32 builds a uint32 Field.
func Uint32(key string, value uint32) Field { return Field{Key: key, Value: value} }

// Int builds an int Field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

var _ Logger = (*zlogger)(nil)

type zlogger struct {
	z zerolog.Logger
}

// New returns a Logger that writes newline-delimited timestamped JSON to out
// at the given minimum level.
func New(out io.Writer, level string) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	z := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	return &zlogger{z: z}
}

// NewDefault returns a Logger writing to stderr at info level, the shim's
// zero-configuration default.
func NewDefault() Logger {
	return New(os.Stderr, "info")
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	return e
}

func (l *zlogger) Debug(msg string, fields ...Field) {
	apply(l.z.Debug(), fields).Msg(msg)
}

func (l *zlogger) Info(msg string, fields ...Field) {
	apply(l.z.Info(), fields).Msg(msg)
}

func (l *zlogger) Warn(msg string, fields ...Field) {
	apply(l.z.Warn(), fields).Msg(msg)
}

func (l *zlogger) Error(msg string, err error, fields ...Field) {
	apply(l.z.Error().Err(err), fields).Msg(msg)
}
