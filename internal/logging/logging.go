package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger writing one object per line to w, with "ts" timestamps
// rendered in loc. A nil writer means stdout and a nil location means UTC.
func New(w io.Writer, level string, loc *time.Location) *zap.Logger {
	if w == nil {
		w = os.Stdout
	}
	if loc == nil {
		loc = time.UTC
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(loc).Format(time.RFC3339Nano))
	}
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), ParseLevel(level))
	return zap.New(core)
}

// Nop discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// ParseLevel maps debug, info, warn and error. Anything else is info.
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Component names the subsystem emitting the entry.
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// Event is the machine readable name of what happened.
func Event(name string) zap.Field {
	return zap.String("event", name)
}

// Status is starting, in_progress, success or error.
func Status(s string) zap.Field {
	return zap.String("status", s)
}

// Duration reports elapsed milliseconds since start.
func Duration(start time.Time) zap.Field {
	return zap.Int64("duration_ms", time.Since(start).Milliseconds())
}

// ErrorMessage records err as a plain string.
func ErrorMessage(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error_message", err.Error())
}
