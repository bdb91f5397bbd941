package log

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey struct{}

var (
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	rootLogger = newRootLogger()
)

func newRootLogger() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller())
}

// SetLevel changes the level of every logger returned by Logger
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// ParseLevel parses a level name (debug, info, warn, error)
func ParseLevel(s string) (zapcore.Level, error) {
	var l zapcore.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// Logger returns the logger attached to the context, or the root logger
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok {
			return l
		}
	}
	return rootLogger
}

// WithLogger returns a copy of ctx holding the given logger
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// With returns a copy of ctx whose logger carries the field key=value
func With(ctx context.Context, key string, value interface{}) context.Context {
	return WithLogger(ctx, Logger(ctx).With(zap.Any(key, value)))
}

// Fatal logs the message at fatal level using the root logger, then exits
func Fatal(msg string, fields ...zap.Field) {
	rootLogger.Fatal(msg, fields...)
}
