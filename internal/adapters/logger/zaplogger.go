package logger

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements ports.Logger on top of zap, emitting JSON lines.
type ZapLogger struct {
	z *zap.Logger
}

// NewZapLogger builds a production zap logger at the given level.
func NewZapLogger(level LogLevel) (*ZapLogger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"
	config.Level = zap.NewAtomicLevelAt(zapLevel(level))

	z, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zap logger: %w", err)
	}
	return &ZapLogger{z: z}, nil
}

// NewZapLoggerFrom wraps an existing zap logger.
func NewZapLoggerFrom(z *zap.Logger) *ZapLogger {
	return &ZapLogger{z: z}
}

func zapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) fields(ctx context.Context, fields []map[string]interface{}) []zap.Field {
	merged := mergeFields(fields)
	out := make([]zap.Field, 0, len(merged)+1)
	if userID, ok := UserFrom(ctx); ok {
		out = append(out, zap.String("user", userID))
	}
	for k, v := range merged {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.z.Debug(msg, l.fields(ctx, fields)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.z.Info(msg, l.fields(ctx, fields)...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.z.Warn(msg, l.fields(ctx, fields)...)
}

func (l *ZapLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.z.Error(msg, append(l.fields(ctx, fields), zap.Error(err))...)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.z.Sync()
}
