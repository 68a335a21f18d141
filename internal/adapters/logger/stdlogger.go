package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"slices"
	"strings"
)

// StdLogger writes one plain-text line per entry:
//
//	[LEVEL] message | user=<id> | error: <err> | k1=v1 k2=v2
//
// Sections are omitted when empty and field keys are sorted.
type StdLogger struct {
	out *log.Logger
	min LogLevel
}

// NewStdLogger logs to stderr.
func NewStdLogger(level LogLevel) *StdLogger {
	return NewStdLoggerTo(os.Stderr, level)
}

func NewStdLoggerTo(w io.Writer, level LogLevel) *StdLogger {
	return &StdLogger{out: log.New(w, "", log.LstdFlags|log.Lmicroseconds), min: level}
}

func (l *StdLogger) write(ctx context.Context, level LogLevel, msg string, err error, fields []map[string]interface{}) {
	if level < l.min {
		return
	}
	var line strings.Builder
	fmt.Fprintf(&line, "[%s] %s", level, msg)
	if userID, ok := UserFrom(ctx); ok {
		fmt.Fprintf(&line, " | user=%s", userID)
	}
	if err != nil {
		fmt.Fprintf(&line, " | error: %v", err)
	}
	if merged := mergeFields(fields); len(merged) > 0 {
		line.WriteString(" |")
		for _, k := range slices.Sorted(maps.Keys(merged)) {
			fmt.Fprintf(&line, " %s=%v", k, merged[k])
		}
	}
	l.out.Println(line.String())
}

func (l *StdLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelDebug, msg, nil, fields)
}

func (l *StdLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelInfo, msg, nil, fields)
}

func (l *StdLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelWarn, msg, nil, fields)
}

func (l *StdLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	l.write(ctx, LevelError, msg, err, fields)
}
