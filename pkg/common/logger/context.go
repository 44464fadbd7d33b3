package logger

import (
	"context"
	"sync"
)

// LoggerContext wraps a Logger with a mutable set of attributes so long
// running operations can accumulate identifying fields (job id, task id,
// offsets) as they become known, instead of threading them through every
// log call.
type LoggerContext struct {
	mu     sync.Mutex
	logger *Logger
	args   []any
}

// NewLoggerContext constructs a LoggerContext around the given Logger.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs included in every subsequent log record.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.args = append(lc.args, args...)
}

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, 3, msg, lc.merged(args)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, 3, msg, lc.merged(args)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, 3, msg, lc.merged(args)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, 3, msg, lc.merged(args)...)
}

func (lc *LoggerContext) merged(args []any) []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	out := make([]any, 0, len(lc.args)+len(args))
	out = append(out, lc.args...)
	out = append(out, args...)
	return out
}
