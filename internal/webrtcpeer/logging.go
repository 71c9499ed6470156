package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output stays hidden
// unless explicitly enabled.
const levelTrace = slog.LevelDebug - 4

type slogLoggerFactory struct {
	logger *slog.Logger
}

// NewSlogLoggerFactory routes pion's internal logging through logger, tagging
// every record with the pion scope (ice, dtls, sctp, ...).
func NewSlogLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogLoggerFactory{logger: logger}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveledLogger{logger: f.logger.With("pion_scope", scope)}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l slogLeveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l slogLeveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveledLogger) Trace(msg string)                  { l.log(levelTrace, msg) }
func (l slogLeveledLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l slogLeveledLogger) Debug(msg string)                  { l.log(slog.LevelDebug, msg) }
func (l slogLeveledLogger) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l slogLeveledLogger) Info(msg string)                   { l.log(slog.LevelInfo, msg) }
func (l slogLeveledLogger) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l slogLeveledLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l slogLeveledLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l slogLeveledLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l slogLeveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
