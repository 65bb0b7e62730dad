package peer

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// NewLoggerFactory adapts a zerolog logger into pion's logging factory so
// ICE/DTLS/SCTP internals log through the process logger.
func NewLoggerFactory(log zerolog.Logger) logging.LoggerFactory {
	return &loggerFactory{log: log}
}

type loggerFactory struct {
	log zerolog.Logger
}

func (f *loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{log: f.log.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	log zerolog.Logger
}

func (l *leveledLogger) Trace(msg string) { l.log.Trace().Msg(msg) }
func (l *leveledLogger) Tracef(format string, args ...any) {
	l.log.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Debug(msg string) { l.log.Debug().Msg(msg) }
func (l *leveledLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Info(msg string) { l.log.Info().Msg(msg) }
func (l *leveledLogger) Infof(format string, args ...any) {
	l.log.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Warn(msg string) { l.log.Warn().Msg(msg) }
func (l *leveledLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *leveledLogger) Error(msg string) { l.log.Error().Msg(msg) }
func (l *leveledLogger) Errorf(format string, args ...any) {
	l.log.Error().Msg(fmt.Sprintf(format, args...))
}
