package config

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds the service root logger according to the configured
// format/level. Components derive child loggers from it with component
// fields.
func NewLogger(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.LogFormat == LogFormatText {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(out).Level(cfg.LogLevel).With().Timestamp().Logger()
}
