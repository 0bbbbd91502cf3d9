package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Development gets a console writer at debug
// level; everything else logs JSON at info unless level overrides it.
func New(appEnv, level, component string) zerolog.Logger {
	return NewWithWriter(os.Stdout, appEnv, level, component)
}

func NewWithWriter(w io.Writer, appEnv, level, component string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	if appEnv == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	if component != "" {
		logger = logger.With().Str("component", component).Logger()
	}
	return logger
}
