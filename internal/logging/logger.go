package logging

import (
	"io"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger: human-readable output for local runs and
// JSON lines everywhere else. An unknown level falls back to info.
func New(w io.Writer, appEnv, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if appEnv == "local" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "mediasync").Logger()
}
