package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger returns the process logger: a console writer in development and
// JSON everywhere else.
func (c *Config) Logger() zerolog.Logger {
	return c.LoggerTo(os.Stdout)
}

// LoggerTo is Logger writing to w.
func (c *Config) LoggerTo(w io.Writer) zerolog.Logger {
	if c.IsDevelopment() {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
