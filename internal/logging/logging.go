// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"collabtext/internal/config"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// New returns a logger writing to w, or stderr when w is nil. Format is
// "json" or "console".
func New(cfg config.LoggingConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "logging: level %q", cfg.Level)
		}
		level = parsed
	}

	switch cfg.Format {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	case "json":
	default:
		return zerolog.Nop(), errors.Errorf("logging: unknown format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
