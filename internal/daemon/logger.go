package daemon

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatcore/internal/config"
)

// newLogger builds the process logger. Console output goes to stderr; a
// log file, when set, always receives JSON.
func newLogger(cfg config.LogConfig, stderr io.Writer) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = stderr
	if cfg.Format != "json" {
		output = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		// Create log directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}

		output = io.MultiWriter(output, file)
		closer = file.Close
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}
