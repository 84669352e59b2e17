// Package logging builds the zerolog loggers used across the server.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// Config controls log level, format and destination
type Config struct {
	Level      string `koanf:"level"`       // trace, debug, info, warn, error
	Format     string `koanf:"format"`      // json or console
	File       string `koanf:"file"`        // empty logs to stderr only
	MaxSizeMB  int    `koanf:"max_size_mb"` // rotation threshold
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// DefaultConfig returns JSON logging at info level on stderr
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Validate checks level and format
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("log format %q: must be json or console", c.Format)
	}
}

// ParseLevel parses a level name; empty means info
func ParseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level %q: %w", level, err)
	}
	return l, nil
}

// New creates a logger from cfg. When cfg.File is set, output goes to a
// rotating file and to stderr. The returned closer releases the file.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), nil, err
	}

	var output io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays, // days
			Compress:   cfg.Compress,
		}
		output = io.MultiWriter(fileLogger, os.Stderr)
		closer = fileLogger
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	if err := SetLevel(cfg.Level); err != nil {
		return zerolog.Nop(), nil, err
	}
	return NewLogger(output), closer, nil
}

// NewLogger creates a timestamped logger writing to output (stderr if nil)
func NewLogger(output io.Writer) zerolog.Logger {
	if output == nil {
		output = os.Stderr
	}
	return zerolog.New(output).
		With().
		Timestamp().
		Logger()
}

// SetLevel changes the process-wide minimum level. It is safe to call while
// other goroutines are logging.
func SetLevel(level string) error {
	l, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// Component returns a logger with the component field set
func Component(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
