// Package logging builds the process zerolog logger from configuration.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level       string `json:"level" yaml:"level"`
	Output      string `json:"output" yaml:"output"` // "stdout", "stderr", or file path
	Component   string `json:"component" yaml:"component"`
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *zerolog.Logger
)

// ParseLevel converts a string to a zerolog level. Unknown values are INFO.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// openOutput resolves the configured destination. A file that cannot be
// opened falls back to stdout.
func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return os.Stdout, err
	}
	return file, nil
}

// New creates a logger with the given configuration
func New(cfg Config) zerolog.Logger {
	out, openErr := openOutput(cfg.Output)
	return build(cfg, out, openErr)
}

// NewWithWriter creates a logger writing to w, ignoring cfg.Output.
func NewWithWriter(cfg Config, w io.Writer) zerolog.Logger {
	return build(cfg, w, nil)
}

func build(cfg Config, out io.Writer, openErr error) zerolog.Logger {
	if !cfg.JSONFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout && out != os.Stderr}
	}

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("service", cfg.Component)
	}
	if cfg.IncludeFile {
		ctx = ctx.Caller()
	}
	logger := ctx.Logger()

	if openErr != nil {
		logger.Warn().Err(openErr).Str("output", cfg.Output).Msg("Log file unavailable, writing to stdout")
	}
	return logger
}

// Default returns the default logger instance
func Default() zerolog.Logger {
	defaultMu.RLock()
	l := defaultLogger
	defaultMu.RUnlock()
	if l != nil {
		return *l
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		created := New(Config{Level: "INFO", Output: "stdout", Component: "perp-risk-agent", JSONFormat: true})
		defaultLogger = &created
	}
	return *defaultLogger
}

// SetDefault sets the default logger
func SetDefault(l zerolog.Logger) {
	defaultMu.Lock()
	defaultLogger = &l
	defaultMu.Unlock()
}

// WithComponent tags l with a component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
