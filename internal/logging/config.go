package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects level, encoding and destination of a Logger. It is read
// from LOG_* variables by the service configuration.
type Config struct {
	Level  string `env:"LEVEL" yaml:"level"`
	Format string `env:"FORMAT" envDefault:"json" yaml:"format"`
	// Output is stdout, stderr or a file path opened for append.
	Output string `env:"OUTPUT" envDefault:"stderr" yaml:"output"`
	// Writer, when set, replaces Output.
	Writer io.Writer `env:"-" yaml:"-"`
}

// DefaultConfig returns the default logging configuration.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: string(FormatJSON), Output: "stderr"}
}

// NewLogger creates a new logger with the given configuration. Unknown
// levels and formats are errors; an empty level means INFO.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	out := cfg.Writer
	if out == nil {
		if out, err = openOutput(cfg.Output); err != nil {
			return nil, err
		}
	}
	return New(level, out).WithFormat(format), nil
}

// ParseLevel maps a case-insensitive level name to a LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DebugLevel, nil
	case "", "INFO":
		return InfoLevel, nil
	case "WARN", "WARNING":
		return WarnLevel, nil
	case "ERROR":
		return ErrorLevel, nil
	case "FATAL":
		return FatalLevel, nil
	}
	return "", fmt.Errorf("unknown log level %q", level)
}

// ParseFormat maps a format name to a Format. "console" is an alias of text.
func ParseFormat(format string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", string(FormatJSON):
		return FormatJSON, nil
	case string(FormatText), "console":
		return FormatText, nil
	}
	return "", fmt.Errorf("unknown log format %q", format)
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	return f, nil
}
