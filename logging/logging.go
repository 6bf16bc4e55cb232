// Package logging builds the zerolog loggers every component receives.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "HUBFEED_LOG_LEVEL"
	EnvLogFormat    = "HUBFEED_LOG_FORMAT"
	EnvLogNoColor   = "HUBFEED_LOG_NOCOLOR"
	EnvLogTimestamp = "HUBFEED_LOG_TIMESTAMP"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Options describes one logger. Zero Writer means stderr.
type Options struct {
	Level     zerolog.Level
	Format    string
	NoColor   bool
	Timestamp bool
	Writer    io.Writer
}

// DefaultOptions returns the options for profile before env overrides.
func DefaultOptions(profile Profile) Options {
	switch profile {
	case ProfileTest:
		return Options{Level: zerolog.DebugLevel, Format: FormatConsole, NoColor: true}
	default:
		return Options{Level: zerolog.InfoLevel, Format: FormatConsole, Timestamp: true}
	}
}

// ApplyEnv overrides fields of opts from the HUBFEED_LOG_* variables.
// Values that do not parse are ignored.
func ApplyEnv(opts *Options) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		opts.Level = lvl
	}
	if f, ok := parseFormat(os.Getenv(EnvLogFormat)); ok {
		opts.Format = f
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		opts.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		opts.Timestamp = v
	}
}

// New builds a logger from opts.
func New(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Format != FormatJSON {
		w = zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    opts.NoColor,
			TimeFormat: time.TimeOnly,
		}
	}

	ctx := zerolog.New(w).Level(opts.Level).With()
	if opts.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// Runtime is the logger the binaries use: runtime defaults, then env.
func Runtime() zerolog.Logger {
	opts := DefaultOptions(ProfileRuntime)
	ApplyEnv(&opts)
	return New(opts)
}

// ParseLevel accepts the usual level names plus a few aliases.
// The second result is false for empty or unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseFormat(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case FormatConsole, "text", "pretty":
		return FormatConsole, true
	case FormatJSON:
		return FormatJSON, true
	default:
		return "", false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
