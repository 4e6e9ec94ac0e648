package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// ParseLevel maps a configuration string to a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return DebugLevel
	case WarnLevel, "warning":
		return WarnLevel
	case ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Init initializes the global logger. Unknown levels mean info.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	ctx := zerolog.New(output).With()
	if !cfg.JSONOutput {
		ctx = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With()
	}
	Logger = ctx.Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstance derives a logger from parent carrying the instance_id,
// challenge and team_id fields. Empty values are left out.
func WithInstance(parent zerolog.Logger, instanceID, challenge, teamID string) zerolog.Logger {
	ctx := parent.With()
	if instanceID != "" {
		ctx = ctx.Str("instance_id", instanceID)
	}
	if challenge != "" {
		ctx = ctx.Str("challenge", challenge)
	}
	if teamID != "" {
		ctx = ctx.Str("team_id", teamID)
	}
	return ctx.Logger()
}
