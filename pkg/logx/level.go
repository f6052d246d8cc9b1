package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// ParseLevel maps a level name (case-insensitive, "warning" accepted) to a
// zerolog level. Unknown or empty names yield def.
func ParseLevel(s string, def Level) Level {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	if name == "" || !knownLevel(name) {
		return def
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return def
	}
	return lvl
}

// ValidLevel reports whether s names a known level (empty is accepted).
func ValidLevel(s string) bool {
	name := strings.ToLower(strings.TrimSpace(s))
	return name == "" || name == "warning" || knownLevel(name)
}

// knownLevel limits the accepted names to the ones the config documents;
// zerolog would also take fatal/panic/disabled and numeric levels.
func knownLevel(name string) bool {
	switch name {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}
