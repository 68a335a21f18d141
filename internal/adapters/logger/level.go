package logger

import "strings"

// LogLevel orders log severities; messages below the configured level are dropped.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

func (l LogLevel) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel reads LOG_LEVEL values case-insensitively. Anything unrecognised
// means info.
func ParseLevel(s string) LogLevel {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARNING" {
		return LevelWarn
	}
	for lvl, n := range levelNames {
		if n == name {
			return LogLevel(lvl)
		}
	}
	return LevelInfo
}
