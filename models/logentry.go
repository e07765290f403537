package models

import "time"

// LogLevel is the severity of an operator log entry.
type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelSuccess LogLevel = "success"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

func ParseLogLevel(s string) LogLevel {
	switch LogLevel(s) {
	case LevelSuccess, LevelWarning, LevelError:
		return LogLevel(s)
	}
	return LevelInfo
}

// LogEntry is one line of the operator-visible event log.
type LogEntry struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	Level   LogLevel  `json:"level"`
	Time    time.Time `json:"time"`
}

// Toast is a transient notification. Alert marks a blocking notice the
// operator has to acknowledge.
type Toast struct {
	Title string    `json:"title"`
	Body  string    `json:"body"`
	Alert bool      `json:"alert,omitempty"`
	Time  time.Time `json:"time"`
}
