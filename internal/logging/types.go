package logging

import "time"

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// LogEntry is one structured log line as kept in the buffer.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
	Level     Level             `json:"level" yaml:"level"`
	Message   string            `json:"message" yaml:"message"`
	Context   map[string]string `json:"context,omitempty" yaml:"context,omitempty"`
}
