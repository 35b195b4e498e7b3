// Package logbuf holds proxy output lines: a capped ring for history and a
// bounded drop-oldest queue between the output pumps and their consumer.
package logbuf

import (
	"strings"
	"time"
)

// Stream identifies where a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	Daemon Stream = "daemon" // lines emitted by paqetd itself about the session
)

// Level is the coarse severity assigned to a line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// errorKeywords mark a line as an error when any of them appears.
var errorKeywords = []string{"error", "failed", "invalid", "cannot", "required", "panic", "fatal"}

// Event is one line of process output.
type Event struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Stream Stream    `json:"stream"`
	Level  Level     `json:"level"`
	Line   string    `json:"line"`
}

// Classify returns LevelError if line contains an error keyword, ignoring case.
func Classify(line string) Level {
	lower := strings.ToLower(line)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return LevelError
		}
	}
	return LevelInfo
}

// NewEvent builds an unsequenced event for line.
func NewEvent(stream Stream, line string) Event {
	return Event{
		Time:   time.Now(),
		Stream: stream,
		Level:  Classify(line),
		Line:   line,
	}
}
