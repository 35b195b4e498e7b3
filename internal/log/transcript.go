package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/paqetui/paqetd/internal/config"
	"github.com/paqetui/paqetd/internal/logbuf"
)

// Transcript writes every proxy output line to a rotated file, separate from
// the daemon's own log.
type Transcript struct {
	logger *logrus.Logger
	out    io.WriteCloser
}

// NewTranscript opens a transcript as described by cfg.
func NewTranscript(cfg config.TranscriptConfig) (*Transcript, error) {
	w, err := createFileWriter(cfg.Path, cfg.Rotation)
	if err != nil {
		return nil, fmt.Errorf("transcript: %w", err)
	}
	return newTranscript(w, cfg.Pattern), nil
}

func newTranscript(w io.WriteCloser, pattern string) *Transcript {
	if pattern == "" {
		pattern = DefaultPattern
	}
	l := logrus.New()
	l.SetFormatter(&formatter{pattern: pattern, time: DefaultTimeLayout})
	l.SetLevel(logrus.InfoLevel)
	l.SetOutput(w)
	return &Transcript{logger: l, out: w}
}

// Write appends ev. Error-classified lines are logged at error level.
func (t *Transcript) Write(ev logbuf.Event) {
	entry := t.logger.WithFields(logrus.Fields{
		"seq":    ev.Seq,
		"stream": string(ev.Stream),
	}).WithTime(ev.Time)
	if ev.Level == logbuf.LevelError {
		entry.Error(ev.Line)
		return
	}
	entry.Info(ev.Line)
}

// Close closes the underlying file.
func (t *Transcript) Close() error {
	return t.out.Close()
}
