package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paqetui/paqetd/internal/logbuf"
)

// ExitInfo records how a proxy process ended.
type ExitInfo struct {
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Err    string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Reason is a human-readable description of the exit. It is never empty.
func (e ExitInfo) Reason() string {
	switch {
	case e.Err != "":
		return e.Err
	case e.Signal != "":
		return "killed by signal " + e.Signal
	default:
		return fmt.Sprintf("exit code %d", e.Code)
	}
}

// Handle is one launched proxy process.
type Handle struct {
	id         string
	pid        int
	startedAt  time.Time
	configPath string
	binary     string
	argv       []string

	cmd    *exec.Cmd
	events *logbuf.Queue

	ready chan struct{}
	done  chan struct{}
	exit  ExitInfo // set before done is closed

	stopOnce      sync.Once
	stopRequested atomic.Bool
	escalated     atomic.Bool
}

// ID is the session id assigned at launch.
func (h *Handle) ID() string { return h.id }

// PID is the process id of the launched binary.
func (h *Handle) PID() int { return h.pid }

// StartedAt is when the process was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// ConfigPath is the rendered tunnel file the process was started with.
func (h *Handle) ConfigPath() string { return h.configPath }

// Command returns the executable and arguments that were launched.
func (h *Handle) Command() (string, []string) {
	return h.binary, append([]string(nil), h.argv...)
}

// Ready is closed once the process survived the startup grace period.
// It is never closed if the process exits first.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Done is closed after the process has been reaped and its output drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit returns the exit details. ok is false while the process is alive.
func (h *Handle) Exit() (info ExitInfo, ok bool) {
	select {
	case <-h.done:
		return h.exit, true
	default:
		return ExitInfo{}, false
	}
}

// StopRequested reports whether Stop was called for this handle.
func (h *Handle) StopRequested() bool { return h.stopRequested.Load() }

// Events is the bounded queue the output pumps write to. It is closed after
// the process exits and both streams reach EOF.
func (h *Handle) Events() *logbuf.Queue { return h.events }

// Dropped is the number of output lines discarded because the consumer fell behind.
func (h *Handle) Dropped() uint64 { return h.events.Dropped() }

func (h *Handle) isReady() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

func (h *Handle) isDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}
