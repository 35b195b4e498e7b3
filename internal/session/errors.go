package session

import (
	"errors"
	"fmt"

	"github.com/paqetui/paqetd/internal/supervisor"
	"github.com/paqetui/paqetd/internal/tunnel"
)

var (
	// ErrConfigInvalid rejects Start before anything is launched.
	ErrConfigInvalid = tunnel.ErrConfigInvalid
	// ErrLaunchFailed means the proxy could not be executed; the state is unchanged.
	ErrLaunchFailed = supervisor.ErrLaunchFailed
	// ErrAlreadyRunning is returned by Start while a session is active.
	ErrAlreadyRunning = errors.New("paqetd: session already running")
	// ErrProcessCrashed is matched by the error retained after an unexpected exit.
	ErrProcessCrashed = errors.New("paqetd: process crashed")
	// ErrNoConfig is returned by Start/Restart when no config was given or remembered.
	ErrNoConfig = fmt.Errorf("%w: no tunnel configuration", tunnel.ErrConfigInvalid)
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("paqetd: session controller closed")
)

// ProcessCrashedError carries the exit details of an unexpected exit.
type ProcessCrashedError struct {
	SessionID string
	Exit      supervisor.ExitInfo
}

func (e *ProcessCrashedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrProcessCrashed, e.Exit.Reason())
}

// Is matches ErrProcessCrashed.
func (e *ProcessCrashedError) Is(target error) bool {
	return target == ErrProcessCrashed
}
