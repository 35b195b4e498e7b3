package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning means no live daemon is recorded in the PID file.
var ErrNotRunning = errors.New("daemon not running")

// ReadPIDFile returns the pid recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", path)
	}
	return pid, nil
}

// SignalStop sends SIGTERM to the daemon recorded in pidFile and waits up
// to timeout for it to exit. It is the fallback when the control socket is
// unreachable.
func SignalStop(pidFile string, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return err
	}
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return err
	}
	if !alive {
		_ = os.Remove(pidFile)
		return ErrNotRunning
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if alive, _ := process.PidExists(int32(pid)); !alive {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon %d still running after %s", pid, timeout)
}
