//go:build !windows

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// sysProcAttr puts the child in its own process group so signals reach any
// helpers it forks.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminate(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func forceKill(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; the leader may still be unreaped.
		err = unix.Kill(pid, sig)
	}
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// killStragglers sends SIGKILL to pids that may have left the proxy's
// process group, such as a child sudo started on its own pty. Processes the
// daemon may not signal are killed through `sudo -n kill` when useSudo is set.
func killStragglers(pids []int32, useSudo bool) error {
	var denied []string
	for _, pid := range pids {
		err := unix.Kill(int(pid), unix.SIGKILL)
		switch {
		case err == nil, errors.Is(err, unix.ESRCH):
		case errors.Is(err, unix.EPERM):
			denied = append(denied, strconv.Itoa(int(pid)))
		default:
			return fmt.Errorf("kill %d: %w", pid, err)
		}
	}
	if len(denied) == 0 {
		return nil
	}
	if !useSudo {
		return fmt.Errorf("kill %v: %w", denied, unix.EPERM)
	}
	args := append([]string{"-n", "kill", "-KILL", "--"}, denied...)
	if out, err := exec.Command("sudo", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("sudo kill %v: %w: %s", denied, err, out)
	}
	return nil
}

// exitSignal returns the name of the signal that ended the process, if any.
func exitSignal(ps *os.ProcessState) string {
	if ps == nil {
		return ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.SignalName(ws.Signal())
	}
	return ""
}
