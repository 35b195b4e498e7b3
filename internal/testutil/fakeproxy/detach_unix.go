//go:build !windows

package fakeproxy

import (
	"os"
	"os/exec"
	"syscall"
)

// startDetached runs an ignore-term copy of this binary outside the caller's
// process group. It shares stdout and stderr so its lines reach the same pipes.
func startDetached(args []string) (int, error) {
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), EnvMode+"="+ModeIgnoreTerm)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}
