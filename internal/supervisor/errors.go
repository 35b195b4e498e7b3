package supervisor

import (
	"errors"
	"fmt"
)

// ErrLaunchFailed is matched by every failure to get the proxy running:
// missing binary, permission denied, or exec errors.
var ErrLaunchFailed = errors.New("paqetd: launch failed")

// LaunchError describes why a launch failed.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Binary == "" {
		return fmt.Sprintf("%s: %v", ErrLaunchFailed, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", ErrLaunchFailed, e.Binary, e.Err)
}

// Is matches ErrLaunchFailed.
func (e *LaunchError) Is(target error) bool {
	return target == ErrLaunchFailed
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
