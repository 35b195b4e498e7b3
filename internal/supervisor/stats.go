package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotRunning is returned by Stats for a handle whose process has exited.
var ErrNotRunning = errors.New("paqetd: process not running")

// ProcessStats is a resource sample of a running proxy.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	OpenFDs    int32   `json:"open_fds,omitempty"`
}

// Stats samples CPU, memory and thread count of h's process.
func (s *Supervisor) Stats(ctx context.Context, h *Handle) (*ProcessStats, error) {
	if h == nil || h.isDone() {
		return nil, ErrNotRunning
	}
	p, err := process.NewProcessWithContext(ctx, int32(h.pid))
	if err != nil {
		return nil, fmt.Errorf("inspect pid %d: %w", h.pid, err)
	}

	st := &ProcessStats{PID: p.Pid}
	if st.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return nil, fmt.Errorf("cpu of pid %d: %w", h.pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory of pid %d: %w", h.pid, err)
	}
	st.RSSBytes = mem.RSS
	if st.Threads, err = p.NumThreadsWithContext(ctx); err != nil {
		return nil, fmt.Errorf("threads of pid %d: %w", h.pid, err)
	}
	// Not available on every platform.
	if fds, err := p.NumFDsWithContext(ctx); err == nil {
		st.OpenFDs = fds
	}
	return st, nil
}
