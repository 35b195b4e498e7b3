package session

import (
	"time"

	"github.com/paqetui/paqetd/internal/supervisor"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// ConfigSummary is the non-secret part of the session config.
type ConfigSummary struct {
	Role      tunnel.Role `json:"role"`
	Interface string      `json:"interface"`
	Remote    string      `json:"remote"`
	Mode      string      `json:"kcp_mode"`
	MTU       int         `json:"mtu"`
	Block     string      `json:"block"`
	SOCKS5    []string    `json:"socks5,omitempty"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	State         State                    `json:"state"`
	SessionID     string                   `json:"session_id,omitempty"`
	PID           int                      `json:"pid,omitempty"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Command       []string                 `json:"command,omitempty"`
	Config        *ConfigSummary           `json:"config,omitempty"`
	LastExit      *supervisor.ExitInfo     `json:"last_exit,omitempty"`
	LastError     string                   `json:"last_error,omitempty"`
	LogLines      uint64                   `json:"log_lines"`
	ErrorLines    uint64                   `json:"error_lines"`
	DroppedLines  uint64                   `json:"dropped_lines"`
	Process       *supervisor.ProcessStats `json:"process,omitempty"`

	// Err is the typed form of LastError for errors.Is/As.
	Err error `json:"-"`
}

type snapshot struct {
	status Status
	handle *supervisor.Handle
	cfg    *tunnel.Config
}

func (c *Controller) publishSnapshot() {
	st := &c.st
	s := &snapshot{
		status: Status{
			State:     st.state,
			SessionID: st.sessionID,
			Err:       st.lastErr,
		},
		handle: st.handle,
		cfg:    st.cfg,
	}
	if st.lastExit != nil {
		exit := *st.lastExit
		s.status.LastExit = &exit
	}
	if st.lastErr != nil {
		s.status.LastError = st.lastErr.Error()
	}
	if st.cfg != nil {
		s.status.Config = summarize(st.cfg)
	}
	if h := st.handle; h != nil {
		started := h.StartedAt()
		name, args := h.Command()
		s.status.PID = h.PID()
		s.status.StartedAt = &started
		s.status.Command = append([]string{name}, args...)
	}
	c.snap.Store(s)
}

// Status returns the current state and session details.
func (c *Controller) Status() Status {
	s := c.snap.Load()
	out := s.status
	if out.Command != nil {
		out.Command = append([]string(nil), out.Command...)
	}
	if out.Config != nil {
		cfg := *out.Config
		cfg.SOCKS5 = append([]string(nil), cfg.SOCKS5...)
		out.Config = &cfg
	}
	if out.LastExit != nil {
		exit := *out.LastExit
		out.LastExit = &exit
	}

	out.LogLines, out.ErrorLines = c.ring.Counts()
	out.DroppedLines = c.droppedPrev.Load()
	if s.handle != nil {
		out.DroppedLines += s.handle.Dropped()
		if out.StartedAt != nil {
			out.UptimeSeconds = time.Since(*out.StartedAt).Seconds()
		}
		out.Process = c.procStats.Load()
	}
	return out
}

func summarize(cfg *tunnel.Config) *ConfigSummary {
	sum := &ConfigSummary{
		Role:      cfg.Role,
		Interface: cfg.Network.Interface,
		Remote:    cfg.RemoteEndpoint(),
		Mode:      cfg.Transport.KCP.Mode,
		MTU:       cfg.Transport.KCP.MTU,
		Block:     cfg.Transport.KCP.Block,
	}
	for _, s := range cfg.SOCKS5 {
		sum.SOCKS5 = append(sum.SOCKS5, s.Listen)
	}
	return sum
}
