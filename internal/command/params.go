package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/paqetui/paqetd/internal/netdetect"
	"github.com/paqetui/paqetd/internal/tunnel"
)

// Detector reads host network state for auto-detection.
type Detector interface {
	Interfaces(ctx context.Context) ([]netdetect.Interface, error)
	Detect(ctx context.Context) (*netdetect.Result, error)
}

// ConfigParams names a tunnel config in one of three forms. At most one of
// Config, Path and Settings may be set; none means "the last config".
type ConfigParams struct {
	Config   *tunnel.Config `json:"config,omitempty"`
	Path     string         `json:"path,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`

	// Detect fills interface, local IP and router MAC from the host when
	// those fields are empty.
	Detect bool `json:"detect,omitempty"`
}

// Empty reports whether no config was supplied.
func (p *ConfigParams) Empty() bool {
	return p.Config == nil && p.Path == "" && len(p.Settings) == 0
}

// Resolve builds the config named by p, or returns nil when p is empty.
// The result is not validated.
func (p *ConfigParams) Resolve(ctx context.Context, det Detector) (*tunnel.Config, error) {
	n := 0
	if p.Config != nil {
		n++
	}
	if p.Path != "" {
		n++
	}
	if len(p.Settings) > 0 {
		n++
	}
	if n > 1 {
		return nil, fmt.Errorf("%w: only one of config, path and settings may be given", tunnel.ErrConfigInvalid)
	}

	var cfg *tunnel.Config
	switch {
	case p.Config != nil:
		cfg = p.Config.Clone()
		cfg.Normalize()
	case p.Path != "":
		c, err := tunnel.Load(p.Path)
		if err != nil {
			return nil, err
		}
		cfg = c
	case len(p.Settings) > 0:
		c, err := tunnel.FromSettings(p.Settings)
		if err != nil {
			return nil, err
		}
		cfg = c
	default:
		return nil, nil
	}

	if p.Detect && det != nil && needsDetection(cfg) {
		res, err := det.Detect(ctx)
		if res != nil {
			fillMissing(cfg, res)
		}
		if err != nil && !errors.Is(err, netdetect.ErrGatewayUnknown) {
			slog.Warn("network auto-detection failed", "error", err)
		}
	}
	return cfg, nil
}

func needsDetection(c *tunnel.Config) bool {
	return c.Network.Interface == "" || c.Network.IPv4.RouterMAC == "" || localIPMissing(c)
}

// localIPMissing reports whether the bind address lacks a concrete host.
func localIPMissing(c *tunnel.Config) bool {
	host, _, err := net.SplitHostPort(c.Network.IPv4.Addr)
	if err != nil {
		host = c.Network.IPv4.Addr
	}
	ip := net.ParseIP(host)
	return ip == nil || ip.IsUnspecified()
}

// fillMissing applies only the detected values c does not already carry.
func fillMissing(c *tunnel.Config, res *netdetect.Result) {
	r := *res
	if c.Network.Interface != "" {
		r.Interface = ""
	}
	if c.Network.IPv4.RouterMAC != "" {
		r.RouterMAC = ""
	}
	if !localIPMissing(c) {
		r.LocalIP = ""
	}
	r.Apply(c)
}

// LogsParams selects buffered log lines.
type LogsParams struct {
	Since uint64 `json:"since,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// HistoryParams selects session history records.
type HistoryParams struct {
	ID    string `json:"id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}
