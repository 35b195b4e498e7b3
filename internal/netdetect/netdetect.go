// Package netdetect discovers the values a tunnel config needs from the
// host: the outbound interface, its IPv4 address and the gateway MAC.
package netdetect

import (
	"context"
	"errors"
	"net"

	"github.com/paqetui/paqetd/internal/tunnel"
)

// ProbeAddr is the address whose route decides the outbound interface.
const ProbeAddr = "1.1.1.1"

// ErrGatewayUnknown is returned when the gateway MAC is not in the neighbour table.
var ErrGatewayUnknown = errors.New("paqetd: gateway MAC not found in neighbour table")

// Interface is a network interface usable by the proxy.
type Interface struct {
	Name  string   `json:"name"`
	Index int      `json:"index"`
	MAC   string   `json:"mac,omitempty"`
	MTU   int      `json:"mtu"`
	Up    bool     `json:"up"`
	IPv4  []string `json:"ipv4,omitempty"`
}

// Result is what Detect found. Empty fields could not be determined.
type Result struct {
	Interface string `json:"interface"`
	LocalIP   string `json:"local_ip"`
	Gateway   string `json:"gateway,omitempty"`
	RouterMAC string `json:"router_mac,omitempty"`
}

// Apply copies detected values into c. The bind port of c is kept.
func (r *Result) Apply(c *tunnel.Config) {
	if r.Interface != "" {
		c.Network.Interface = r.Interface
	}
	if r.LocalIP != "" {
		port := "0"
		if _, p, err := net.SplitHostPort(c.Network.IPv4.Addr); err == nil && p != "" {
			port = p
		}
		c.Network.IPv4.Addr = net.JoinHostPort(r.LocalIP, port)
	}
	if r.RouterMAC != "" {
		c.Network.IPv4.RouterMAC = r.RouterMAC
	}
}

func ipv4Strings(addrs []net.Addr) []string {
	var out []string
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			out = append(out, ip4.String())
		}
	}
	return out
}

// System reads the host's network state through Interfaces and Detect.
type System struct{}

// Interfaces calls the package-level Interfaces.
func (System) Interfaces(ctx context.Context) ([]Interface, error) { return Interfaces(ctx) }

// Detect calls the package-level Detect.
func (System) Detect(ctx context.Context) (*Result, error) { return Detect(ctx) }
