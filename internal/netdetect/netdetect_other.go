//go:build !linux

package netdetect

import (
	"context"
	"fmt"
	"net"
)

// Interfaces lists the host's interfaces with their IPv4 addresses.
func Interfaces(ctx context.Context) ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]Interface, 0, len(ifaces))
	for _, ifc := range ifaces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iface := Interface{
			Name:  ifc.Name,
			Index: ifc.Index,
			MTU:   ifc.MTU,
			Up:    ifc.Flags&net.FlagUp != 0,
		}
		if len(ifc.HardwareAddr) > 0 {
			iface.MAC = ifc.HardwareAddr.String()
		}
		if addrs, err := ifc.Addrs(); err == nil {
			iface.IPv4 = ipv4Strings(addrs)
		}
		out = append(out, iface)
	}
	return out, nil
}

// Detect finds the outbound interface and address. The gateway MAC needs the
// neighbour table, which is only read on Linux, so ErrGatewayUnknown is
// always returned with the partial result.
func Detect(ctx context.Context) (*Result, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", net.JoinHostPort(ProbeAddr, "53"))
	if err != nil {
		return nil, fmt.Errorf("route to %s: %w", ProbeAddr, err)
	}
	local := conn.LocalAddr().(*net.UDPAddr).IP
	conn.Close()

	res := &Result{LocalIP: local.String()}
	ifaces, err := Interfaces(ctx)
	if err != nil {
		return res, err
	}
	for _, ifc := range ifaces {
		for _, ip := range ifc.IPv4 {
			if ip == res.LocalIP {
				res.Interface = ifc.Name
			}
		}
	}
	return res, ErrGatewayUnknown
}
