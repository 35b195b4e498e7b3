//go:build linux

package netdetect

import (
	"context"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Interfaces lists the host's links with their IPv4 addresses.
func Interfaces(ctx context.Context) ([]Interface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]Interface, 0, len(links))
	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attrs := l.Attrs()
		iface := Interface{
			Name:  attrs.Name,
			Index: attrs.Index,
			MTU:   attrs.MTU,
			Up:    attrs.Flags&net.FlagUp != 0,
		}
		if len(attrs.HardwareAddr) > 0 {
			iface.MAC = attrs.HardwareAddr.String()
		}
		addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
		if err == nil {
			for _, a := range addrs {
				iface.IPv4 = append(iface.IPv4, a.IP.String())
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// Detect resolves the route to ProbeAddr and looks the gateway up in the
// neighbour table, sending it a datagram first if the entry is missing. A
// Result with the fields it could fill is returned alongside
// ErrGatewayUnknown when only the MAC is missing.
func Detect(ctx context.Context) (*Result, error) {
	routes, err := netlink.RouteGet(net.ParseIP(ProbeAddr))
	if err != nil {
		return nil, fmt.Errorf("route to %s: %w", ProbeAddr, err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no route to %s", ProbeAddr)
	}
	route := routes[0]

	link, err := netlink.LinkByIndex(route.LinkIndex)
	if err != nil {
		return nil, fmt.Errorf("link %d: %w", route.LinkIndex, err)
	}
	res := &Result{Interface: link.Attrs().Name}
	if route.Src != nil {
		res.LocalIP = route.Src.String()
	}
	if route.Gw == nil {
		// On-link destination; there is no gateway to resolve.
		return res, ErrGatewayUnknown
	}
	res.Gateway = route.Gw.String()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	var listErr error
	lookup := func() net.HardwareAddr {
		neighs, err := netlink.NeighList(route.LinkIndex, netlink.FAMILY_V4)
		if err != nil {
			listErr = err
			return nil
		}
		for _, n := range neighs {
			if n.IP.Equal(route.Gw) && len(n.HardwareAddr) > 0 &&
				n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) == 0 {
				return n.HardwareAddr
			}
		}
		return nil
	}
	poke := func(ctx context.Context) error { return solicit(ctx, route.Gw, solicitPort) }

	if mac := resolveMAC(ctx, lookup, poke, resolveWait, resolveInterval); mac != nil {
		res.RouterMAC = mac.String()
		return res, nil
	}
	if listErr != nil {
		return res, fmt.Errorf("neighbours of %s: %w", res.Interface, listErr)
	}
	return res, ErrGatewayUnknown
}
