package netdetect

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Gateway resolution timing. A cold neighbour entry usually resolves within
// a few milliseconds of the first packet towards it.
const (
	solicitPort     = 9 // discard; nothing needs to answer
	resolveWait     = time.Second
	resolveInterval = 50 * time.Millisecond
)

// solicit sends one UDP datagram to host:port. Sending it makes the kernel
// resolve the next hop's link-layer address.
func solicit(ctx context.Context, host net.IP, port int) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp4", net.JoinHostPort(host.String(), strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0}); err != nil {
		return fmt.Errorf("send to %s: %w", host, err)
	}
	return nil
}

// resolveMAC returns the address lookup reports. On a miss it calls poke
// once and polls lookup every interval until wait elapses or ctx ends.
func resolveMAC(ctx context.Context, lookup func() net.HardwareAddr, poke func(context.Context) error,
	wait, interval time.Duration) net.HardwareAddr {
	if mac := lookup(); mac != nil {
		return mac
	}
	if err := poke(ctx); err != nil {
		return nil
	}

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return lookup()
		case <-tick.C:
			if mac := lookup(); mac != nil {
				return mac
			}
		}
	}
}
