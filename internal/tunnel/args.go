package tunnel

import (
	"fmt"
	"strconv"
	"strings"
)

// Args returns the argument vector for running the proxy against a rendered
// config file. The result depends only on configPath.
func Args(configPath string) []string {
	return []string{"run", "-c", configPath}
}

// FlagArgs flattens c into `--key=value` arguments in a fixed order.
// Optional fields are emitted only when set, so equal configs always produce
// equal vectors.
func (c *Config) FlagArgs() []string {
	args := []string{"run"}
	add := func(key, value string) {
		args = append(args, fmt.Sprintf("--%s=%s", key, value))
	}
	addInt := func(key string, value int) {
		add(key, strconv.Itoa(value))
	}

	add("role", string(c.Role))
	add("log.level", c.Log.Level)

	add("network.interface", c.Network.Interface)
	if c.Network.GUID != "" {
		add("network.guid", c.Network.GUID)
	}
	add("network.ipv4.addr", c.Network.IPv4.Addr)
	add("network.ipv4.router_mac", c.Network.IPv4.RouterMAC)
	if len(c.Network.TCP.LocalFlag) > 0 {
		add("network.tcp.local_flag", strings.Join(c.Network.TCP.LocalFlag, ","))
	}
	if len(c.Network.TCP.RemoteFlag) > 0 {
		add("network.tcp.remote_flag", strings.Join(c.Network.TCP.RemoteFlag, ","))
	}

	k := c.Transport.KCP
	add("transport.protocol", c.Transport.Protocol)
	addInt("transport.conn", c.Transport.Conn)
	add("transport.kcp.mode", k.Mode)
	addInt("transport.kcp.mtu", k.MTU)
	addInt("transport.kcp.rcvwnd", k.RcvWnd)
	addInt("transport.kcp.sndwnd", k.SndWnd)
	add("transport.kcp.block", k.Block)
	if k.Key != "" {
		add("transport.kcp.key", k.Key)
	}
	addInt("transport.kcp.smuxbuf", k.SmuxBuf)
	addInt("transport.kcp.streambuf", k.StreamBuf)
	if k.FEC != nil {
		addInt("transport.kcp.fec.dshard", k.FEC.DataShards)
		addInt("transport.kcp.fec.pshard", k.FEC.ParityShards)
	}

	if c.Server != nil {
		add("server.addr", c.Server.Addr)
	}
	if c.Listen != nil {
		add("listen.addr", c.Listen.Addr)
	}
	for i, s := range c.SOCKS5 {
		prefix := fmt.Sprintf("socks5.%d.", i)
		add(prefix+"listen", s.Listen)
		if s.Username != "" {
			add(prefix+"username", s.Username)
		}
		if s.Password != "" {
			add(prefix+"password", s.Password)
		}
	}
	return args
}
