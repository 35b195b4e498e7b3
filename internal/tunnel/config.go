// Package tunnel defines the tunnel configuration consumed by the paqet proxy.
package tunnel

import (
	"net"
	"strconv"
	"strings"
)

// Role selects which side of the tunnel the proxy runs.
type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Defaults used when a field is left empty.
const (
	DefaultLogLevel      = "info"
	DefaultProtocol      = "kcp"
	DefaultConn          = 1
	DefaultKCPMode       = "fast"
	DefaultMTU           = 1350
	DefaultClientWindow  = 512
	DefaultServerWindow  = 1024
	DefaultBlock         = "aes"
	DefaultSmuxBuf       = 4194304
	DefaultStreamBuf     = 2097152
	DefaultListenPort    = 9999
	DefaultSOCKS5Listen  = "127.0.0.1:1080"
	DefaultLocalBindIP   = "0.0.0.0"
	defaultTCPFlag       = "PA"
	defaultLocalBindPort = "0"
)

// NPFDevicePrefix starts the Npcap device path the proxy expects as the
// interface GUID on Windows.
const NPFDevicePrefix = `\Device\NPF_`

// NPFDevice returns guid as an Npcap device path. A value that already has
// the prefix, or is empty, is returned as is.
func NPFDevice(guid string) string {
	guid = strings.TrimSpace(guid)
	if guid == "" || strings.HasPrefix(guid, NPFDevicePrefix) {
		return guid
	}
	return NPFDevicePrefix + "{" + strings.Trim(guid, "{}") + "}"
}

// LogLevels are the proxy log levels, in increasing severity.
var LogLevels = []string{"none", "debug", "info", "warn", "error", "fatal"}

// KCPModes are the KCP tuning presets understood by the proxy.
var KCPModes = []string{"normal", "fast", "fast2", "fast3"}

// Blocks are the KCP block ciphers understood by the proxy.
var Blocks = []string{
	"aes", "aes-128", "aes-128-gcm", "aes-192", "salsa20",
	"blowfish", "twofish", "cast5", "3des", "tea", "xtea", "xor", "sm4", "none",
}

// Config is the tunnel document rendered for `paqet run -c`.
type Config struct {
	Role      Role            `yaml:"role" json:"role"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Network   NetworkConfig   `yaml:"network" json:"network"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Server    *Endpoint       `yaml:"server,omitempty" json:"server,omitempty"`
	Listen    *Endpoint       `yaml:"listen,omitempty" json:"listen,omitempty"`
	SOCKS5    []SOCKS5Config  `yaml:"socks5,omitempty" json:"socks5,omitempty"`
}

// LogConfig is the proxy's own log configuration.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// NetworkConfig describes the local interface the proxy binds raw sockets to.
type NetworkConfig struct {
	Interface string     `yaml:"interface" json:"interface"`
	GUID      string     `yaml:"guid,omitempty" json:"guid,omitempty"`
	IPv4      IPv4Config `yaml:"ipv4" json:"ipv4"`
	TCP       TCPConfig  `yaml:"tcp" json:"tcp"`
}

// IPv4Config holds the local bind address and the gateway MAC.
type IPv4Config struct {
	Addr      string `yaml:"addr" json:"addr"`
	RouterMAC string `yaml:"router_mac" json:"router_mac"`
}

// TCPConfig holds the TCP flags used for crafted packets.
type TCPConfig struct {
	LocalFlag  []string `yaml:"local_flag,omitempty" json:"local_flag,omitempty"`
	RemoteFlag []string `yaml:"remote_flag,omitempty" json:"remote_flag,omitempty"`
}

// TransportConfig selects the transport protocol and its tuning.
type TransportConfig struct {
	Protocol string    `yaml:"protocol" json:"protocol"`
	Conn     int       `yaml:"conn" json:"conn"`
	KCP      KCPConfig `yaml:"kcp" json:"kcp"`
}

// KCPConfig carries the KCP options passed through to the proxy.
type KCPConfig struct {
	Mode      string     `yaml:"mode" json:"mode"`
	MTU       int        `yaml:"mtu" json:"mtu"`
	RcvWnd    int        `yaml:"rcvwnd" json:"rcvwnd"`
	SndWnd    int        `yaml:"sndwnd" json:"sndwnd"`
	Block     string     `yaml:"block" json:"block"`
	Key       string     `yaml:"key" json:"key"`
	SmuxBuf   int        `yaml:"smuxbuf" json:"smuxbuf"`
	StreamBuf int        `yaml:"streambuf" json:"streambuf"`
	FEC       *FECConfig `yaml:"fec,omitempty" json:"fec,omitempty"`
}

// FECConfig enables Reed-Solomon forward error correction.
// Both shard counts must be set together.
type FECConfig struct {
	DataShards   int `yaml:"dshard" json:"dshard"`
	ParityShards int `yaml:"pshard" json:"pshard"`
}

// Endpoint is a single address.
type Endpoint struct {
	Addr string `yaml:"addr" json:"addr"`
}

// SOCKS5Config is a client-side SOCKS5 listener.
type SOCKS5Config struct {
	Listen   string `yaml:"listen" json:"listen"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Default returns a config for role with every tunable set to its default.
// Addresses, interface, router MAC and key are left empty.
func Default(role Role) *Config {
	c := &Config{Role: role}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued tunables. It never overwrites a set field.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Transport.Protocol == "" {
		c.Transport.Protocol = DefaultProtocol
	}
	if c.Transport.Conn == 0 {
		c.Transport.Conn = DefaultConn
	}

	k := &c.Transport.KCP
	if k.Mode == "" {
		k.Mode = DefaultKCPMode
	}
	if k.MTU == 0 {
		k.MTU = DefaultMTU
	}
	window := DefaultClientWindow
	if c.Role == RoleServer {
		window = DefaultServerWindow
	}
	if k.RcvWnd == 0 {
		k.RcvWnd = window
	}
	if k.SndWnd == 0 {
		k.SndWnd = window
	}
	if k.Block == "" {
		k.Block = DefaultBlock
	}
	if k.SmuxBuf == 0 {
		k.SmuxBuf = DefaultSmuxBuf
	}
	if k.StreamBuf == 0 {
		k.StreamBuf = DefaultStreamBuf
	}

	if len(c.Network.TCP.LocalFlag) == 0 {
		c.Network.TCP.LocalFlag = []string{defaultTCPFlag}
	}
	if c.Role == RoleClient && len(c.Network.TCP.RemoteFlag) == 0 {
		c.Network.TCP.RemoteFlag = []string{defaultTCPFlag}
	}

	// A server bound to port 0 takes the listen port instead.
	if c.Role == RoleServer && c.Listen != nil && c.Network.IPv4.Addr != "" {
		host, port, err := net.SplitHostPort(c.Network.IPv4.Addr)
		if err == nil && port == defaultLocalBindPort {
			if _, lport, err := net.SplitHostPort(c.Listen.Addr); err == nil && lport != "" {
				c.Network.IPv4.Addr = net.JoinHostPort(host, lport)
			}
		}
	}
}

// Normalize puts c into the canonical form used for comparison and storage:
// empty slices become nil and an all-zero FEC block is dropped.
func (c *Config) Normalize() {
	if len(c.Network.TCP.LocalFlag) == 0 {
		c.Network.TCP.LocalFlag = nil
	}
	if len(c.Network.TCP.RemoteFlag) == 0 {
		c.Network.TCP.RemoteFlag = nil
	}
	if len(c.SOCKS5) == 0 {
		c.SOCKS5 = nil
	}
	if f := c.Transport.KCP.FEC; f != nil && f.DataShards == 0 && f.ParityShards == 0 {
		c.Transport.KCP.FEC = nil
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Network.TCP.LocalFlag = cloneStrings(c.Network.TCP.LocalFlag)
	out.Network.TCP.RemoteFlag = cloneStrings(c.Network.TCP.RemoteFlag)
	if c.Transport.KCP.FEC != nil {
		fec := *c.Transport.KCP.FEC
		out.Transport.KCP.FEC = &fec
	}
	if c.Server != nil {
		s := *c.Server
		out.Server = &s
	}
	if c.Listen != nil {
		l := *c.Listen
		out.Listen = &l
	}
	if c.SOCKS5 != nil {
		out.SOCKS5 = append([]SOCKS5Config(nil), c.SOCKS5...)
	}
	return &out
}

// RemoteEndpoint returns the address that identifies the tunnel's far side:
// the server address for a client, the listen address for a server.
func (c *Config) RemoteEndpoint() string {
	switch c.Role {
	case RoleClient:
		if c.Server != nil {
			return c.Server.Addr
		}
	case RoleServer:
		if c.Listen != nil {
			return c.Listen.Addr
		}
	}
	return ""
}

// Redacted returns a copy safe for logs and status output.
func (c *Config) Redacted() *Config {
	out := c.Clone()
	if out.Transport.KCP.Key != "" {
		out.Transport.KCP.Key = "********"
	}
	for i := range out.SOCKS5 {
		if out.SOCKS5[i].Password != "" {
			out.SOCKS5[i].Password = "********"
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
