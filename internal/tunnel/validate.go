package tunnel

import (
	"errors"
	"fmt"
	"net"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// ErrConfigInvalid is matched by every validation failure.
var ErrConfigInvalid = errors.New("paqetd: invalid tunnel configuration")

// Validation limits.
const (
	MinMTU       = 50
	MaxMTU       = 1500
	MinWindow    = 1
	MaxWindow    = 65535
	MaxConn      = 256
	MaxShards    = 255
	MinKeyLength = 16
)

// ValidationError lists every problem found in a Config.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfigInvalid, strings.Join(e.Problems, "; "))
}

// Unwrap makes errors.Is(err, ErrConfigInvalid) hold.
func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// Validate checks c for the current platform.
func (c *Config) Validate() error {
	return c.ValidateFor(runtime.GOOS)
}

// ValidateFor checks c as if running on goos. All problems are reported at
// once. c is normalized first, so a config that passes is in the form Save
// writes and Load returns.
func (c *Config) ValidateFor(goos string) error {
	c.Normalize()
	var v validator

	switch c.Role {
	case RoleClient, RoleServer:
	case "":
		v.add("role is required")
	default:
		v.addf("role must be client or server, got %q", c.Role)
	}

	if !slices.Contains(LogLevels, c.Log.Level) {
		v.addf("log.level must be one of %s, got %q", strings.Join(LogLevels, "/"), c.Log.Level)
	}

	c.validateNetwork(&v, goos)
	c.validateTransport(&v)
	c.validateEndpoints(&v)

	return v.err()
}

func (c *Config) validateNetwork(v *validator, goos string) {
	n := c.Network
	if n.Interface == "" {
		v.add("network.interface is required")
	}
	if n.GUID != "" {
		if err := checkGUID(n.GUID); err != nil {
			v.addf("network.guid %q is not a valid GUID", n.GUID)
		}
	} else if goos == "windows" {
		v.add("network.guid is required on windows")
	}

	if n.IPv4.Addr == "" {
		v.add("network.ipv4.addr is required")
	} else if err := checkHostPort(n.IPv4.Addr, true, true); err != nil {
		v.addf("network.ipv4.addr: %v", err)
	}
	if n.IPv4.RouterMAC == "" {
		v.add("network.ipv4.router_mac is required")
	} else if _, err := net.ParseMAC(n.IPv4.RouterMAC); err != nil {
		v.addf("network.ipv4.router_mac %q is not a MAC address", n.IPv4.RouterMAC)
	}

	for _, f := range n.TCP.LocalFlag {
		if !validTCPFlags(f) {
			v.addf("network.tcp.local_flag %q is not a TCP flag set", f)
		}
	}
	for _, f := range n.TCP.RemoteFlag {
		if !validTCPFlags(f) {
			v.addf("network.tcp.remote_flag %q is not a TCP flag set", f)
		}
	}
}

func (c *Config) validateTransport(v *validator) {
	t := c.Transport
	if t.Protocol != DefaultProtocol {
		v.addf("transport.protocol must be %q, got %q", DefaultProtocol, t.Protocol)
	}
	if t.Conn < 1 || t.Conn > MaxConn {
		v.addf("transport.conn must be in 1..%d, got %d", MaxConn, t.Conn)
	}

	k := t.KCP
	if !slices.Contains(KCPModes, k.Mode) {
		v.addf("transport.kcp.mode must be one of %s, got %q", strings.Join(KCPModes, "/"), k.Mode)
	}
	if k.MTU < MinMTU || k.MTU > MaxMTU {
		v.addf("transport.kcp.mtu must be in %d..%d, got %d", MinMTU, MaxMTU, k.MTU)
	}
	if k.SndWnd < MinWindow || k.SndWnd > MaxWindow {
		v.addf("transport.kcp.sndwnd must be in %d..%d, got %d", MinWindow, MaxWindow, k.SndWnd)
	}
	if k.RcvWnd < MinWindow || k.RcvWnd > MaxWindow {
		v.addf("transport.kcp.rcvwnd must be in %d..%d, got %d", MinWindow, MaxWindow, k.RcvWnd)
	}
	if k.SmuxBuf <= 0 {
		v.addf("transport.kcp.smuxbuf must be positive, got %d", k.SmuxBuf)
	}
	if k.StreamBuf <= 0 {
		v.addf("transport.kcp.streambuf must be positive, got %d", k.StreamBuf)
	}

	if !slices.Contains(Blocks, k.Block) {
		v.addf("transport.kcp.block %q is not supported", k.Block)
	} else if k.Block != "none" {
		if k.Key == "" {
			v.add("transport.kcp.key is required unless block is none")
		} else if err := checkKey(k.Key); err != nil {
			v.addf("transport.kcp.key: %v", err)
		}
	}

	if f := k.FEC; f != nil {
		if f.DataShards < 0 || f.DataShards > MaxShards || f.ParityShards < 0 || f.ParityShards > MaxShards {
			v.addf("transport.kcp.fec shards must be in 0..%d", MaxShards)
		} else if (f.DataShards == 0) != (f.ParityShards == 0) {
			v.add("transport.kcp.fec dshard and pshard must be set together")
		}
	}
}

func (c *Config) validateEndpoints(v *validator) {
	switch c.Role {
	case RoleClient:
		if c.Server == nil || c.Server.Addr == "" {
			v.add("server.addr is required in client mode")
		} else if err := checkHostPort(c.Server.Addr, false, false); err != nil {
			v.addf("server.addr: %v", err)
		}
		if c.Listen != nil {
			v.add("listen is only valid in server mode")
		}
		for i, s := range c.SOCKS5 {
			if err := checkHostPort(s.Listen, true, false); err != nil {
				v.addf("socks5[%d].listen: %v", i, err)
			}
			if s.Password != "" && s.Username == "" {
				v.addf("socks5[%d].password set without username", i)
			}
		}
	case RoleServer:
		if c.Listen == nil || c.Listen.Addr == "" {
			v.add("listen.addr is required in server mode")
		} else if err := checkHostPort(c.Listen.Addr, true, false); err != nil {
			v.addf("listen.addr: %v", err)
		}
		if c.Server != nil {
			v.add("server is only valid in client mode")
		}
		if len(c.SOCKS5) > 0 {
			v.add("socks5 is only valid in client mode")
		}
	}
}

// checkHostPort validates host:port. An empty host is allowed only when
// emptyHost is set; port 0 only when zeroPort is set.
func checkHostPort(addr string, emptyHost, zeroPort bool) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q is not host:port", addr)
	}
	if host == "" && !emptyHost {
		return fmt.Errorf("%q has no host", addr)
	}
	if host != "" && net.ParseIP(host) == nil && !validHostname(host) {
		return fmt.Errorf("%q has an invalid host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("%q has an invalid port", addr)
	}
	if port == 0 && !zeroPort {
		return fmt.Errorf("%q needs a non-zero port", addr)
	}
	return nil
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// checkGUID accepts a bare GUID or an Npcap device path, whose GUID part
// must be braced.
func checkGUID(s string) error {
	if rest, ok := strings.CutPrefix(s, NPFDevicePrefix); ok {
		if !strings.HasPrefix(rest, "{") || !strings.HasSuffix(rest, "}") {
			return errors.New("device GUID must be braced")
		}
		s = rest
	}
	_, err := uuid.Parse(s)
	return err
}

func checkKey(key string) error {
	if len(key) < MinKeyLength {
		return fmt.Errorf("must be at least %d characters", MinKeyLength)
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return errors.New("must not contain whitespace or control characters")
		}
	}
	return nil
}

// validTCPFlags reports whether s is a non-empty combination of F,S,R,P,A,U,E,C.
func validTCPFlags(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("FSRPAUEC", r) {
			return false
		}
	}
	return true
}

type validator struct {
	problems []string
}

func (v *validator) add(msg string) {
	v.problems = append(v.problems, msg)
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) err() error {
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{Problems: v.problems}
}
