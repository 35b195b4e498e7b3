package tunnel

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validClient() *Config {
	c := Default(RoleClient)
	c.Network.Interface = "eth0"
	c.Network.IPv4.Addr = "192.168.1.10:0"
	c.Network.IPv4.RouterMAC = "aa:bb:cc:dd:ee:ff"
	c.Transport.KCP.Key = "0123456789abcdef0123456789abcdef"
	c.Server = &Endpoint{Addr: "203.0.113.7:9999"}
	if runtime.GOOS == "windows" {
		c.Network.GUID = "{4D36E972-E325-11CE-BFC1-08002BE10318}"
	}
	return c
}

func validServer() *Config {
	c := &Config{
		Role:   RoleServer,
		Listen: &Endpoint{Addr: ":9999"},
		Network: NetworkConfig{
			Interface: "eth0",
			IPv4:      IPv4Config{Addr: "10.0.0.2:0", RouterMAC: "11:22:33:44:55:66"},
		},
	}
	c.Transport.KCP.Key = "server-secret-key-0001"
	c.ApplyDefaults()
	if runtime.GOOS == "windows" {
		c.Network.GUID = "{4D36E972-E325-11CE-BFC1-08002BE10318}"
	}
	return c
}

func TestDefaultValues(t *testing.T) {
	c := Default(RoleClient)
	assert.Equal(t, DefaultLogLevel, c.Log.Level)
	assert.Equal(t, DefaultProtocol, c.Transport.Protocol)
	assert.Equal(t, DefaultConn, c.Transport.Conn)
	assert.Equal(t, DefaultMTU, c.Transport.KCP.MTU)
	assert.Equal(t, DefaultClientWindow, c.Transport.KCP.RcvWnd)
	assert.Equal(t, DefaultClientWindow, c.Transport.KCP.SndWnd)
	assert.Equal(t, []string{"PA"}, c.Network.TCP.LocalFlag)
	assert.Equal(t, []string{"PA"}, c.Network.TCP.RemoteFlag)

	s := Default(RoleServer)
	assert.Equal(t, DefaultServerWindow, s.Transport.KCP.RcvWnd)
	assert.Nil(t, s.Network.TCP.RemoteFlag)
}

func TestApplyDefaultsServerBindPort(t *testing.T) {
	c := validServer()
	assert.Equal(t, "10.0.0.2:9999", c.Network.IPv4.Addr)

	c = validServer()
	c.Network.IPv4.Addr = "10.0.0.2:4000"
	c.ApplyDefaults()
	assert.Equal(t, "10.0.0.2:4000", c.Network.IPv4.Addr)
}

func TestValidateAccepts(t *testing.T) {
	require.NoError(t, validClient().Validate())
	require.NoError(t, validServer().Validate())

	c := validClient()
	c.Transport.KCP.Block = "none"
	c.Transport.KCP.Key = ""
	assert.NoError(t, c.Validate())

	c = validClient()
	c.Transport.KCP.FEC = &FECConfig{DataShards: 10, ParityShards: 3}
	c.SOCKS5 = []SOCKS5Config{{Listen: "127.0.0.1:1080", Username: "u", Password: "p"}}
	assert.NoError(t, c.Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown role", func(c *Config) { c.Role = "relay" }, "role must be"},
		{"missing role", func(c *Config) { c.Role = "" }, "role is required"},
		{"missing endpoint", func(c *Config) { c.Server = nil }, "server.addr is required"},
		{"endpoint without port", func(c *Config) { c.Server.Addr = "203.0.113.7" }, "server.addr"},
		{"endpoint port zero", func(c *Config) { c.Server.Addr = "203.0.113.7:0" }, "non-zero port"},
		{"listen on client", func(c *Config) { c.Listen = &Endpoint{Addr: ":9999"} }, "listen is only valid"},
		{"missing interface", func(c *Config) { c.Network.Interface = "" }, "network.interface"},
		{"bad bind addr", func(c *Config) { c.Network.IPv4.Addr = "not-an-addr" }, "network.ipv4.addr"},
		{"bad router mac", func(c *Config) { c.Network.IPv4.RouterMAC = "zz:zz" }, "router_mac"},
		{"mtu too small", func(c *Config) { c.Transport.KCP.MTU = 10 }, "mtu"},
		{"mtu too large", func(c *Config) { c.Transport.KCP.MTU = 9000 }, "mtu"},
		{"window zero", func(c *Config) { c.Transport.KCP.SndWnd = -1 }, "sndwnd"},
		{"window too large", func(c *Config) { c.Transport.KCP.RcvWnd = 70000 }, "rcvwnd"},
		{"short key", func(c *Config) { c.Transport.KCP.Key = "short" }, "at least 16"},
		{"key with space", func(c *Config) { c.Transport.KCP.Key = "0123456789 abcdef" }, "whitespace"},
		{"missing key", func(c *Config) { c.Transport.KCP.Key = "" }, "key is required"},
		{"unknown block", func(c *Config) { c.Transport.KCP.Block = "rot13" }, "block"},
		{"unknown mode", func(c *Config) { c.Transport.KCP.Mode = "turbo" }, "mode"},
		{"one-sided fec", func(c *Config) { c.Transport.KCP.FEC = &FECConfig{DataShards: 10} }, "set together"},
		{"fec out of range", func(c *Config) { c.Transport.KCP.FEC = &FECConfig{DataShards: 300, ParityShards: 1} }, "shards"},
		{"conn out of range", func(c *Config) { c.Transport.Conn = 0 }, "transport.conn"},
		{"bad tcp flag", func(c *Config) { c.Network.TCP.LocalFlag = []string{"PX"} }, "local_flag"},
		{"bad guid", func(c *Config) { c.Network.GUID = "not-a-guid" }, "guid"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"socks password only", func(c *Config) { c.SOCKS5 = []SOCKS5Config{{Listen: "127.0.0.1:1080", Password: "p"}} }, "without username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClient()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfigInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateServerRules(t *testing.T) {
	c := validServer()
	c.Listen = nil
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen.addr is required")

	c = validServer()
	c.Server = &Endpoint{Addr: "1.2.3.4:9999"}
	c.SOCKS5 = []SOCKS5Config{{Listen: "127.0.0.1:1080"}}
	err = c.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 2)
}

func TestValidateForWindowsRequiresGUID(t *testing.T) {
	c := validClient()
	c.Network.GUID = ""
	require.NoError(t, c.ValidateFor("linux"))
	err := c.ValidateFor("windows")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guid is required")
}

func TestValidateForWindowsAcceptsNPFDevice(t *testing.T) {
	c := validClient()
	c.Network.GUID = `\Device\NPF_{4D36E972-E325-11CE-BFC1-08002BE10318}`
	assert.NoError(t, c.ValidateFor("windows"))

	c.Network.GUID = "{4D36E972-E325-11CE-BFC1-08002BE10318}"
	assert.NoError(t, c.ValidateFor("windows"))

	for _, bad := range []string{
		`\Device\NPF_4D36E972-E325-11CE-BFC1-08002BE10318`,
		`\Device\NPF_{not-a-guid}`,
		`\Device\NPF_`,
	} {
		c.Network.GUID = bad
		err := c.ValidateFor("windows")
		require.Error(t, err, bad)
		assert.Contains(t, err.Error(), "network.guid")
	}
}

func TestNPFDevice(t *testing.T) {
	want := `\Device\NPF_{4D36E972-E325-11CE-BFC1-08002BE10318}`
	assert.Equal(t, want, NPFDevice("{4D36E972-E325-11CE-BFC1-08002BE10318}"))
	assert.Equal(t, want, NPFDevice("4D36E972-E325-11CE-BFC1-08002BE10318"))
	assert.Equal(t, want, NPFDevice(want))
	assert.Empty(t, NPFDevice(""))
}

func TestValidateReportsAllProblems(t *testing.T) {
	c := validClient()
	c.Transport.KCP.MTU = 1
	c.Transport.KCP.Key = "x"
	c.Server = nil
	var verr *ValidationError
	require.ErrorAs(t, c.Validate(), &verr)
	assert.Len(t, verr.Problems, 3)
}

func TestArgsDeterministic(t *testing.T) {
	assert.Equal(t, []string{"run", "-c", "/run/paqetd/tunnel.yaml"}, Args("/run/paqetd/tunnel.yaml"))

	a := validClient()
	b := a.Clone()
	assert.Equal(t, a.FlagArgs(), b.FlagArgs())

	args := a.FlagArgs()
	assert.Equal(t, "run", args[0])
	assert.Equal(t, "--role=client", args[1])
	assert.Contains(t, args, "--server.addr=203.0.113.7:9999")
	assert.NotContains(t, strings.Join(args, " "), "listen.addr")
}

func TestRoundTrip(t *testing.T) {
	configs := map[string]*Config{
		"client": validClient(),
		"server": validServer(),
	}
	full := validClient()
	full.Network.GUID = "{4D36E972-E325-11CE-BFC1-08002BE10318}"
	full.Transport.KCP.FEC = &FECConfig{DataShards: 10, ParityShards: 3}
	full.SOCKS5 = []SOCKS5Config{
		{Listen: "127.0.0.1:1080", Username: "alice", Password: "secret"},
		{Listen: "127.0.0.1:1081"},
	}
	configs["full"] = full

	dir := t.TempDir()
	for name, c := range configs {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, c.Validate())
			path := filepath.Join(dir, name, "tunnel.yaml")
			require.NoError(t, Save(c, path))

			info, err := os.Stat(path)
			require.NoError(t, err)
			if runtime.GOOS != "windows" {
				assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
			}

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
}

func TestRoundTripNonCanonical(t *testing.T) {
	c := validClient()
	c.Transport.KCP.FEC = &FECConfig{}
	c.SOCKS5 = []SOCKS5Config{}
	require.NoError(t, c.Validate())

	path := filepath.Join(t.TempDir(), "tunnel.yaml")
	require.NoError(t, Save(c, path))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Nil(t, got.Transport.KCP.FEC)
}

func TestUnmarshalRejectsUnknownKeys(t *testing.T) {
	_, err := Unmarshal([]byte("role: client\nbogus: 1\n"))
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	c := validClient()
	c.SOCKS5 = []SOCKS5Config{{Listen: "127.0.0.1:1080", Username: "u", Password: "p"}}
	r := c.Redacted()
	assert.Equal(t, "********", r.Transport.KCP.Key)
	assert.Equal(t, "********", r.SOCKS5[0].Password)
	assert.Equal(t, "p", c.SOCKS5[0].Password)
	assert.NotEqual(t, "********", c.Transport.KCP.Key)
}

func TestFromSettingsClient(t *testing.T) {
	c, err := FromSettings(map[string]any{
		"role":           "client",
		"interface":      "wlan0",
		"local_ip":       "192.168.1.5",
		"router_mac":     "aa:bb:cc:dd:ee:ff",
		"server_ip":      "203.0.113.7",
		"server_port":    "8443",
		"kcp_mtu":        "1200",
		"kcp_key":        "0123456789abcdef0123",
		"socks5_enabled": "true",
		"socks5_port":    "1090",
	})
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5:0", c.Network.IPv4.Addr)
	assert.Equal(t, "203.0.113.7:8443", c.Server.Addr)
	assert.Equal(t, 1200, c.Transport.KCP.MTU)
	assert.Equal(t, DefaultClientWindow, c.Transport.KCP.SndWnd)
	require.Len(t, c.SOCKS5, 1)
	assert.Equal(t, "127.0.0.1:1090", c.SOCKS5[0].Listen)
	assert.NoError(t, c.ValidateFor("linux"))

	w, err := FromSettings(map[string]any{"interface": "Ethernet", "guid": "{4D36E972-E325-11CE-BFC1-08002BE10318}"})
	require.NoError(t, err)
	assert.Equal(t, `\Device\NPF_{4D36E972-E325-11CE-BFC1-08002BE10318}`, w.Network.GUID)
}

func TestFromSettingsServer(t *testing.T) {
	c, err := FromSettings(map[string]any{
		"role":        "server",
		"interface":   "eth0",
		"router_mac":  "aa:bb:cc:dd:ee:ff",
		"listen_port": 7000,
		"kcp_key":     "0123456789abcdef0123",
	})
	require.NoError(t, err)
	assert.Equal(t, RoleServer, c.Role)
	assert.Equal(t, ":7000", c.Listen.Addr)
	assert.Equal(t, "0.0.0.0:7000", c.Network.IPv4.Addr)
	assert.Nil(t, c.Server)
	assert.Equal(t, DefaultServerWindow, c.Transport.KCP.RcvWnd)
}

func TestFromSettingsBadType(t *testing.T) {
	_, err := FromSettings(map[string]any{"kcp_mtu": "large"})
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey()
	require.NoError(t, err)
	k2, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k1, 2*KeySize)
	assert.NotEqual(t, k1, k2)
	assert.NoError(t, checkKey(k1))
}
