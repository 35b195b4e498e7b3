package tunnel

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Settings is the flat form a desktop front-end submits. Numeric fields are
// often strings there, so decoding is weakly typed.
type Settings struct {
	Role           string   `mapstructure:"role"`
	LogLevel       string   `mapstructure:"log_level"`
	Interface      string   `mapstructure:"interface"`
	GUID           string   `mapstructure:"guid"`
	LocalIP        string   `mapstructure:"local_ip"`
	LocalPort      int      `mapstructure:"local_port"`
	RouterMAC      string   `mapstructure:"router_mac"`
	TCPLocalFlags  []string `mapstructure:"tcp_local_flags"`
	TCPRemoteFlags []string `mapstructure:"tcp_remote_flags"`

	ServerIP   string `mapstructure:"server_ip"`
	ServerPort int    `mapstructure:"server_port"`
	ListenPort int    `mapstructure:"listen_port"`

	KCPMode   string `mapstructure:"kcp_mode"`
	KCPMTU    int    `mapstructure:"kcp_mtu"`
	KCPRcvWnd int    `mapstructure:"kcp_rcvwnd"`
	KCPSndWnd int    `mapstructure:"kcp_sndwnd"`
	KCPBlock  string `mapstructure:"kcp_block"`
	KCPKey    string `mapstructure:"kcp_key"`
	FECData   int    `mapstructure:"fec_dshard"`
	FECParity int    `mapstructure:"fec_pshard"`

	SOCKS5Enabled  bool   `mapstructure:"socks5_enabled"`
	SOCKS5Listen   string `mapstructure:"socks5_listen"`
	SOCKS5Port     int    `mapstructure:"socks5_port"`
	SOCKS5Username string `mapstructure:"socks5_username"`
	SOCKS5Password string `mapstructure:"socks5_password"`
}

// FromSettings decodes a flat settings map and builds the tunnel config from
// it. Missing values take the same defaults as Default. The result is not
// validated.
func FromSettings(m map[string]any) (*Config, error) {
	var s Settings
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("%w: decode settings: %v", ErrConfigInvalid, err)
	}
	return s.Config(), nil
}

// Config builds the tunnel config described by s.
func (s Settings) Config() *Config {
	role := Role(s.Role)
	if role == "" {
		role = RoleClient
	}
	isClient := role == RoleClient

	localIP := s.LocalIP
	if localIP == "" {
		localIP = DefaultLocalBindIP
	}
	listenPort := s.ListenPort
	if listenPort == 0 {
		listenPort = DefaultListenPort
	}
	localPort := s.LocalPort
	if !isClient && localPort == 0 {
		localPort = listenPort
	}

	c := &Config{
		Role: role,
		Log:  LogConfig{Level: s.LogLevel},
		Network: NetworkConfig{
			Interface: s.Interface,
			GUID:      NPFDevice(s.GUID),
			IPv4: IPv4Config{
				Addr:      joinHostPort(localIP, localPort),
				RouterMAC: s.RouterMAC,
			},
			TCP: TCPConfig{LocalFlag: cloneStrings(s.TCPLocalFlags)},
		},
		Transport: TransportConfig{
			KCP: KCPConfig{
				Mode:   s.KCPMode,
				MTU:    s.KCPMTU,
				RcvWnd: s.KCPRcvWnd,
				SndWnd: s.KCPSndWnd,
				Block:  s.KCPBlock,
				Key:    s.KCPKey,
			},
		},
	}
	if s.FECData != 0 || s.FECParity != 0 {
		c.Transport.KCP.FEC = &FECConfig{DataShards: s.FECData, ParityShards: s.FECParity}
	}

	if isClient {
		serverPort := s.ServerPort
		if serverPort == 0 {
			serverPort = DefaultListenPort
		}
		c.Server = &Endpoint{Addr: joinHostPort(s.ServerIP, serverPort)}
		c.Network.TCP.RemoteFlag = cloneStrings(s.TCPRemoteFlags)
		if s.SOCKS5Enabled {
			host, port := s.SOCKS5Listen, s.SOCKS5Port
			if host == "" {
				host = "127.0.0.1"
			}
			if port == 0 {
				port = 1080
			}
			c.SOCKS5 = []SOCKS5Config{{
				Listen:   joinHostPort(host, port),
				Username: s.SOCKS5Username,
				Password: s.SOCKS5Password,
			}}
		}
	} else {
		c.Listen = &Endpoint{Addr: joinHostPort("", listenPort)}
	}

	c.ApplyDefaults()
	c.Normalize()
	return c
}
