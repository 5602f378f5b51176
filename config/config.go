// Package config loads the framework configuration from a JSON file and
// fills the unset fields with defaults.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// Defaults applied to unset fields.
const (
	DefaultServerPort      = 9000
	DefaultClientTimeoutMS = 5000
	DefaultRegistryPort    = 8000
)

// Config represents the process configuration shared by providers and
// consumers.
type Config struct {
	// RegistryAddress is the registry "host:port". Required for any process
	// that registers or discovers services.
	RegistryAddress string `json:"registry_address,omitempty"`

	// ServerIP is the address providers advertise. Empty means auto-detect
	// the LAN address.
	ServerIP string `json:"server_ip,omitempty"`

	// ServerPort is the provider listen port.
	ServerPort int `json:"server_port,omitempty"`

	// ClientTimeoutMS is the default consumer call timeout in milliseconds.
	ClientTimeoutMS int `json:"client_timeout_ms,omitempty"`

	// Accepted for compatibility and ignored: the codec is the single JSON
	// framed form.
	ServerUseSimpleJSON bool `json:"server_use_simple_json,omitempty"`
	ClientUseSimpleJSON bool `json:"client_use_simple_json,omitempty"`
}

// Load reads a config file and applies defaults. A missing file yields the
// pure defaults without error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerIP == "" {
		c.ServerIP = DetectLANAddress()
	}
	if c.ServerPort == 0 {
		c.ServerPort = DefaultServerPort
	}
	if c.ClientTimeoutMS == 0 {
		c.ClientTimeoutMS = DefaultClientTimeoutMS
	}
}

// ServerAddress returns the advertised provider "host:port".
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(c.ServerIP, fmt.Sprintf("%d", c.ServerPort))
}

// ClientTimeout returns the consumer call timeout as a duration.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutMS) * time.Millisecond
}

// DetectLANAddress returns the first IPv4 address of an up, non-loopback
// interface, falling back to 127.0.0.1 on hosts with none.
func DetectLANAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.To4().String()
			}
		}
	}
	return "127.0.0.1"
}
