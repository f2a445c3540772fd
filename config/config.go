package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the endpoint-wide settings loaded from the YAML
// configuration file. Zero values are replaced by the defaults below.
type Config struct {
	LinkType             string `yaml:"linkType"`             // "tun" or "rawip"
	TunName              string `yaml:"tunName"`              // TUN interface name, linkType "tun" only
	LocalIP              string `yaml:"localIP"`              // local IPv4 address of the endpoint
	MTU                  int    `yaml:"mtu"`                  // link MTU
	PreferredMSS         int    `yaml:"preferredMSS"`         // maximum payload bytes per segment
	RecvWindowSize       int    `yaml:"recvWindowSize"`       // advertised receive window, <= 65535
	MslSeconds           int    `yaml:"mslSeconds"`           // maximum segment lifetime; TIME-WAIT lasts 2*MSL
	PayloadPoolSize      int    `yaml:"payloadPoolSize"`      // number of payload chunks in the ring pool
	ProcessTimeThreshold int    `yaml:"processTimeThreshold"` // packet processing time threshold in ms, pool debug only
	DialTimeout          int    `yaml:"dialTimeout"`          // seconds to wait for an active open to establish
	EphemeralPortLower   int    `yaml:"ephemeralPortLower"`   // lower bound for dialed local ports
	EphemeralPortUpper   int    `yaml:"ephemeralPortUpper"`   // upper bound for dialed local ports
	FilterName           string `yaml:"filterName"`           // identifier for kernel RST filtering rules
	LogLevel             string `yaml:"logLevel"`             // trace, debug, info, warn, error
	Debug                bool   `yaml:"debug"`                // global debug setting
	PoolDebug            bool   `yaml:"poolDebug"`            // ring pool debug setting
}

// AppConfig is the process-wide configuration instance populated by ReadConfig.
var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		LinkType:             "tun",
		TunName:              "tun0",
		LocalIP:              "192.168.100.1",
		MTU:                  1500,
		PreferredMSS:         1440,
		RecvWindowSize:       65535,
		MslSeconds:           30,
		PayloadPoolSize:      2000,
		ProcessTimeThreshold: 10,
		DialTimeout:          10,
		EphemeralPortLower:   32768,
		EphemeralPortUpper:   60999,
		FilterName:           "TunTCP_anchor",
		LogLevel:             "info",
	}
}

// ReadConfig loads the YAML file at path on top of the defaults. A missing
// file is not an error; the defaults are returned unchanged.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LinkType != "tun" && c.LinkType != "rawip" {
		return fmt.Errorf("config: unknown link type %q", c.LinkType)
	}
	if c.RecvWindowSize < 1 || c.RecvWindowSize > 65535 {
		return fmt.Errorf("config: recvWindowSize %d out of range [1, 65535]", c.RecvWindowSize)
	}
	if c.PreferredMSS < 1 || c.PreferredMSS > c.MTU-40 {
		return fmt.Errorf("config: preferredMSS %d does not fit MTU %d with IPv4+TCP headers", c.PreferredMSS, c.MTU)
	}
	if c.EphemeralPortLower < 1024 || c.EphemeralPortUpper > 65535 || c.EphemeralPortLower >= c.EphemeralPortUpper {
		return fmt.Errorf("config: bad ephemeral port range [%d, %d]", c.EphemeralPortLower, c.EphemeralPortUpper)
	}
	return nil
}
