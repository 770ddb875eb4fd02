// Package config loads Host and Runner configuration (§6.6) from a
// YAML file with environment variable overrides, exposing every
// recognised option with its documented default.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognised option from §6.6. river-host loads it
// via Load; river-runner does not read this file and takes its settings
// from its own command-line flags.
type Config struct {
	DataDir string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`

	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeoutFactor int           `yaml:"heartbeat_timeout_factor"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`

	DispatchTimeoutCommand time.Duration `yaml:"dispatch_timeout_command"`
	DispatchTimeoutVPS     time.Duration `yaml:"dispatch_timeout_vps"`
	SuspicionThreshold     int           `yaml:"suspicion_threshold"`

	OverlayEnabled bool   `yaml:"overlay_enabled"`
	OverlaySubnet  string `yaml:"overlay_subnet"` // BASE/PREFIX/NODE_BITS/SUBNET_BITS
	OverlayBaseVNI int    `yaml:"overlay_base_vni"`
	OverlayPort    int    `yaml:"overlay_port"`
	OverlayMTU     int    `yaml:"overlay_mtu"`

	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	AuthEnabled    bool          `yaml:"auth_enabled"`

	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// Default returns the documented defaults for every option (§6.6).
func Default() Config {
	return Config{
		DataDir:  "/var/lib/river",
		BindAddr: "0.0.0.0:7070",

		HeartbeatInterval:      5 * time.Second,
		HeartbeatTimeoutFactor: 6,
		CleanupInterval:        10 * time.Second,

		DispatchTimeoutCommand: 30 * time.Second,
		DispatchTimeoutVPS:     60 * time.Second,
		SuspicionThreshold:     3,

		OverlayEnabled: true,
		OverlaySubnet:  "10.200.0.0/16/8/8",
		OverlayBaseVNI: 100,
		OverlayPort:    4789,
		OverlayMTU:     1450,

		ReservationTTL: 300 * time.Second,
		AuthEnabled:    true,

		SchedulerInterval: 5 * time.Second,
	}
}

// HeartbeatTimeout is the derived staleness threshold the Liveness
// Monitor compares a node's last heartbeat against.
func (c Config) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatTimeoutFactor)
}

// OverlaySubnetParts parses OverlaySubnet's "BASE/PREFIX/NODE_BITS/SUBNET_BITS"
// shorthand (e.g. "10.200.0.0/16/8/8") into the four values
// pkg/overlay.Config needs. It is plain string parsing, not YAML, because
// the shorthand packs four related numbers that always travel together;
// splitting it into four separate config keys would let an operator set
// them inconsistently.
func (c Config) OverlaySubnetParts() (base net.IP, prefix, nodeBits, subnetBits int, err error) {
	parts := strings.Split(c.OverlaySubnet, "/")
	if len(parts) != 4 {
		return nil, 0, 0, 0, fmt.Errorf("overlay_subnet %q: want BASE/PREFIX/NODE_BITS/SUBNET_BITS", c.OverlaySubnet)
	}

	base = net.ParseIP(parts[0])
	if base == nil {
		return nil, 0, 0, 0, fmt.Errorf("overlay_subnet %q: invalid base address", c.OverlaySubnet)
	}

	nums := make([]int, 3)
	for i, p := range parts[1:] {
		n, convErr := strconv.Atoi(p)
		if convErr != nil {
			return nil, 0, 0, 0, fmt.Errorf("overlay_subnet %q: %w", c.OverlaySubnet, convErr)
		}
		nums[i] = n
	}
	return base, nums[0], nums[1], nums[2], nil
}

// Load reads path as YAML over Default()'s values, then applies any
// RIVER_-prefixed environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// envOverrides maps RIVER_<NAME> to a setter applied after the YAML
// file is loaded, so environment variables win over the file.
var envOverrides = map[string]func(*Config, string) error{
	"RIVER_DATA_DIR":  func(c *Config, v string) error { c.DataDir = v; return nil },
	"RIVER_BIND_ADDR": func(c *Config, v string) error { c.BindAddr = v; return nil },
	"RIVER_AUTH_ENABLED": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RIVER_AUTH_ENABLED: %w", err)
		}
		c.AuthEnabled = b
		return nil
	},
	"RIVER_OVERLAY_ENABLED": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RIVER_OVERLAY_ENABLED: %w", err)
		}
		c.OverlayEnabled = b
		return nil
	},
	"RIVER_SUSPICION_THRESHOLD": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RIVER_SUSPICION_THRESHOLD: %w", err)
		}
		c.SuspicionThreshold = n
		return nil
	},
	"RIVER_OVERLAY_SUBNET": func(c *Config, v string) error { c.OverlaySubnet = v; return nil },
}

func applyEnvOverrides(cfg *Config) error {
	for name, set := range envOverrides {
		if v, ok := os.LookupEnv(name); ok {
			if err := set(cfg, v); err != nil {
				return err
			}
		}
	}
	return nil
}
