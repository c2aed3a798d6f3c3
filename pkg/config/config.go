// Package config loads the DHT node's YAML configuration, following a
// LoadConfig/setDefaults/validate shape with its fields set to the DHT
// core's own tunables (spec.md §6.3) plus the ambient logging block.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for one DHT node process.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	DHT     DHTConfig     `yaml:"dht"`
	Logging LoggingConfig `yaml:"logging"`
}

// NodeConfig holds process-level identity and listen settings.
type NodeConfig struct {
	ListenAddrs []string `yaml:"listen_addrs"` // e.g. ["quic://0.0.0.0:4001", "ws://0.0.0.0:4002"]
	IdentityKey string   `yaml:"identity_key"` // path to the JSON identity file (ML-DSA-87 and Ed25519 keypairs); generated if absent
}

// DHTConfig holds every Kademlia-core tunable of spec.md §6.3.
type DHTConfig struct {
	K                           int           `yaml:"k"`                              // bucket size / replication factor, default 20
	Alpha                       int           `yaml:"alpha"`                          // lookup concurrency, default 3
	MaxRounds                   int           `yaml:"max_rounds"`                     // lookup safety cap, default 20
	QueryTimeout                time.Duration `yaml:"query_timeout"`                  // per-RPC deadline, default 10s
	ValueTTL                    time.Duration `yaml:"value_ttl"`                      // value store expiration, default 24h
	ProviderExpiration          time.Duration `yaml:"provider_expiration"`            // provider store expiration, default 48h
	ProviderRepublishInterval   time.Duration `yaml:"provider_republish_interval"`    // default 22h
	ProviderAddressTTL          time.Duration `yaml:"provider_address_ttl"`           // remote provider addrs in peer store, default 30m
	RoutingTableRefreshInterval time.Duration `yaml:"routing_table_refresh_interval"` // default 10min
	StalePeerThreshold          time.Duration `yaml:"stale_peer_threshold"`           // eviction task threshold, default 1h
	Mode                        string        `yaml:"mode"`                           // "client" or "server"
	EvictionPolicy              string        `yaml:"eviction_policy"`                // "wait_for_probe" or "reject_on_concurrent_probe"
}

// LoggingConfig holds logging settings: level, output path, and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // log file path (empty = stdout)
	MaxSizeMB  int    `yaml:"max_size_mb"` // max log file size before rotation
	MaxBackups int    `yaml:"max_backups"` // max old log files to keep
}

// LoadConfig loads configuration from a YAML file, applies defaults, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults fills in spec.md §6.3's defaults for every unset field.
func (c *Config) setDefaults() {
	if len(c.Node.ListenAddrs) == 0 {
		c.Node.ListenAddrs = []string{"quic://0.0.0.0:4001"}
	}
	if c.Node.IdentityKey == "" {
		c.Node.IdentityKey = "identity.key"
	}

	if c.DHT.K == 0 {
		c.DHT.K = 20
	}
	if c.DHT.Alpha == 0 {
		c.DHT.Alpha = 3
	}
	if c.DHT.MaxRounds == 0 {
		c.DHT.MaxRounds = 20
	}
	if c.DHT.QueryTimeout == 0 {
		c.DHT.QueryTimeout = 10 * time.Second
	}
	if c.DHT.ValueTTL == 0 {
		c.DHT.ValueTTL = 24 * time.Hour
	}
	if c.DHT.ProviderExpiration == 0 {
		c.DHT.ProviderExpiration = 48 * time.Hour
	}
	if c.DHT.ProviderRepublishInterval == 0 {
		c.DHT.ProviderRepublishInterval = 22 * time.Hour
	}
	if c.DHT.ProviderAddressTTL == 0 {
		c.DHT.ProviderAddressTTL = 30 * time.Minute
	}
	if c.DHT.RoutingTableRefreshInterval == 0 {
		c.DHT.RoutingTableRefreshInterval = 10 * time.Minute
	}
	if c.DHT.StalePeerThreshold == 0 {
		c.DHT.StalePeerThreshold = 1 * time.Hour
	}
	if c.DHT.Mode == "" {
		c.DHT.Mode = "client"
	}
	if c.DHT.EvictionPolicy == "" {
		c.DHT.EvictionPolicy = "wait_for_probe"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

// validate rejects configurations that would leave the coordinator in an
// inconsistent state.
func (c *Config) validate() error {
	if c.DHT.K <= 0 {
		return fmt.Errorf("dht.k must be positive, got %d", c.DHT.K)
	}
	if c.DHT.Alpha <= 0 {
		return fmt.Errorf("dht.alpha must be positive, got %d", c.DHT.Alpha)
	}
	if c.DHT.MaxRounds <= 0 {
		return fmt.Errorf("dht.max_rounds must be positive, got %d", c.DHT.MaxRounds)
	}
	switch c.DHT.Mode {
	case "client", "server":
	default:
		return fmt.Errorf("dht.mode must be \"client\" or \"server\", got %q", c.DHT.Mode)
	}
	switch c.DHT.EvictionPolicy {
	case "wait_for_probe", "reject_on_concurrent_probe":
	default:
		return fmt.Errorf("dht.eviction_policy must be \"wait_for_probe\" or \"reject_on_concurrent_probe\", got %q", c.DHT.EvictionPolicy)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return nil
}

// GenerateDefaultConfig returns a Config populated entirely with
// spec.md §6.3's defaults, suitable for writing out a starter config file.
func GenerateDefaultConfig() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// WriteConfigFile writes cfg to path as YAML.
func WriteConfigFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
