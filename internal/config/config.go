// Package config implements the optional YAML startup configuration file
// for a midimesh node (SPEC_FULL.md §11 "internal/config"). Nothing in
// spec.md requires a config file — every setting it describes has a CLI
// flag default — but `cmd/midimeshd` accepts one so a fixed deployment
// doesn't need to repeat flags on every launch. Grounded on
// `madpsy-ka9q_ubersdr/config.go`'s `LoadConfig(filename) (*Config, error)`
// / `Config.Validate() error` shape, trimmed to this node's much smaller
// settings surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of settings a midimesh node reads from its YAML
// file. Every field has a CLI-flag-equivalent default applied by Defaults.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Transport TransportConfig `yaml:"transport"`
	Reorder   ReorderConfig   `yaml:"reorder"`
	HTTP      HTTPConfig      `yaml:"http"`
	Stats     StatsConfig     `yaml:"stats"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig configures node identity and workspace (spec §4.3).
type NodeConfig struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	DisplayName  string `yaml:"display_name,omitempty"`
}

// DiscoveryConfig configures mDNS/multicast peer discovery (spec §4.9).
type DiscoveryConfig struct {
	Enabled       bool `yaml:"enabled"`
	MulticastOnly bool `yaml:"multicast_only"`
}

// TransportConfig configures the UDP/TCP transport layer (spec §4.4).
type TransportConfig struct {
	UDPPort           int `yaml:"udp_port"`
	TCPPort           int `yaml:"tcp_port"`
	ReliableRetries   int `yaml:"reliable_retries"`
	ReliableTimeoutMs int `yaml:"reliable_timeout_ms"`
}

// ReorderConfig configures the reorder/dedup buffer (spec §4.5).
type ReorderConfig struct {
	MaxBufferSize     int `yaml:"max_buffer_size"`
	MaxSequenceGap    int `yaml:"max_sequence_gap"`
	DeliveryTimeoutMs int `yaml:"delivery_timeout_ms"`
}

// HTTPConfig configures the local status API and event stream.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// StatsConfig configures statistics persistence (SPEC_FULL.md §12).
type StatsConfig struct {
	DBPath          string `yaml:"db_path"`
	SnapshotEveryMs int    `yaml:"snapshot_every_ms"`
	RetainHours     int    `yaml:"retain_hours"`
}

// LoggingConfig holds a log-level setting. The node logs through the
// standard log package, which does not read it.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the configuration a node runs with if no YAML file is
// supplied, matching the CLI flags' own defaults.
func Defaults() Config {
	return Config{
		Node: NodeConfig{WorkspaceDir: defaultWorkspaceDir()},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
		Transport: TransportConfig{
			UDPPort:           5353 + 1, // distinct from the mDNS-fallback multicast port
			TCPPort:           5355,
			ReliableRetries:   5,
			ReliableTimeoutMs: 200,
		},
		Reorder: ReorderConfig{
			MaxBufferSize:     64,
			MaxSequenceGap:    32,
			DeliveryTimeoutMs: 100,
		},
		HTTP: HTTPConfig{ListenAddr: "127.0.0.1:9830"},
		Stats: StatsConfig{
			DBPath:          "",
			SnapshotEveryMs: 10_000,
			RetainHours:     24,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func defaultWorkspaceDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".midimesh"
	}
	return home + "/.midimesh"
}

// Load reads and parses a YAML config file, starting from Defaults and
// overlaying whatever the file specifies. Keys absent from the file keep
// their default; a key present in the file replaces the default, even when
// its value is zero.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that would crash a
// component at startup rather than failing cleanly, mirroring
// `Config.Validate` in the pack.
func (c Config) Validate() error {
	if c.Transport.UDPPort <= 0 || c.Transport.UDPPort > 65535 {
		return fmt.Errorf("transport.udp_port %d out of range", c.Transport.UDPPort)
	}
	if c.Transport.TCPPort <= 0 || c.Transport.TCPPort > 65535 {
		return fmt.Errorf("transport.tcp_port %d out of range", c.Transport.TCPPort)
	}
	if c.Transport.UDPPort == c.Transport.TCPPort {
		return fmt.Errorf("transport.udp_port and transport.tcp_port must differ")
	}
	if c.Reorder.MaxBufferSize < 1 {
		return fmt.Errorf("reorder.max_buffer_size must be at least 1")
	}
	if c.Reorder.MaxSequenceGap < 0 {
		return fmt.Errorf("reorder.max_sequence_gap must not be negative")
	}
	if c.Stats.SnapshotEveryMs < 0 {
		return fmt.Errorf("stats.snapshot_every_ms must not be negative")
	}
	return nil
}

// DeliveryTimeout returns the reorder buffer's delivery timeout as a
// time.Duration.
func (c ReorderConfig) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutMs) * time.Millisecond
}

// ReliableTimeout returns the reliable layer's retry timeout as a
// time.Duration.
func (c TransportConfig) ReliableTimeout() time.Duration {
	return time.Duration(c.ReliableTimeoutMs) * time.Millisecond
}

// SnapshotInterval returns the statistics-snapshot cadence as a
// time.Duration.
func (c StatsConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotEveryMs) * time.Millisecond
}

// RetainFor returns the statistics-history retention window as a
// time.Duration.
func (c StatsConfig) RetainFor() time.Duration {
	return time.Duration(c.RetainHours) * time.Hour
}
