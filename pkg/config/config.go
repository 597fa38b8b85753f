// Package config provides YAML configuration for the coordinator and peer
// roles. Values omitted from the file keep their defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration file: one section per role. A
// process only reads the section for the role it runs.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Peer        PeerConfig        `yaml:"peer"`
}

// CoordinatorConfig configures the central coordination authority.
type CoordinatorConfig struct {
	Listen          string        `yaml:"listen"`           // UDP control listen address
	CredentialsFile string        `yaml:"credentials_file"` // username/secret pairs, read once
	LivenessWindow  time.Duration `yaml:"liveness_window"`  // max heartbeat age before eviction
	MetricsAddress  string        `yaml:"metrics_address"`  // promhttp listener, disabled when empty
	MDNS            bool          `yaml:"mdns"`             // advertise the control port via mDNS
}

// PeerConfig configures a peer agent.
type PeerConfig struct {
	Coordinator        string        `yaml:"coordinator"`          // coordinator control address
	SharedRoot         string        `yaml:"shared_root"`          // parent of per-user shared directories
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`   // presence refresh period
	ReplyTimeout       time.Duration `yaml:"reply_timeout"`        // control request reply deadline
	HandlerReadTimeout time.Duration `yaml:"handler_read_timeout"` // serve-side initial read deadline
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`      // transfer dial deadline
	UploadRate         int64         `yaml:"upload_rate"`          // bytes/sec per transfer, 0 = unlimited
	Discover           bool          `yaml:"discover"`             // locate the coordinator via mDNS
}

// Default returns the configuration used when no file is given. The timing
// constants are the protocol's: 3s liveness window, 2s heartbeat, 5s reads,
// 10s connects.
func Default() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			Listen:          "127.0.0.1:8000",
			CredentialsFile: "credentials.txt",
			LivenessWindow:  3 * time.Second,
			MetricsAddress:  "",
			MDNS:            false,
		},
		Peer: PeerConfig{
			Coordinator:        "127.0.0.1:8000",
			SharedRoot:         ".",
			HeartbeatInterval:  2 * time.Second,
			ReplyTimeout:       5 * time.Second,
			HandlerReadTimeout: 5 * time.Second,
			ConnectTimeout:     10 * time.Second,
			UploadRate:         0,
			Discover:           false,
		},
	}
}

// Load reads a config file on top of the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML on top of the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks both sections; a process validates the whole file even
// when it only runs one role, so a bad file fails fast everywhere.
func (c Config) Validate() error {
	if c.Coordinator.Listen == "" {
		return fmt.Errorf("coordinator.listen must not be empty")
	}
	if c.Coordinator.CredentialsFile == "" {
		return fmt.Errorf("coordinator.credentials_file must not be empty")
	}
	if c.Coordinator.LivenessWindow <= 0 {
		return fmt.Errorf("coordinator.liveness_window must be positive")
	}
	if c.Peer.Coordinator == "" && !c.Peer.Discover {
		return fmt.Errorf("peer.coordinator must be set unless peer.discover is enabled")
	}
	if c.Peer.SharedRoot == "" {
		return fmt.Errorf("peer.shared_root must not be empty")
	}
	if c.Peer.HeartbeatInterval <= 0 {
		return fmt.Errorf("peer.heartbeat_interval must be positive")
	}
	if c.Peer.HeartbeatInterval >= c.Coordinator.LivenessWindow {
		return fmt.Errorf("peer.heartbeat_interval (%s) must be shorter than coordinator.liveness_window (%s)",
			c.Peer.HeartbeatInterval, c.Coordinator.LivenessWindow)
	}
	if c.Peer.ReplyTimeout <= 0 {
		return fmt.Errorf("peer.reply_timeout must be positive")
	}
	if c.Peer.HandlerReadTimeout <= 0 {
		return fmt.Errorf("peer.handler_read_timeout must be positive")
	}
	if c.Peer.ConnectTimeout <= 0 {
		return fmt.Errorf("peer.connect_timeout must be positive")
	}
	if c.Peer.UploadRate < 0 {
		return fmt.Errorf("peer.upload_rate must not be negative")
	}
	return nil
}
