// Package config loads and validates process configuration for both the
// control plane and the bridge binaries, following the donor's YAML +
// env-override + DefaultConfig idiom (appliance/internal/daemon/config.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ControlPlaneConfig configures the cmd/controlplane process.
type ControlPlaneConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	EventStoreCapacity int    `yaml:"event_store_capacity"`
	StateDir           string `yaml:"state_dir"`

	PostgresDSN string `yaml:"postgres_dsn"`

	CommandSigningPubKeyPath string `yaml:"command_signing_pubkey_path"`

	// BridgeBundlePath is the bridge.mjs bundle the lifecycle manager
	// installs/updates onto newly set-up bridges (§4.8).
	BridgeBundlePath string `yaml:"bridge_bundle_path"`

	LogLevel string `yaml:"log_level"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// DefaultControlPlaneConfig returns the control plane's sane defaults.
func DefaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		ListenAddr:         ":8443",
		EventStoreCapacity: 100_000,
		StateDir:           "/var/lib/patze-control",
		LogLevel:           "INFO",
		MetricsEnabled:     true,
	}
}

// LoadControlPlaneConfig reads path, applies env overrides, and validates.
func LoadControlPlaneConfig(path string) (*ControlPlaneConfig, error) {
	cfg := DefaultControlPlaneConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsEnabled = !isFalsy(v)
	}

	if cfg.EventStoreCapacity <= 0 {
		return nil, fmt.Errorf("event_store_capacity must be positive")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state_dir is required")
	}
	return &cfg, nil
}

// CommandQueuePath is the command-queue JSON store under StateDir.
func (c *ControlPlaneConfig) CommandQueuePath() string {
	return filepath.Join(c.StateDir, "commands.json")
}

// AuditLedgerPath is the bridge-local SQLite audit-ledger path under StateDir.
func (c *BridgeConfig) AuditLedgerPath() string {
	return filepath.Join(c.StateDir, "audit.db")
}

// TaskStorePath is the scheduled-task JSON store under StateDir (§4.11).
func (c *ControlPlaneConfig) TaskStorePath() string {
	return filepath.Join(c.StateDir, "tasks.json")
}

// TaskSnapshotDir holds one `<snapshotId>.json` TaskSnapshot per file (§6.4).
func (c *ControlPlaneConfig) TaskSnapshotDir() string {
	return filepath.Join(c.StateDir, "task_snapshots")
}

// TaskRunHistoryPath is the size-capped JSONL task run history (§6.4).
func (c *ControlPlaneConfig) TaskRunHistoryPath() string {
	return filepath.Join(c.StateDir, "task_run_history.jsonl")
}

// BridgeConfig configures the cmd/bridge process.
type BridgeConfig struct {
	BridgeID string `yaml:"bridge_id"`

	SSHHost     string `yaml:"ssh_host"`
	SSHPort     int    `yaml:"ssh_port"`
	SSHUser     string `yaml:"ssh_user"`
	SSHKeyPath  string `yaml:"ssh_key_path"`
	SSHMode     string `yaml:"ssh_mode"` // "system" or "user"
	RemotePort  int    `yaml:"remote_port"`
	LocalPort   int    `yaml:"local_port"`

	ControlPlaneURL   string `yaml:"control_plane_url"`
	ControlPlaneToken string `yaml:"control_plane_token"`

	HealthAddr string `yaml:"health_addr"`

	StateDir string `yaml:"state_dir"`

	OpenClawJobsDir string `yaml:"openclaw_jobs_dir"`
	SyncInterval    int    `yaml:"sync_interval"` // seconds

	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	MaxRetries      int `yaml:"max_retries"`
	ConnectTimeout  int `yaml:"connect_timeout_secs"`

	LogLevel string `yaml:"log_level"`
}

// DefaultBridgeConfig returns the bridge's sane defaults.
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		SSHPort:         22,
		SSHMode:         "system",
		HealthAddr:      "127.0.0.1:8081",
		StateDir:        "/var/lib/patze-bridge",
		OpenClawJobsDir:     "~/.openclaw",
		SyncInterval:        30,
		HeartbeatIntervalMs: 5000,
		MaxRetries:          6,
		ConnectTimeout:  15,
		LogLevel:        "INFO",
	}
}

// LoadBridgeConfig reads path, applies env overrides, and validates.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	cfg := DefaultBridgeConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("CONTROL_PLANE_TOKEN"); v != "" {
		cfg.ControlPlaneToken = v
	}
	if v := os.Getenv("CONTROL_PLANE_URL"); v != "" {
		cfg.ControlPlaneURL = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}
	if v := os.Getenv("SSH_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SSHPort = p
		}
	}

	if cfg.BridgeID == "" {
		return nil, fmt.Errorf("bridge_id is required")
	}
	if cfg.SSHHost == "" {
		return nil, fmt.Errorf("ssh_host is required")
	}
	if cfg.ControlPlaneURL == "" {
		return nil, fmt.Errorf("control_plane_url is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15
	}
	return &cfg, nil
}

// SpoolPath is the durable sink spool path under StateDir.
func (c *BridgeConfig) SpoolPath() string {
	return filepath.Join(c.StateDir, "spool.json")
}

// KnownHostsPath is the bridge's pinned known_hosts file.
func (c *BridgeConfig) KnownHostsPath() string {
	return filepath.Join(c.StateDir, "known_hosts")
}

// SyncStatePath is the cron-sync offset/watermark state file.
func (c *BridgeConfig) SyncStatePath() string {
	return filepath.Join(c.StateDir, "sync_state.json")
}

func isFalsy(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "false" || v == "0" || v == "no"
}
