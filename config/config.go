package config

import (
	"os"
	"path/filepath"
	"time"

	coretypes "github.com/projecteru2/core/types"
)

// Config holds global burrow configuration.
type Config struct {
	// SocketPath is the LXD daemon's Unix control socket.
	SocketPath string `json:"socket_path" mapstructure:"socket_path"`
	// Project scopes every API call; empty means the daemon default.
	Project string `json:"project" mapstructure:"project"`
	// Bridge is the host bridge instances attach to, and the bridge whose
	// lease table IP resolution scans.
	Bridge string `json:"bridge" mapstructure:"bridge"`
	// StoragePool backs every instance's root disk.
	StoragePool string `json:"storage_pool" mapstructure:"storage_pool"`
	// SSHUsername is the default guest login for new instances.
	SSHUsername string `json:"ssh_username" mapstructure:"ssh_username"`
	// DataDir is the base directory for the state index and lock files.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// CreateTimeoutSeconds bounds instance creation. Image provisioning is
	// slow, so the default is generous.
	CreateTimeoutSeconds int `json:"create_timeout_seconds" mapstructure:"create_timeout_seconds"`
	// StateChangeTimeoutSeconds bounds start/stop/unfreeze operations.
	StateChangeTimeoutSeconds int `json:"state_change_timeout_seconds" mapstructure:"state_change_timeout_seconds"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log" mapstructure:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:                "/var/snap/lxd/common/lxd/unix.socket",
		Project:                   "burrow",
		Bridge:                    "lxdbr0",
		StoragePool:               "default",
		SSHUsername:               "ubuntu",
		DataDir:                   "/var/lib/burrow",
		CreateTimeoutSeconds:      600,
		StateChangeTimeoutSeconds: 60,
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// EnsureDirs creates the data directory tree.
func (c *Config) EnsureDirs() error {
	return os.MkdirAll(c.DataDir, 0o755) //nolint:gosec
}

// StateFile is the persisted instance-state index.
func (c *Config) StateFile() string {
	return filepath.Join(c.DataDir, "states.json")
}

// StateLockFile guards the state index.
func (c *Config) StateLockFile() string {
	return filepath.Join(c.DataDir, "states.lock")
}

// DeviceLockFile serializes device-map mutations against this daemon.
func (c *Config) DeviceLockFile() string {
	return filepath.Join(c.DataDir, "devices.lock")
}

// CreateTimeout is CreateTimeoutSeconds as a Duration.
func (c *Config) CreateTimeout() time.Duration {
	return time.Duration(c.CreateTimeoutSeconds) * time.Second
}

// StateChangeTimeout is StateChangeTimeoutSeconds as a Duration.
func (c *Config) StateChangeTimeout() time.Duration {
	return time.Duration(c.StateChangeTimeoutSeconds) * time.Second
}
