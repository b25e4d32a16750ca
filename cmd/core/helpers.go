package core

import (
	"context"
	"fmt"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/burrowstack/burrow/config"
	"github.com/burrowstack/burrow/hypervisor"
	"github.com/burrowstack/burrow/hypervisor/lxd"
	"github.com/burrowstack/burrow/monitor"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// InitBackend builds the daemon client and the state monitor.
func InitBackend(conf *config.Config) (*lxd.Client, *monitor.FileMonitor, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, nil, fmt.Errorf("prepare data dir: %w", err)
	}
	if err := hypervisor.CheckSocket(conf.SocketPath); err != nil {
		return nil, nil, fmt.Errorf("daemon socket %s: %w", conf.SocketPath, err)
	}
	return lxd.NewSocketClient(conf), monitor.New(conf), nil
}

// ParseSize converts human-readable sizes ("3G", "512M") to bytes.
func ParseSize(flag, value string) (int64, error) {
	bytes, err := units.RAMInBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, value, err)
	}
	return bytes, nil
}

// FormatSize renders bytes for display.
func FormatSize(bytes int64) string {
	return units.BytesSize(float64(bytes))
}
