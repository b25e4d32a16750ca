package hypervisor

import (
	"context"
	"time"

	"github.com/burrowstack/burrow/types"
)

// VirtualMachine is the lifecycle contract for one managed instance.
// Each backend (e.g. lxd) implements this interface against its own
// control plane.
type VirtualMachine interface {
	Name() string
	SSHUsername() string
	// SSHPort returns the guest SSH port. Stop clears the cached value;
	// it is restored lazily on the next call.
	SSHPort() int

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Suspend(ctx context.Context) error

	// State reconciles the cached state against the daemon and returns the
	// result. Transport failures degrade the state to unknown without
	// returning an error; a missing remote resource does return one.
	State(ctx context.Context) (types.State, error)

	// EnsureRunning verifies the instance is not deliberately halted,
	// tolerating a daemon-side reboot window of up to grace.
	EnsureRunning(ctx context.Context, grace time.Duration) error

	// SSHHostname resolves the instance's address from the daemon's lease
	// table, retrying until found or timeout elapses.
	SSHHostname(ctx context.Context, timeout time.Duration) (string, error)
	// ManagementIP returns the memoized management address, or "UNKNOWN"
	// when resolution never succeeded. Absence is a display concern here,
	// not a failure.
	ManagementIP(ctx context.Context) string

	ResizeCPU(ctx context.Context, cores int) error
	ResizeMemory(ctx context.Context, bytes int64) error
	ResizeDisk(ctx context.Context, bytes int64) error

	// MakeNativeMount binds a mount handler to this instance. Backends
	// without UID/GID remapping reject mounts that request it, and
	// backends that cannot modify a live instance require it stopped.
	MakeNativeMount(ctx context.Context, target string, mount types.Mount) (MountHandler, error)

	// Close releases the controller: best-effort stop of a running
	// instance, final state persistence otherwise. Never returns an error
	// for daemon-side conditions; those are logged.
	Close(ctx context.Context) error
}

// MountHandler attaches and detaches one host-directory device on a
// powered-off instance.
type MountHandler interface {
	Attach(ctx context.Context) error
	// Detach removes the device. Detaching an already-absent device is a
	// no-op, not an error.
	Detach(ctx context.Context) error
	// Close detaches best-effort; failures are logged, never propagated.
	Close(ctx context.Context)
}

// StateMonitor is the sink notified after every confirmed state transition.
type StateMonitor interface {
	PersistState(ctx context.Context, name string, state types.State) error
}
