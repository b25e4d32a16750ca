package lxd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/burrowstack/burrow/config"
	"github.com/burrowstack/burrow/hypervisor"
	"github.com/burrowstack/burrow/types"
	"github.com/burrowstack/burrow/utils"
)

const (
	// defaultSSHPort is the virtualization-standard guest SSH port.
	defaultSSHPort = 22
	// stateRequestTimeout bounds the PUT that requests a state change; the
	// resulting operation is polled separately.
	stateRequestTimeout = 5 * time.Second
	// ensureRunningGrace is how long EnsureRunning tolerates a stopped
	// instance before concluding the boot was interrupted. LXD briefly
	// reports stopped while rebooting an instance.
	ensureRunningGrace = 20 * time.Second
	// ipPollInterval paces lease-table scans during SSH host resolution.
	ipPollInterval = time.Second
)

var _ hypervisor.VirtualMachine = (*Machine)(nil)

// Machine is the lifecycle controller for one LXD virtual machine. It owns
// the cached state, which may lag the daemon's authoritative state; every
// query reconciles the two. All cached fields are guarded by mu.
type Machine struct {
	name        string
	username    string
	macAddr     string
	bridge      string
	storagePool string

	createTimeout      time.Duration
	stateChangeTimeout time.Duration

	client  *Client
	monitor hypervisor.StateMonitor

	mu           sync.Mutex
	state        types.State
	managementIP string
	sshPort      int

	// bootInterrupted is the single-slot handshake between a stop issued
	// mid-boot and the start sequence reaching its interruption point:
	// EnsureRunning sends when it observes the shutdown, Stop receives.
	bootInterrupted chan struct{}

	// persistShutdown is cleared on the Close path to avoid a redundant
	// monitor write from the best-effort stop.
	persistShutdown bool
}

func newMachine(desc *types.VMDesc, client *Client, mon hypervisor.StateMonitor, conf *config.Config) *Machine {
	return &Machine{
		name:               desc.Name,
		username:           desc.SSHUsername,
		macAddr:            desc.DefaultMACAddress,
		bridge:             conf.Bridge,
		storagePool:        conf.StoragePool,
		createTimeout:      conf.CreateTimeout(),
		stateChangeTimeout: conf.StateChangeTimeout(),
		client:             client,
		monitor:            mon,
		state:              types.StateUnknown,
		sshPort:            defaultSSHPort,
		bootInterrupted:    make(chan struct{}, 1),
		persistShutdown:    true,
	}
}

// NewMachine binds a controller to the instance named in desc, creating it
// on the daemon when no record exists. Creation waits for the daemon-side
// provisioning operation, which can take minutes for a fresh image.
func NewMachine(ctx context.Context, desc *types.VMDesc, client *Client, mon hypervisor.StateMonitor, conf *config.Config) (*Machine, error) {
	m := newMachine(desc, client, mon, conf)

	if _, err := m.State(ctx); err != nil {
		if !hypervisor.IsNotFound(err) {
			return nil, err
		}
		log.WithFunc("lxd.NewMachine").Debugf(ctx, "creating instance %s with image %s", m.name, desc.ImageFingerprint)

		env, err := m.client.Do(ctx, http.MethodPost, m.client.VirtualMachinesURL(), createPayload(desc, m.bridge, m.storagePool), 0)
		if err != nil {
			return nil, fmt.Errorf("create instance %s: %w", m.name, err)
		}
		if _, err := m.client.WaitForCompletion(ctx, env, m.createTimeout); err != nil {
			return nil, fmt.Errorf("wait for creation of instance %s: %w", m.name, err)
		}
		if _, err := m.State(ctx); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// OpenMachine binds a controller to an instance that must already exist on
// the daemon, recovering its MAC address from the daemon's device records.
func OpenMachine(ctx context.Context, name string, client *Client, mon hypervisor.StateMonitor, conf *config.Config) (*Machine, error) {
	env, err := client.Do(ctx, http.MethodGet, client.VirtualMachineURL(name), nil, 0)
	if err != nil {
		return nil, err
	}

	var meta struct {
		Devices         map[string]map[string]string `json:"devices"`
		ExpandedDevices map[string]map[string]string `json:"expanded_devices"`
	}
	if err := json.Unmarshal(env.Metadata, &meta); err != nil {
		return nil, fmt.Errorf("parse instance %s: %w", name, err)
	}
	mac := meta.Devices["eth0"]["hwaddr"]
	if mac == "" {
		mac = meta.ExpandedDevices["eth0"]["hwaddr"]
	}

	desc := &types.VMDesc{Name: name, SSHUsername: conf.SSHUsername, DefaultMACAddress: mac}
	m := newMachine(desc, client, mon, conf)
	if _, err := m.State(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machine) Name() string { return m.name }

func (m *Machine) SSHUsername() string { return m.username }

// SSHPort returns the guest SSH port, restoring the cached value lazily
// after a stop cleared it.
func (m *Machine) SSHPort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sshPort == 0 {
		m.sshPort = defaultSSHPort
	}
	return m.sshPort
}

// Start requests a cold start, or a resume when the instance is suspended
// (different remote verbs). The cached state moves to starting optimistically
// and is persisted before any remote confirmation arrives.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	action := "start"
	if m.state == types.StateSuspended {
		log.WithFunc("lxd.Machine.Start").Infof(ctx, "resuming instance %s from a suspended state", m.name)
		action = "unfreeze"
	}
	if err := m.requestState(ctx, action); err != nil {
		return err
	}

	m.state = types.StateStarting
	m.persistState(ctx)
	return nil
}

// Stop re-derives the authoritative state under the instance lock, then
// requests a stop. Already-stopped and suspended instances are left alone.
// A stop that interrupts a boot blocks until the start sequence acknowledges
// the shutdown, so the two cannot race past each other.
func (m *Machine) Stop(ctx context.Context) error {
	logger := log.WithFunc("lxd.Machine.Stop")
	m.mu.Lock()
	defer m.mu.Unlock()

	present, err := m.refreshState(ctx)
	if err != nil {
		return err
	}

	if present == types.StateStopped {
		logger.Debugf(ctx, "ignoring stop request: instance %s is already stopped", m.name)
		return nil
	}
	if present == types.StateSuspended {
		logger.Infof(ctx, "ignoring shutdown issued while instance %s is suspended", m.name)
		return nil
	}

	if err := m.requestState(ctx, "stop"); err != nil {
		return err
	}
	m.state = types.StateStopped

	if present == types.StateStarting {
		m.mu.Unlock()
		select {
		case <-m.bootInterrupted:
		case <-ctx.Done():
			m.mu.Lock()
			return ctx.Err()
		}
		m.mu.Lock()
	}

	m.sshPort = 0
	if m.persistShutdown {
		m.persistState(ctx)
	}
	return nil
}

// Suspend is not supported by this backend.
func (m *Machine) Suspend(_ context.Context) error {
	return fmt.Errorf("suspend instance %s: %w", m.name, hypervisor.ErrUnsupported)
}

// State reconciles the cached state against the daemon and returns it.
func (m *Machine) State(ctx context.Context) (types.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshState(ctx)
}

// refreshState polls the daemon and folds the result into the cached state.
// Callers must hold mu.
//
// Debounce: when the cache says starting or delayed-shutdown and the poll
// says running, the transitional state is preserved — the daemon reports
// running slightly ahead of the controller considering the transition
// complete, and overwriting here would flap the externally-observed state.
//
// Transport failures degrade the cache to unknown and are absorbed; a state
// query never fails on transient connectivity loss. A missing instance does
// surface, since construction depends on distinguishing it.
func (m *Machine) refreshState(ctx context.Context) (types.State, error) {
	present, err := m.remoteState(ctx)
	if err != nil {
		var ue *hypervisor.UnavailableError
		if errors.As(err, &ue) {
			log.WithFunc("lxd.Machine.refreshState").Warnf(ctx, "instance %s: %v", m.name, err)
			m.state = types.StateUnknown
			return m.state, nil
		}
		return m.state, err
	}

	if (m.state == types.StateDelayedShutdown || m.state == types.StateStarting) && present == types.StateRunning {
		return m.state, nil
	}

	m.state = present
	return m.state, nil
}

// remoteState queries the daemon's live status code and maps it through the
// transient-code table.
func (m *Machine) remoteState(ctx context.Context) (types.State, error) {
	env, err := m.client.Do(ctx, http.MethodGet, m.stateURL(), nil, 0)
	if err != nil {
		return types.StateUnknown, err
	}

	var meta struct {
		Status     string `json:"status"`
		StatusCode int    `json:"status_code"`
	}
	if err := json.Unmarshal(env.Metadata, &meta); err != nil {
		return types.StateUnknown, fmt.Errorf("parse state of instance %s: %w", m.name, err)
	}

	log.WithFunc("lxd.Machine.remoteState").Debugf(ctx, "instance %s reported %s", m.name, meta.Status)
	return stateForCode(ctx, m.name, meta.StatusCode, meta.Status), nil
}

// EnsureRunning verifies the instance is not deliberately halted. A stopped
// instance gets one grace window before re-polling, covering the case where
// the daemon is mid-reboot rather than halted for good. When the instance is
// confirmed down, the boot-interrupted handshake fires so a concurrently
// blocked Stop can proceed.
func (m *Machine) EnsureRunning(ctx context.Context, grace time.Duration) error {
	st, err := m.State(ctx)
	if err != nil {
		return err
	}
	if st != types.StateStopped {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}

	st, err = m.State(ctx)
	if err != nil {
		return err
	}
	if st != types.StateStopped {
		m.mu.Lock()
		m.state = types.StateStarting
		m.mu.Unlock()
		return nil
	}

	select {
	case m.bootInterrupted <- struct{}{}:
	default:
	}
	return fmt.Errorf("instance %s: %w", m.name, hypervisor.ErrShutdownDuringStart)
}

// SSHHostname resolves the instance's address from the bridge lease table,
// retrying until found or timeout elapses. EnsureRunning is the liveness
// check between attempts.
func (m *Machine) SSHHostname(ctx context.Context, timeout time.Duration) (string, error) {
	var addr string
	err := utils.WaitFor(ctx, timeout, ipPollInterval, func() (bool, error) {
		if err := m.EnsureRunning(ctx, ensureRunningGrace); err != nil {
			return false, err
		}
		ip, ok, err := m.client.ResolveIP(ctx, m.leasesURL(), m.macAddr)
		if err != nil {
			return false, err
		}
		if ok {
			addr = ip
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		if errors.Is(err, utils.ErrWaitTimeout) {
			return "", &hypervisor.TimeoutError{Action: "resolve SSH host for instance " + m.name, Budget: timeout}
		}
		return "", err
	}
	return addr, nil
}

// ManagementIP returns the memoized management address. Resolution failure
// yields the "UNKNOWN" sentinel — callers treat a missing address as a
// display concern, not an error.
func (m *Machine) ManagementIP(ctx context.Context) string {
	m.mu.Lock()
	ip := m.managementIP
	m.mu.Unlock()
	if ip != "" {
		return ip
	}

	// Resolve without holding the mutex; the lease table round trip can be
	// slow and must not block state queries on the same instance.
	ip, ok, err := m.client.ResolveIP(ctx, m.leasesURL(), m.macAddr)
	if err != nil || !ok {
		log.WithFunc("lxd.Machine.ManagementIP").Debugf(ctx, "IP address for instance %s not found", m.name)
		return "UNKNOWN"
	}

	m.mu.Lock()
	m.managementIP = ip
	m.mu.Unlock()
	return ip
}

// Close releases the controller: a running instance gets a best-effort stop,
// anything else a final state persist. Daemon-side failures are logged, not
// returned.
func (m *Machine) Close(ctx context.Context) error {
	logger := log.WithFunc("lxd.Machine.Close")

	m.mu.Lock()
	m.persistShutdown = false
	m.mu.Unlock()

	st, err := m.State(ctx)
	if err != nil {
		if hypervisor.IsNotFound(err) {
			logger.Debugf(ctx, "instance %s has no daemon record", m.name)
			return nil
		}
		logger.Warnf(ctx, "query state of instance %s: %v", m.name, err)
		return nil
	}

	if st == types.StateRunning {
		if err := m.Stop(ctx); err != nil {
			logger.Warnf(ctx, "stop instance %s: %v", m.name, err)
		}
		return nil
	}

	m.mu.Lock()
	m.persistState(ctx)
	m.mu.Unlock()
	return nil
}

// requestState issues a lifecycle action and waits for the resulting
// operation. Callers hold mu; the remote round trips are the accepted
// suspension points of the instance lock.
func (m *Machine) requestState(ctx context.Context, action string) error {
	env, err := m.client.Do(ctx, http.MethodPut, m.stateURL(), map[string]string{"action": action}, stateRequestTimeout)
	if err != nil {
		return fmt.Errorf("request %q on instance %s: %w", action, m.name, err)
	}
	if _, err := m.client.WaitForCompletion(ctx, env, m.stateChangeTimeout); err != nil {
		return fmt.Errorf("wait for %q on instance %s: %w", action, m.name, err)
	}
	return nil
}

// persistState pushes the cached state to the monitor. Callers hold mu.
func (m *Machine) persistState(ctx context.Context) {
	if m.monitor == nil {
		return
	}
	if err := m.monitor.PersistState(ctx, m.name, m.state); err != nil {
		log.WithFunc("lxd.Machine.persistState").Warnf(ctx, "persist state of instance %s: %v", m.name, err)
	}
}

func (m *Machine) url() string {
	return m.client.VirtualMachineURL(m.name)
}

func (m *Machine) stateURL() string {
	return m.url() + "/state"
}

func (m *Machine) leasesURL() string {
	return m.client.NetworkLeasesURL(m.bridge)
}
