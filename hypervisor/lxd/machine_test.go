package lxd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/burrowstack/burrow/config"
	"github.com/burrowstack/burrow/hypervisor"
	"github.com/burrowstack/burrow/types"
)

const testMAC = "52:54:00:00:00:01"

// fakeInstance is an in-memory daemon-side instance record. Lifecycle
// actions flip its status code the way a real daemon would. leaseStarted
// and leaseGate, when set, signal and stall the lease table endpoint so
// tests can hold a resolution in flight.
type fakeInstance struct {
	mu           sync.Mutex
	name         string
	statusCode   int
	actions      []string
	leases       []map[string]string
	leaseStarted chan struct{}
	leaseGate    chan struct{}
}

func (f *fakeInstance) setCode(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCode = code
}

func (f *fakeInstance) setLeases(leases []map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = leases
}

func (f *fakeInstance) actionsSeen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeInstance) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/1.0/virtual-machines/"+f.name+"/state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			f.mu.Lock()
			code := f.statusCode
			f.mu.Unlock()
			writeSync(t, w, map[string]any{"status": "test", "status_code": code})
		case http.MethodPut:
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode action: %v", err)
			}
			f.mu.Lock()
			f.actions = append(f.actions, body["action"])
			switch body["action"] {
			case "start", "unfreeze":
				f.statusCode = codeRunning
			case "stop":
				f.statusCode = codeStopped
			}
			f.mu.Unlock()
			writeAsync(t, w, "op1")
		}
	})
	mux.HandleFunc("/1.0/virtual-machines/"+f.name, func(w http.ResponseWriter, _ *http.Request) {
		writeSync(t, w, map[string]any{
			"devices": map[string]map[string]string{
				"eth0": {"hwaddr": testMAC},
			},
		})
	})
	mux.HandleFunc("/1.0/operations/", func(w http.ResponseWriter, _ *http.Request) {
		writeOperation(t, w, "op1", 200, "")
	})
	mux.HandleFunc("/1.0/networks/", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		leases := f.leases
		started := f.leaseStarted
		gate := f.leaseGate
		f.leaseStarted = nil
		f.mu.Unlock()
		if started != nil {
			close(started)
		}
		if gate != nil {
			<-gate
		}
		writeSync(t, w, leases)
	})
	return mux
}

func testConf() *config.Config {
	conf := config.DefaultConfig()
	conf.CreateTimeoutSeconds = 5
	conf.StateChangeTimeoutSeconds = 5
	return conf
}

func newTestMachine(t *testing.T, f *fakeInstance, mon hypervisor.StateMonitor) *Machine {
	t.Helper()
	c, _ := testClient(t, f.handler(t))
	desc := &types.VMDesc{Name: f.name, SSHUsername: "ubuntu", DefaultMACAddress: testMAC}
	return newMachine(desc, c, mon, testConf())
}

func cachedState(m *Machine) types.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func setCachedState(m *Machine, st types.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st
}

type recordingMonitor struct {
	mu      sync.Mutex
	records []string
}

func (r *recordingMonitor) PersistState(_ context.Context, name string, st types.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, name+"="+string(st))
	return nil
}

func (r *recordingMonitor) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.records...)
}

// --- State ---

func TestState_MapsDaemonCode(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	m := newTestMachine(t, f, nil)

	st, err := m.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != types.StateRunning {
		t.Errorf("expected running, got %s", st)
	}

	f.setCode(codeStopped)
	st, err = m.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != types.StateStopped {
		t.Errorf("expected stopped, got %s", st)
	}
}

func TestState_DebouncePreservesTransitional(t *testing.T) {
	// While the cache says starting or delayed-shutdown, a daemon report of
	// running must not overwrite it.
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	m := newTestMachine(t, f, nil)

	for _, transitional := range []types.State{types.StateStarting, types.StateDelayedShutdown} {
		setCachedState(m, transitional)
		st, err := m.State(context.Background())
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if st != transitional {
			t.Errorf("expected %s preserved, got %s", transitional, st)
		}
	}

	// Any other report does win.
	setCachedState(m, types.StateStarting)
	f.setCode(codeStopped)
	st, err := m.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if st != types.StateStopped {
		t.Errorf("expected stopped to override starting, got %s", st)
	}
}

func TestState_UnavailableDegradesToUnknown(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	c, srv := testClient(t, f.handler(t))
	desc := &types.VMDesc{Name: "vm1", SSHUsername: "ubuntu", DefaultMACAddress: testMAC}
	m := newMachine(desc, c, nil, testConf())

	setCachedState(m, types.StateRunning)
	srv.Close()

	st, err := m.State(context.Background())
	if err != nil {
		t.Fatalf("expected connectivity loss absorbed, got %v", err)
	}
	if st != types.StateUnknown {
		t.Errorf("expected unknown, got %s", st)
	}
}

func TestState_MissingInstanceSurfaces(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(t, w)
	}))
	desc := &types.VMDesc{Name: "ghost", SSHUsername: "ubuntu", DefaultMACAddress: testMAC}
	m := newMachine(desc, c, nil, testConf())

	if _, err := m.State(context.Background()); !hypervisor.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

// --- Start ---

func TestStart_RequestsStartAndPersists(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeStopped}
	mon := &recordingMonitor{}
	m := newTestMachine(t, f, mon)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 1 || actions[0] != "start" {
		t.Errorf("expected [start], got %v", actions)
	}
	if st := cachedState(m); st != types.StateStarting {
		t.Errorf("expected cached starting, got %s", st)
	}
	if records := mon.all(); len(records) != 1 || records[0] != "vm1=starting" {
		t.Errorf("expected persisted starting, got %v", records)
	}
}

func TestStart_ResumesSuspendedWithUnfreeze(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeFrozen}
	m := newTestMachine(t, f, nil)
	setCachedState(m, types.StateSuspended)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 1 || actions[0] != "unfreeze" {
		t.Errorf("expected [unfreeze], got %v", actions)
	}
}

// --- Stop ---

func TestStop_NoopWhenAlreadyStopped(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeStopped}
	m := newTestMachine(t, f, nil)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 0 {
		t.Errorf("expected no lifecycle actions, got %v", actions)
	}
}

func TestStop_IgnoredWhileSuspended(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeFrozen}
	m := newTestMachine(t, f, nil)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 0 {
		t.Errorf("expected no lifecycle actions, got %v", actions)
	}
}

func TestStop_StopsRunningAndClearsSSHPort(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	mon := &recordingMonitor{}
	m := newTestMachine(t, f, mon)

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 1 || actions[0] != "stop" {
		t.Errorf("expected [stop], got %v", actions)
	}
	if st := cachedState(m); st != types.StateStopped {
		t.Errorf("expected cached stopped, got %s", st)
	}

	m.mu.Lock()
	cleared := m.sshPort == 0
	m.mu.Unlock()
	if !cleared {
		t.Error("expected SSH port cleared after stop")
	}
	if port := m.SSHPort(); port != defaultSSHPort {
		t.Errorf("expected port restored to %d, got %d", defaultSSHPort, port)
	}
	if records := mon.all(); len(records) != 1 || records[0] != "vm1=stopped" {
		t.Errorf("expected persisted stopped, got %v", records)
	}
}

func TestStop_BlocksUntilBootAcknowledged(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeStarting}
	m := newTestMachine(t, f, nil)

	done := make(chan error, 1)
	go func() {
		done <- m.Stop(context.Background())
	}()

	select {
	case err := <-done:
		t.Fatalf("Stop returned before the boot acknowledged the shutdown: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	m.bootInterrupted <- struct{}{}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the handshake")
	}

	if st := cachedState(m); st != types.StateStopped {
		t.Errorf("expected cached stopped, got %s", st)
	}
	m.mu.Lock()
	cleared := m.sshPort == 0
	m.mu.Unlock()
	if !cleared {
		t.Error("expected SSH port cleared")
	}
}

// --- EnsureRunning ---

func TestEnsureRunning_RunningInstance(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	m := newTestMachine(t, f, nil)

	if err := m.EnsureRunning(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
}

func TestEnsureRunning_ShutdownDuringStart(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeStopped}
	m := newTestMachine(t, f, nil)

	err := m.EnsureRunning(context.Background(), time.Millisecond)
	if !errors.Is(err, hypervisor.ErrShutdownDuringStart) {
		t.Fatalf("expected ErrShutdownDuringStart, got %v", err)
	}

	select {
	case <-m.bootInterrupted:
	default:
		t.Error("expected the boot-interrupted handshake signalled")
	}
}

func TestEnsureRunning_RecoversWithinGrace(t *testing.T) {
	// A daemon mid-reboot reports stopped briefly; the grace re-poll must
	// see it back up and not flag an interruption.
	var calls int
	var mu sync.Mutex
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		code := codeStopped
		if calls > 1 {
			code = codeRunning
		}
		mu.Unlock()
		writeSync(t, w, map[string]any{"status": "test", "status_code": code})
	}))
	desc := &types.VMDesc{Name: "vm1", SSHUsername: "ubuntu", DefaultMACAddress: testMAC}
	m := newMachine(desc, c, nil, testConf())

	if err := m.EnsureRunning(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if st := cachedState(m); st != types.StateStarting {
		t.Errorf("expected cached starting after recovery, got %s", st)
	}
}

// --- Address resolution ---

func TestSSHHostname_ResolvesLease(t *testing.T) {
	f := &fakeInstance{
		name:       "vm1",
		statusCode: codeRunning,
		leases: []map[string]string{
			{"hwaddr": testMAC, "address": "10.0.0.21"},
		},
	}
	m := newTestMachine(t, f, nil)

	addr, err := m.SSHHostname(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("SSHHostname: %v", err)
	}
	if addr != "10.0.0.21" {
		t.Errorf("expected 10.0.0.21, got %q", addr)
	}
}

func TestSSHHostname_Timeout(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	m := newTestMachine(t, f, nil)

	_, err := m.SSHHostname(context.Background(), 0)
	var te *hypervisor.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestManagementIP_MemoizesFirstResolution(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	m := newTestMachine(t, f, nil)

	if ip := m.ManagementIP(context.Background()); ip != "UNKNOWN" {
		t.Errorf("expected UNKNOWN before a lease exists, got %q", ip)
	}

	f.setLeases([]map[string]string{{"hwaddr": testMAC, "address": "10.0.0.31"}})
	if ip := m.ManagementIP(context.Background()); ip != "10.0.0.31" {
		t.Errorf("expected 10.0.0.31, got %q", ip)
	}

	// The resolved address sticks even when the lease table changes.
	f.setLeases(nil)
	if ip := m.ManagementIP(context.Background()); ip != "10.0.0.31" {
		t.Errorf("expected memoized 10.0.0.31, got %q", ip)
	}
}

func TestManagementIP_DoesNotBlockStateQueries(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := &fakeInstance{
		name:         "vm1",
		statusCode:   codeRunning,
		leases:       []map[string]string{{"hwaddr": testMAC, "address": "10.0.0.31"}},
		leaseStarted: started,
		leaseGate:    release,
	}
	m := newTestMachine(t, f, nil)

	ips := make(chan string, 1)
	go func() {
		ips <- m.ManagementIP(context.Background())
	}()
	<-started

	// A state query must not queue behind the in-flight lease resolution.
	states := make(chan types.State, 1)
	go func() {
		st, err := m.State(context.Background())
		if err != nil {
			t.Errorf("State: %v", err)
		}
		states <- st
	}()
	select {
	case st := <-states:
		if st != types.StateRunning {
			t.Errorf("expected running, got %v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state query stuck behind lease resolution")
	}

	close(release)
	if ip := <-ips; ip != "10.0.0.31" {
		t.Errorf("expected 10.0.0.31, got %q", ip)
	}
}

// --- Close ---

func TestClose_StopsRunningWithoutPersisting(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	mon := &recordingMonitor{}
	m := newTestMachine(t, f, mon)

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 1 || actions[0] != "stop" {
		t.Errorf("expected [stop], got %v", actions)
	}
	if records := mon.all(); len(records) != 0 {
		t.Errorf("expected no monitor writes on the close path, got %v", records)
	}
}

func TestClose_PersistsWhenNotRunning(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeStopped}
	mon := &recordingMonitor{}
	m := newTestMachine(t, f, mon)

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if actions := f.actionsSeen(); len(actions) != 0 {
		t.Errorf("expected no lifecycle actions, got %v", actions)
	}
	if records := mon.all(); len(records) != 1 || records[0] != "vm1=stopped" {
		t.Errorf("expected one persisted stopped record, got %v", records)
	}
}

func TestClose_MissingInstance(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(t, w)
	}))
	desc := &types.VMDesc{Name: "ghost", SSHUsername: "ubuntu", DefaultMACAddress: testMAC}
	m := newMachine(desc, c, nil, testConf())

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("expected missing instance tolerated, got %v", err)
	}
}

// --- Suspend ---

func TestSuspend_Unsupported(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	m := newTestMachine(t, f, nil)

	if err := m.Suspend(context.Background()); !errors.Is(err, hypervisor.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

// --- Construction ---

func TestNewMachine_CreatesMissingInstance(t *testing.T) {
	var created bool
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("/1.0/virtual-machines/vm1/state", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		ok := created
		mu.Unlock()
		if !ok {
			writeNotFound(t, w)
			return
		}
		writeSync(t, w, map[string]any{"status": "Stopped", "status_code": codeStopped})
	})
	mux.HandleFunc("/1.0/virtual-machines", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode creation payload: %v", err)
		}
		if payload["name"] != "vm1" {
			t.Errorf("expected name vm1, got %v", payload["name"])
		}
		mu.Lock()
		created = true
		mu.Unlock()
		writeAsync(t, w, "op1")
	})
	mux.HandleFunc("/1.0/operations/", func(w http.ResponseWriter, _ *http.Request) {
		writeOperation(t, w, "op1", 200, "")
	})

	c, _ := testClient(t, mux)
	desc := &types.VMDesc{
		Name:              "vm1",
		CPUCount:          2,
		MemoryBytes:       1 << 30,
		DiskBytes:         5 << 30,
		ImageFingerprint:  "abc123",
		SSHUsername:       "ubuntu",
		DefaultMACAddress: testMAC,
	}
	m, err := NewMachine(context.Background(), desc, c, nil, testConf())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if st := cachedState(m); st != types.StateStopped {
		t.Errorf("expected stopped after creation, got %s", st)
	}
}

func TestNewMachine_AttachesExistingInstance(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	c, _ := testClient(t, f.handler(t))
	desc := &types.VMDesc{Name: "vm1", SSHUsername: "ubuntu", DefaultMACAddress: testMAC}

	m, err := NewMachine(context.Background(), desc, c, nil, testConf())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	if st := cachedState(m); st != types.StateRunning {
		t.Errorf("expected running, got %s", st)
	}
}

func TestOpenMachine_RecoversMAC(t *testing.T) {
	f := &fakeInstance{name: "vm1", statusCode: codeRunning}
	c, _ := testClient(t, f.handler(t))

	m, err := OpenMachine(context.Background(), "vm1", c, nil, testConf())
	if err != nil {
		t.Fatalf("OpenMachine: %v", err)
	}
	if m.macAddr != testMAC {
		t.Errorf("expected MAC %s recovered, got %q", testMAC, m.macAddr)
	}
}

func TestOpenMachine_MissingInstance(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(t, w)
	}))

	if _, err := OpenMachine(context.Background(), "ghost", c, nil, testConf()); !hypervisor.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}
