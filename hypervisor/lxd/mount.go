package lxd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"

	"github.com/burrowstack/burrow/hypervisor"
	"github.com/burrowstack/burrow/lock"
	"github.com/burrowstack/burrow/types"
)

// mountOpTimeout bounds the daemon-side device update; attaching a disk
// device to a stopped instance rewrites its whole record.
const mountOpTimeout = 5 * time.Minute

// deviceNameFor derives a stable daemon device name from the guest target
// path. LXD caps device names at 27 characters, so the name is "d_" plus
// 25 characters of the path's UUID. Same path, same name, across restarts.
func deviceNameFor(target string) string {
	id := uuid.NewSHA1(uuid.Nil, []byte(target))
	hex := strings.ReplaceAll(id.String(), "-", "")
	return "d_" + hex[:25]
}

var _ hypervisor.MountHandler = (*NativeMountHandler)(nil)

// NativeMountHandler attaches a host directory into a guest via an LXD disk
// device. Attach and Detach mutate the instance's device table, which is a
// read-modify-write on the daemon; the client's device lock serializes those
// cycles across every handler sharing the daemon connection.
type NativeMountHandler struct {
	machine    *Machine
	deviceName string
	source     string
	target     string
}

// MakeNativeMount builds a handler for mounting mnt.SourcePath at target
// inside the guest. Ownership remapping is not expressible as an LXD disk
// device, so any UID or GID mapping is refused. The instance must already be
// stopped; Attach and Detach re-check, since the state can change between
// construction and use.
func (m *Machine) MakeNativeMount(ctx context.Context, target string, mnt types.Mount) (hypervisor.MountHandler, error) {
	if len(mnt.UIDMappings) > 0 || len(mnt.GIDMappings) > 0 {
		return nil, fmt.Errorf("mount %s with ownership mappings: %w", target, hypervisor.ErrUnsupported)
	}
	h := &NativeMountHandler{
		machine:    m,
		deviceName: deviceNameFor(target),
		source:     mnt.SourcePath,
		target:     target,
	}
	if err := h.requireStopped(ctx, "mount"); err != nil {
		return nil, err
	}
	log.WithFunc("lxd.Machine.MakeNativeMount").Infof(ctx, "initializing native mount %s => %s in instance %s", mnt.SourcePath, target, m.name)
	return h, nil
}

// Attach adds the disk device to the instance. The instance must be stopped;
// LXD refuses disk hotplug for virtual machines.
func (h *NativeMountHandler) Attach(ctx context.Context) error {
	log.WithFunc("lxd.NativeMountHandler.Attach").Infof(ctx, "attaching %s as %s in instance %s", h.source, h.target, h.machine.name)
	return lock.WithLock(ctx, h.machine.client.devLock, func() error {
		if err := h.requireStopped(ctx, "mount"); err != nil {
			return err
		}
		return h.updateDevices(ctx, func(devices map[string]any) {
			devices[h.deviceName] = map[string]string{
				"source": h.source,
				"path":   h.target,
				"type":   "disk",
			}
		})
	})
}

// Detach removes the disk device. A device that is already gone is treated
// as detached; no daemon write is issued for it.
func (h *NativeMountHandler) Detach(ctx context.Context) error {
	log.WithFunc("lxd.NativeMountHandler.Detach").Infof(ctx, "detaching %s from instance %s", h.target, h.machine.name)
	return lock.WithLock(ctx, h.machine.client.devLock, func() error {
		if err := h.requireStopped(ctx, "unmount"); err != nil {
			return err
		}

		record, err := h.instanceRecord(ctx)
		if err != nil {
			return err
		}
		devices, _ := record["devices"].(map[string]any)
		if _, ok := devices[h.deviceName]; !ok {
			return nil
		}
		delete(devices, h.deviceName)
		return h.putRecord(ctx, record)
	})
}

// Close detaches best-effort; failures are logged and swallowed so teardown
// paths never abort on a stale device.
func (h *NativeMountHandler) Close(ctx context.Context) {
	if err := h.Detach(ctx); err != nil {
		log.WithFunc("lxd.NativeMountHandler.Close").Warnf(ctx, "detach %s from instance %s: %v", h.target, h.machine.name, err)
	}
}

func (h *NativeMountHandler) requireStopped(ctx context.Context, action string) error {
	st, err := h.machine.State(ctx)
	if err != nil {
		return err
	}
	if st != types.StateStopped {
		return &hypervisor.PreconditionError{
			Instance: h.machine.name,
			Action:   action,
			Reason:   "stop the instance before mounting natively",
		}
	}
	return nil
}

func (h *NativeMountHandler) updateDevices(ctx context.Context, mutate func(devices map[string]any)) error {
	record, err := h.instanceRecord(ctx)
	if err != nil {
		return err
	}
	devices, ok := record["devices"].(map[string]any)
	if !ok {
		devices = map[string]any{}
		record["devices"] = devices
	}
	mutate(devices)
	return h.putRecord(ctx, record)
}

// instanceRecord fetches the instance's full record as loose JSON; the PUT
// that follows must echo back every field the daemon returned.
func (h *NativeMountHandler) instanceRecord(ctx context.Context) (map[string]any, error) {
	env, err := h.machine.client.Do(ctx, http.MethodGet, h.machine.url(), nil, 0)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(env.Metadata, &record); err != nil {
		return nil, fmt.Errorf("parse instance %s: %w", h.machine.name, err)
	}
	return record, nil
}

func (h *NativeMountHandler) putRecord(ctx context.Context, record map[string]any) error {
	env, err := h.machine.client.Do(ctx, http.MethodPut, h.machine.url(), record, 0)
	if err != nil {
		return fmt.Errorf("update devices of instance %s: %w", h.machine.name, err)
	}
	if _, err := h.machine.client.WaitForCompletion(ctx, env, mountOpTimeout); err != nil {
		return fmt.Errorf("wait for device update on instance %s: %w", h.machine.name, err)
	}
	return nil
}
