package lxd

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/burrowstack/burrow/hypervisor"
)

// ResizeCPU patches the instance's CPU limit.
func (m *Machine) ResizeCPU(ctx context.Context, count int) error {
	if count <= 0 {
		return &hypervisor.PreconditionError{Instance: m.name, Action: "resize CPU", Reason: fmt.Sprintf("requested count %d is not positive", count)}
	}
	return m.patch(ctx, map[string]any{
		"config": map[string]string{"limits.cpu": strconv.Itoa(count)},
	})
}

// ResizeMemory patches the instance's memory limit.
func (m *Machine) ResizeMemory(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		return &hypervisor.PreconditionError{Instance: m.name, Action: "resize memory", Reason: fmt.Sprintf("requested size %d is not positive", bytes)}
	}
	return m.patch(ctx, map[string]any{
		"config": map[string]string{"limits.memory": strconv.FormatInt(bytes, 10)},
	})
}

// ResizeDisk patches the root disk device. LXD grows the volume in place;
// shrinking is refused daemon-side, so only the positivity check lives here.
func (m *Machine) ResizeDisk(ctx context.Context, bytes int64) error {
	if bytes <= 0 {
		return &hypervisor.PreconditionError{Instance: m.name, Action: "resize disk", Reason: fmt.Sprintf("requested size %d is not positive", bytes)}
	}
	return m.patch(ctx, map[string]any{
		"devices": map[string]map[string]string{
			"root": {
				"path": "/",
				"pool": m.storagePool,
				"size": strconv.FormatInt(bytes, 10),
				"type": "disk",
			},
		},
	})
}

func (m *Machine) patch(ctx context.Context, body map[string]any) error {
	env, err := m.client.Do(ctx, http.MethodPatch, m.url(), body, 0)
	if err != nil {
		return fmt.Errorf("patch instance %s: %w", m.name, err)
	}
	if _, err := m.client.WaitForCompletion(ctx, env, m.stateChangeTimeout); err != nil {
		return fmt.Errorf("wait for patch on instance %s: %w", m.name, err)
	}
	return nil
}
