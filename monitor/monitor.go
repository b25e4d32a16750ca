// Package monitor persists the last observed state of every instance so it
// survives daemon and controller restarts.
package monitor

import (
	"context"
	"fmt"

	"github.com/burrowstack/burrow/config"
	"github.com/burrowstack/burrow/hypervisor"
	"github.com/burrowstack/burrow/storage"
	storejson "github.com/burrowstack/burrow/storage/json"
	"github.com/burrowstack/burrow/types"
)

// Index is the on-disk instance-state table.
type Index struct {
	States map[string]types.State `json:"states"`
}

// Init implements storage.Initer.
func (i *Index) Init() {
	if i.States == nil {
		i.States = map[string]types.State{}
	}
}

var _ hypervisor.StateMonitor = (*FileMonitor)(nil)

// FileMonitor records instance states in a flock-protected JSON index.
type FileMonitor struct {
	store storage.Store[Index]
}

// New builds a FileMonitor over the configured state index.
func New(conf *config.Config) *FileMonitor {
	return &FileMonitor{
		store: storejson.New[Index](conf.StateLockFile(), conf.StateFile()),
	}
}

// PersistState records the state under the instance's name.
func (m *FileMonitor) PersistState(ctx context.Context, name string, state types.State) error {
	err := m.store.Update(ctx, func(idx *Index) error {
		idx.States[name] = state
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist state of %s: %w", name, err)
	}
	return nil
}

// States returns a copy of the whole index.
func (m *FileMonitor) States(ctx context.Context) (map[string]types.State, error) {
	out := map[string]types.State{}
	err := m.store.With(ctx, func(idx *Index) error {
		for name, st := range idx.States {
			out[name] = st
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load state index: %w", err)
	}
	return out, nil
}

// Forget drops an instance from the index, typically after deletion.
func (m *FileMonitor) Forget(ctx context.Context, name string) error {
	err := m.store.Update(ctx, func(idx *Index) error {
		delete(idx.States, name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget state of %s: %w", name, err)
	}
	return nil
}
