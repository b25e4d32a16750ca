package mutex

import (
	"context"
	"fmt"

	"github.com/burrowstack/burrow/lock"
)

var _ lock.Locker = (*Lock)(nil)

// Lock is an in-process lock.Locker built on a size-1 buffered channel,
// giving context-aware blocking without a lock file. Used where exclusion is
// only needed within one process, e.g. the device-mutation lock of a client
// that reaches the daemon over TCP.
type Lock struct {
	ch chan struct{}
}

// New creates an in-process Lock.
func New() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// Lock acquires the lock, blocking until available or ctx is cancelled.
func (l *Lock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("acquire lock: %w", ctx.Err())
	}
}

// TryLock attempts a non-blocking acquisition.
func (l *Lock) TryLock(_ context.Context) (bool, error) {
	select {
	case l.ch <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Unlock releases the lock.
func (l *Lock) Unlock(_ context.Context) error {
	select {
	case <-l.ch:
	default:
	}
	return nil
}
