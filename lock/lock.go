package lock

import "context"

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

// WithLock runs fn while holding l. An unlock error is reported only when fn
// itself succeeded.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	err := fn()
	if uerr := l.Unlock(ctx); uerr != nil && err == nil {
		return uerr
	}
	return err
}
