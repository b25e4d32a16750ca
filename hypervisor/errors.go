package hypervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupported marks an operation the backend has no concept of
// (e.g. suspend on LXD, mounts with UID/GID remapping).
var ErrUnsupported = errors.New("not supported by this backend")

// ErrShutdownDuringStart is returned when a boot sequence is interrupted by
// a concurrent stop. It doubles as the handshake signal between EnsureRunning
// and a blocked Stop.
var ErrShutdownDuringStart = errors.New("instance shutdown during start")

// NotFoundError reports that the daemon has no record of the named resource.
// It is a normal signal during instance creation and operation polling, not
// necessarily a failure.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// UnavailableError reports that the daemon could not be reached at the
// transport level (socket absent, connection refused). State queries absorb
// it; explicit intents surface it.
type UnavailableError struct {
	URL string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("daemon unreachable at %s: %v", e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TimeoutError reports that a remote operation did not reach a terminal
// status within its budget.
type TimeoutError struct {
	Action string
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s did not complete within %s", e.Action, e.Budget)
}

// PreconditionError reports a caller error: the operation was attempted
// against an instance in a state that can never accept it. Not retryable.
type PreconditionError struct {
	Instance string
	Action   string
	Reason   string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s instance %s: %s", e.Action, e.Instance, e.Reason)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnavailable reports whether err carries an UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
