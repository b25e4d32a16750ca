package lxd

import (
	"context"

	"github.com/projecteru2/core/log"

	"github.com/burrowstack/burrow/types"
)

// LXD instance status codes, as reported by the state sub-resource.
// Transient codes are collapsed to the nearest controller-visible state so
// new daemon codes fail safe as unknown instead of silently misclassifying.
const (
	codeStarted    = 101
	codeStopped    = 102
	codeRunning    = 103
	codeCancelling = 104
	codeStarting   = 106
	codeStopping   = 107
	codeAborting   = 108
	codeFreezing   = 109
	codeFrozen     = 110
	codeThawed     = 111
	codeError      = 112
)

// stateForCode maps a daemon status code to the controller's State enum.
func stateForCode(ctx context.Context, name string, code int, status string) types.State {
	switch code {
	case codeStarted, codeRunning, codeStopping, codeThawed:
		return types.StateRunning
	case codeStopped:
		return types.StateStopped
	case codeStarting:
		return types.StateStarting
	case codeFreezing:
		return types.StateSuspending
	case codeFrozen:
		return types.StateSuspended
	case codeCancelling, codeAborting, codeError:
		return types.StateUnknown
	default:
		log.WithFunc("lxd.stateForCode").Warnf(ctx, "unexpected state for instance %s: %s (%d)", name, status, code)
		return types.StateUnknown
	}
}
