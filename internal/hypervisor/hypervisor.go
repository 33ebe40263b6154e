// Package hypervisor defines the asynchronous lifecycle contract shared
// by every VM backend and the platform-aware Router that dispatches
// across them.
package hypervisor

import (
	"context"
	"time"

	"github.com/Toasterson/vm-manager/internal/model"
)

// ConsoleEndpointKind names a ConsoleEndpoint variant.
type ConsoleEndpointKind string

const (
	ConsoleNone   ConsoleEndpointKind = "none"
	ConsoleSocket ConsoleEndpointKind = "socket"
	ConsoleWS     ConsoleEndpointKind = "websocket"
)

// ConsoleEndpoint is a reference to a guest's serial console.
type ConsoleEndpoint struct {
	Kind ConsoleEndpointKind
	Path string // set when Kind == ConsoleSocket
	URL  string // set when Kind == ConsoleWS
}

// NoConsole is the zero ConsoleEndpoint.
var NoConsole = ConsoleEndpoint{Kind: ConsoleNone}

// SocketConsole returns a local-socket console endpoint.
func SocketConsole(path string) ConsoleEndpoint {
	return ConsoleEndpoint{Kind: ConsoleSocket, Path: path}
}

// WebSocketConsole returns a websocket console endpoint.
func WebSocketConsole(url string) ConsoleEndpoint {
	return ConsoleEndpoint{Kind: ConsoleWS, URL: url}
}

// Hypervisor is the asynchronous capability set every backend implements.
// Implementations must be safe to share by reference across concurrent
// callers: no method may mutate state that another method observes.
// Per-VM serialization of lifecycle calls on the same handle is the
// caller's responsibility (spec §5).
type Hypervisor interface {
	// Prepare allocates resources for spec and returns a new handle. It
	// is idempotent with respect to an already-existing work directory:
	// implementations warn and continue rather than fail.
	Prepare(ctx context.Context, spec model.VmSpec) (model.VmHandle, error)

	// Start boots the guest described by vm. On success the returned
	// handle reports observable runtime fields (pid, VNC address). Only
	// safe to call on a Prepared or Stopped handle.
	Start(ctx context.Context, vm model.VmHandle) (model.VmHandle, error)

	// Stop gracefully shuts the guest down within timeout, escalating to
	// forceful termination if the deadline passes. The returned handle
	// has pid and VNC address cleared.
	Stop(ctx context.Context, vm model.VmHandle, timeout time.Duration) (model.VmHandle, error)

	// Suspend pauses the guest's vCPUs; memory is preserved.
	Suspend(ctx context.Context, vm model.VmHandle) (model.VmHandle, error)

	// Resume resumes a previously suspended guest.
	Resume(ctx context.Context, vm model.VmHandle) (model.VmHandle, error)

	// Destroy stops the guest if running, releases all backing
	// resources, and removes the work directory. It consumes the
	// handle: callers must not use vm after Destroy returns successfully.
	Destroy(ctx context.Context, vm model.VmHandle) error

	// State probes the guest's current observed state. It must be safe
	// to call on an already-destroyed handle, in which case it returns
	// model.StateDestroyed rather than an error.
	State(ctx context.Context, vm model.VmHandle) (model.VmState, error)

	// GuestIP attempts best-effort discovery of the guest's IP address.
	// It fails with vmerr.KindIPDiscoveryTimeout if nothing is found.
	GuestIP(ctx context.Context, vm model.VmHandle) (string, error)

	// ConsoleEndpoint returns a reference for attaching to the guest's
	// serial console.
	ConsoleEndpoint(vm model.VmHandle) (ConsoleEndpoint, error)
}
