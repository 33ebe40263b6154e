package hypervisor

import (
	"context"
	"time"

	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

// Router holds an always-present no-op backend plus optional
// platform-specific backends, and dispatches every call on a handle's
// BackendTag. The tag-to-backend mapping here is the single place that
// needs editing to add a new backend (spec design note).
type Router struct {
	noop     Hypervisor
	qemu     Hypervisor // nil if not configured on this host
	propolis Hypervisor // nil if not configured on this host
}

// New builds a Router. qemu and propolis may be nil when the
// corresponding backend is not available on this host; noop must not be
// nil.
func New(noop, qemu, propolis Hypervisor) *Router {
	return &Router{noop: noop, qemu: qemu, propolis: propolis}
}

func (r *Router) backendFor(tag model.BackendTag) Hypervisor {
	switch tag {
	case model.BackendQemu:
		return r.qemu
	case model.BackendPropolis:
		return r.propolis
	case model.BackendNoop:
		return r.noop
	default:
		return nil
	}
}

// preferred returns the backend Prepare should use: the best available
// platform-specific backend, falling back to noop.
func (r *Router) preferred() (Hypervisor, model.BackendTag) {
	if r.qemu != nil {
		return r.qemu, model.BackendQemu
	}
	if r.propolis != nil {
		return r.propolis, model.BackendPropolis
	}
	return r.noop, model.BackendNoop
}

// Prepare selects the preferred configured backend (ignoring any tag on
// spec, since a handle doesn't exist yet) and delegates.
func (r *Router) Prepare(ctx context.Context, spec model.VmSpec) (model.VmHandle, error) {
	backend, _ := r.preferred()
	return backend.Prepare(ctx, spec)
}

func (r *Router) Start(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return model.VmHandle{}, vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.Start(ctx, vm)
}

func (r *Router) Stop(ctx context.Context, vm model.VmHandle, timeout time.Duration) (model.VmHandle, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return model.VmHandle{}, vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.Stop(ctx, vm, timeout)
}

func (r *Router) Suspend(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return model.VmHandle{}, vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.Suspend(ctx, vm)
}

func (r *Router) Resume(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return model.VmHandle{}, vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.Resume(ctx, vm)
}

func (r *Router) Destroy(ctx context.Context, vm model.VmHandle) error {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.Destroy(ctx, vm)
}

// State degrades to model.StateDestroyed when the handle's backend is
// unconfigured, rather than failing, so orphaned records can always be
// cleaned up from the store.
func (r *Router) State(ctx context.Context, vm model.VmHandle) (model.VmState, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return model.StateDestroyed, nil
	}
	return backend.State(ctx, vm)
}

func (r *Router) GuestIP(ctx context.Context, vm model.VmHandle) (string, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return "", vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.GuestIP(ctx, vm)
}

func (r *Router) ConsoleEndpoint(vm model.VmHandle) (ConsoleEndpoint, error) {
	backend := r.backendFor(vm.Backend)
	if backend == nil {
		return NoConsole, vmerr.New(vmerr.KindBackendNotAvailable, "no backend configured for tag %q", vm.Backend)
	}
	return backend.ConsoleEndpoint(vm)
}

var _ Hypervisor = (*Router)(nil)
