package hypervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/model"
)

type stubBackend struct {
	tag   model.BackendTag
	state model.VmState
}

func (s *stubBackend) Prepare(_ context.Context, spec model.VmSpec) (model.VmHandle, error) {
	return model.VmHandle{ID: model.NewHandleID(s.tag), Name: spec.Name, Backend: s.tag}, nil
}
func (s *stubBackend) Start(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	return vm, nil
}
func (s *stubBackend) Stop(_ context.Context, vm model.VmHandle, _ time.Duration) (model.VmHandle, error) {
	return vm, nil
}
func (s *stubBackend) Suspend(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	return vm, nil
}
func (s *stubBackend) Resume(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	return vm, nil
}
func (s *stubBackend) Destroy(_ context.Context, _ model.VmHandle) error { return nil }
func (s *stubBackend) State(_ context.Context, _ model.VmHandle) (model.VmState, error) {
	return s.state, nil
}
func (s *stubBackend) GuestIP(_ context.Context, _ model.VmHandle) (string, error) {
	return "127.0.0.1", nil
}
func (s *stubBackend) ConsoleEndpoint(_ model.VmHandle) (hypervisor.ConsoleEndpoint, error) {
	return hypervisor.NoConsole, nil
}

func TestRouterPreparePrefersPlatformBackend(t *testing.T) {
	noop := &stubBackend{tag: model.BackendNoop}
	qemu := &stubBackend{tag: model.BackendQemu}
	r := hypervisor.New(noop, qemu, nil)

	h, err := r.Prepare(context.Background(), model.VmSpec{Name: "web"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h.Backend != model.BackendQemu {
		t.Errorf("Backend = %q, want %q", h.Backend, model.BackendQemu)
	}
}

func TestRouterPrepareFallsBackToNoop(t *testing.T) {
	noop := &stubBackend{tag: model.BackendNoop}
	r := hypervisor.New(noop, nil, nil)

	h, err := r.Prepare(context.Background(), model.VmSpec{Name: "web"})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h.Backend != model.BackendNoop {
		t.Errorf("Backend = %q, want %q", h.Backend, model.BackendNoop)
	}
}

func TestRouterStartBackendNotAvailable(t *testing.T) {
	noop := &stubBackend{tag: model.BackendNoop}
	r := hypervisor.New(noop, nil, nil)

	vm := model.VmHandle{Backend: model.BackendQemu}
	if _, err := r.Start(context.Background(), vm); err == nil {
		t.Error("Start with unconfigured backend: want error, got nil")
	}
}

func TestRouterStateDegradesToDestroyed(t *testing.T) {
	noop := &stubBackend{tag: model.BackendNoop}
	r := hypervisor.New(noop, nil, nil)

	vm := model.VmHandle{Backend: model.BackendQemu}
	state, err := r.State(context.Background(), vm)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != model.StateDestroyed {
		t.Errorf("State = %q, want %q", state, model.StateDestroyed)
	}
}
