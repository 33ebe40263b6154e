// Package noop implements the no-op hypervisor backend used for
// development and tests. It never spawns a process or touches the
// network; it only tracks a work directory under the OS temp dir.
package noop

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/model"
)

// Backend is the no-op Hypervisor implementation.
type Backend struct{}

// New returns a ready-to-use no-op backend.
func New() *Backend { return &Backend{} }

func (b *Backend) workRoot() string {
	return filepath.Join(os.TempDir(), "vmctl-noop")
}

func (b *Backend) Prepare(_ context.Context, spec model.VmSpec) (model.VmHandle, error) {
	id := model.NewHandleID(model.BackendNoop)
	workDir := filepath.Join(b.workRoot(), id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return model.VmHandle{}, err
	}

	spec = spec.WithDefaults()
	return model.VmHandle{
		ID:       id,
		Name:     spec.Name,
		Backend:  model.BackendNoop,
		WorkDir:  workDir,
		VCPUs:    spec.VCPUs,
		MemoryMB: spec.MemoryMB,
		DiskGB:   spec.DiskGB,
		Network:  spec.Network,
	}, nil
}

func (b *Backend) Start(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	return vm, nil
}

func (b *Backend) Stop(_ context.Context, vm model.VmHandle, _ time.Duration) (model.VmHandle, error) {
	return vm, nil
}

func (b *Backend) Suspend(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	return vm, nil
}

func (b *Backend) Resume(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	return vm, nil
}

func (b *Backend) Destroy(_ context.Context, vm model.VmHandle) error {
	if vm.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(vm.WorkDir)
}

// State always reports Prepared unless the work directory is gone, in
// which case it reports Destroyed.
func (b *Backend) State(_ context.Context, vm model.VmHandle) (model.VmState, error) {
	if vm.WorkDir != "" {
		if _, err := os.Stat(vm.WorkDir); os.IsNotExist(err) {
			return model.StateDestroyed, nil
		}
	}
	return model.StatePrepared, nil
}

func (b *Backend) GuestIP(_ context.Context, _ model.VmHandle) (string, error) {
	return "127.0.0.1", nil
}

func (b *Backend) ConsoleEndpoint(_ model.VmHandle) (hypervisor.ConsoleEndpoint, error) {
	return hypervisor.NoConsole, nil
}

var _ hypervisor.Hypervisor = (*Backend)(nil)
