// Package propolis implements the illumos zone-based hypervisor backend
// (spec §4.4): each VM runs inside a branded exclusive-IP zone
// containing an HTTP-controlled VMM daemon.
package propolis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/image"
	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

// Backend is the illumos zone-based Hypervisor implementation.
type Backend struct {
	dataDir string
	zfsPool string
	logger  *slog.Logger
}

// New returns a zone-based backend. zfsPool names the ZFS pool holding
// `<pool>/images/<name>` base datasets and `<pool>/vms/<name>` clones.
func New(dataDir, zfsPool string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{dataDir: dataDir, zfsPool: zfsPool, logger: logger}
}

func (b *Backend) workDir(name string) string {
	return filepath.Join(b.dataDir, name)
}

// runCmd executes cmd and returns (success, stdout, stderr), matching
// the original's best-effort shell-orchestration style.
func runCmd(ctx context.Context, name string, args ...string) (bool, string, string) {
	var stdout, stderr strings.Builder
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return err == nil, stdout.String(), stderr.String()
}

func (b *Backend) Prepare(ctx context.Context, spec model.VmSpec) (model.VmHandle, error) {
	spec = spec.WithDefaults()
	workDir := b.workDir(spec.Name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindOverlayCreationFailed, err, "creating work dir %s", workDir)
	}

	baseDataset := fmt.Sprintf("%s/images/%s", b.zfsPool, spec.Name)
	vmDataset := fmt.Sprintf("%s/vms/%s", b.zfsPool, spec.Name)
	if ok, _, stderr := runCmd(ctx, "zfs", "clone", baseDataset+"@latest", vmDataset); !ok {
		b.logger.Warn("zfs clone failed (may already exist)", "name", spec.Name, "stderr", stderr)
	}

	var seedISOPath string
	if spec.CloudInit != nil {
		seedISOPath = filepath.Join(workDir, "seed.iso")
		instanceID := spec.CloudInit.InstanceID
		if instanceID == "" {
			instanceID = spec.Name
		}
		hostname := spec.CloudInit.Hostname
		if hostname == "" {
			hostname = spec.Name
		}
		if err := image.BuildSeedISO(ctx, spec.CloudInit.UserData, instanceID, hostname, seedISOPath); err != nil {
			return model.VmHandle{}, vmerr.Wrap(vmerr.KindCloudInitISOFailed, err, "building seed ISO for %s", spec.Name)
		}
	}

	vnicName := spec.Network.Vnic
	if vnicName == "" {
		vnicName = "vnic_" + spec.Name
	}

	zonecfgCmds := fmt.Sprintf(
		"create -b; set brand=nebula-vm; set zonepath=%s; set ip-type=exclusive; add net; set physical=%s; end; commit",
		workDir, vnicName)
	if ok, _, stderr := runCmd(ctx, "zonecfg", "-z", spec.Name, zonecfgCmds); !ok {
		b.logger.Warn("zonecfg failed (zone may already exist)", "name", spec.Name, "stderr", stderr)
	}
	if ok, _, stderr := runCmd(ctx, "zoneadm", "-z", spec.Name, "install"); !ok {
		b.logger.Warn("zone install failed", "name", spec.Name, "stderr", stderr)
	}

	handle := model.VmHandle{
		ID:          model.NewHandleID(model.BackendPropolis),
		Name:        spec.Name,
		Backend:     model.BackendPropolis,
		WorkDir:     workDir,
		SeedISOPath: seedISOPath,
		VCPUs:       spec.VCPUs,
		MemoryMB:    spec.MemoryMB,
		DiskGB:      spec.DiskGB,
		Network:     spec.Network,
	}

	b.logger.Info("propolis: prepared", "name", spec.Name, "id", handle.ID)
	return handle, nil
}

func (b *Backend) Start(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	start := time.Now()

	if ok, _, stderr := runCmd(ctx, "zoneadm", "-z", vm.Name, "boot"); !ok {
		err := vmerr.New(vmerr.KindVMMSpawnFailed, "zone boot failed for %s: %s", vm.Name, stderr)
		observeLifecycle("start", err)
		return model.VmHandle{}, err
	}

	client := newVMMClient()
	if err := client.waitReady(ctx); err != nil {
		werr := vmerr.Wrap(vmerr.KindZoneVMMUnreachable, err, "waiting for propolis-server for %s", vm.Name)
		observeLifecycle("start", werr)
		return model.VmHandle{}, werr
	}
	if err := client.createInstance(ctx, vm.ID, vm.Name); err != nil {
		werr := vmerr.Wrap(vmerr.KindZoneVMMUnreachable, err, "creating instance for %s", vm.Name)
		observeLifecycle("start", werr)
		return model.VmHandle{}, werr
	}
	if err := client.setState(ctx, "Run"); err != nil {
		werr := vmerr.Wrap(vmerr.KindZoneVMMUnreachable, err, "starting instance for %s", vm.Name)
		observeLifecycle("start", werr)
		return model.VmHandle{}, werr
	}

	bootDuration.Observe(time.Since(start).Seconds())
	activeVMs.Inc()
	observeLifecycle("start", nil)
	b.logger.Info("propolis: started", "name", vm.Name)
	return vm, nil
}

func (b *Backend) Stop(ctx context.Context, vm model.VmHandle, _ time.Duration) (model.VmHandle, error) {
	client := newVMMClient()
	_ = client.setState(ctx, "Stop")
	_, _, _ = runCmd(ctx, "zoneadm", "-z", vm.Name, "halt")

	activeVMs.Dec()
	observeLifecycle("stop", nil)
	b.logger.Info("propolis: stopped", "name", vm.Name)
	return vm, nil
}

// Suspend/Resume are logged as unimplemented and return success, matching
// the original's documented (ambiguous, left as-is per spec) behavior.
func (b *Backend) Suspend(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	b.logger.Info("propolis: suspend not implemented", "name", vm.Name)
	return vm, nil
}

func (b *Backend) Resume(_ context.Context, vm model.VmHandle) (model.VmHandle, error) {
	b.logger.Info("propolis: resume not implemented", "name", vm.Name)
	return vm, nil
}

func (b *Backend) Destroy(ctx context.Context, vm model.VmHandle) error {
	if _, err := b.Stop(ctx, vm, 10*time.Second); err != nil {
		return err
	}

	_, _, _ = runCmd(ctx, "zoneadm", "-z", vm.Name, "uninstall", "-F")
	_, _, _ = runCmd(ctx, "zonecfg", "-z", vm.Name, "delete", "-F")

	vmDataset := fmt.Sprintf("%s/vms/%s", b.zfsPool, vm.Name)
	_, _, _ = runCmd(ctx, "zfs", "destroy", "-r", vmDataset)

	if vm.WorkDir != "" {
		_ = os.RemoveAll(vm.WorkDir)
	}

	observeLifecycle("destroy", nil)
	b.logger.Info("propolis: destroyed", "name", vm.Name)
	return nil
}

// State maps the state field of `zoneadm list -p` output to VmState
// (see parseZoneState); a failing zoneadm reports Destroyed.
func (b *Backend) State(ctx context.Context, vm model.VmHandle) (model.VmState, error) {
	ok, stdout, _ := runCmd(ctx, "zoneadm", "-z", vm.Name, "list", "-p")
	if !ok {
		return model.StateDestroyed, nil
	}
	return parseZoneState(stdout), nil
}

// parseZoneState maps the third colon-separated field of `zoneadm list -p`
// output (zoneid:zonename:state:zonepath:uuid:brand:ip-type) to a VmState.
func parseZoneState(stdout string) model.VmState {
	fields := strings.Split(stdout, ":")
	var stateField string
	if len(fields) > 2 {
		stateField = strings.TrimSpace(fields[2])
	}

	switch stateField {
	case "running":
		return model.StateRunning
	case "installed", "configured":
		return model.StatePrepared
	default:
		return model.StateStopped
	}
}

// GuestIP queries in-zone interface addresses via zlogin, strips any
// CIDR suffix, and returns the first non-loopback IPv4.
func (b *Backend) GuestIP(ctx context.Context, vm model.VmHandle) (string, error) {
	ok, stdout, _ := runCmd(ctx, "zlogin", vm.Name, "ipadm", "show-addr", "-p", "-o", "ADDR")
	if ok {
		if addr, found := parseZoneGuestIP(stdout); found {
			return addr, nil
		}
	}
	return "", vmerr.New(vmerr.KindIPDiscoveryTimeout, "no guest IP discovered for %s", vm.Name)
}

// parseZoneGuestIP strips the CIDR suffix from each address line and
// returns the first non-loopback IPv4, per spec's simpler resolution of
// the original's redundant parsing logic.
func parseZoneGuestIP(stdout string) (string, bool) {
	for _, line := range strings.Split(stdout, "\n") {
		addr := strings.TrimSpace(strings.SplitN(line, "/", 2)[0])
		if addr != "" && addr != "127.0.0.1" && strings.Contains(addr, ".") {
			return addr, true
		}
	}
	return "", false
}

func (b *Backend) ConsoleEndpoint(_ model.VmHandle) (hypervisor.ConsoleEndpoint, error) {
	return hypervisor.WebSocketConsole(fmt.Sprintf("ws://%s/instance/serial", controlAddr)), nil
}

var _ hypervisor.Hypervisor = (*Backend)(nil)
