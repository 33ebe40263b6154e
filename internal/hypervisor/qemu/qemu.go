// Package qemu implements the process-based Linux/KVM hypervisor
// backend (spec §4.3): it spawns a QEMU-equivalent VMM process, tracks
// it via a pidfile and signals, and speaks the machine-control protocol
// over a local socket for graceful control.
package qemu

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Toasterson/vm-manager/internal/hypervisor"
	"github.com/Toasterson/vm-manager/internal/image"
	"github.com/Toasterson/vm-manager/internal/model"
	"github.com/Toasterson/vm-manager/internal/vmerr"
)

const (
	vmmBinary = "qemu-system-x86_64"

	controlConnectTimeoutStart  = 10 * time.Second
	controlConnectTimeoutQuick  = 2 * time.Second
	controlConnectTimeoutPause  = 5 * time.Second
	stopPollInterval            = 500 * time.Millisecond
	sigtermGrace                = 3 * time.Second
	dnsmasqLeasesPath           = "/var/lib/misc/dnsmasq.leases"
)

// Backend is the process-based Hypervisor implementation.
type Backend struct {
	dataDir string
	logger  *slog.Logger
}

// New returns a process-based backend rooted at dataDir.
func New(dataDir string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if dataDir == "" {
		dataDir = os.TempDir()
	}
	return &Backend{dataDir: dataDir, logger: logger}
}

func (b *Backend) workDir(name string) string {
	return filepath.Join(b.dataDir, name)
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Prepare creates the work directory, an overlay disk, an optional
// cloud-init seed ISO, reserves socket paths, and generates a MAC
// address and (for user-mode networking) a deterministic host port.
func (b *Backend) Prepare(ctx context.Context, spec model.VmSpec) (model.VmHandle, error) {
	spec = spec.WithDefaults()
	workDir := b.workDir(spec.Name)
	if _, err := os.Stat(workDir); err == nil {
		b.logger.Warn("prepare: work dir already exists, continuing", "name", spec.Name, "work_dir", workDir)
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindOverlayCreationFailed, err, "creating work dir %s", workDir)
	}

	overlayPath := filepath.Join(workDir, "overlay.qcow2")
	if err := image.CreateOverlay(ctx, spec.ImagePath, overlayPath); err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindOverlayCreationFailed, err, "creating overlay for %s", spec.Name)
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

	controlSocket := filepath.Join(workDir, "qmp.sock")
	consoleSocket := filepath.Join(workDir, "console.sock")
	mac := GenerateMAC()

	var sshHostPort *int
	if spec.Network.Mode == model.NetworkUser {
		port := HostPortForName(spec.Name)
		sshHostPort = &port
	}

	handle := model.VmHandle{
		ID:            model.NewHandleID(model.BackendQemu),
		Name:          spec.Name,
		Backend:       model.BackendQemu,
		WorkDir:       workDir,
		OverlayPath:   overlayPath,
		SeedISOPath:   seedISOPath,
		ControlSocket: controlSocket,
		ConsoleSocket: consoleSocket,
		VCPUs:         spec.VCPUs,
		MemoryMB:      spec.MemoryMB,
		DiskGB:        spec.DiskGB,
		Network:       spec.Network,
		SSHHostPort:   sshHostPort,
		MACAddr:       mac,
	}

	b.logger.Info("qemu: prepared", "name", spec.Name, "id", handle.ID)
	return handle, nil
}

func removeStale(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// buildArgs assembles the qemu-system-x86_64 argument list per spec §4.3.
func (b *Backend) buildArgs(vm model.VmHandle, pidfile string) ([]string, error) {
	if vm.OverlayPath == "" || vm.ControlSocket == "" || vm.ConsoleSocket == "" {
		return nil, vmerr.New(vmerr.KindInvalidState, "handle %s missing overlay or socket paths", vm.Name)
	}

	args := []string{
		"-enable-kvm",
		"-machine", "q35,accel=kvm",
		"-cpu", "host",
		"-nodefaults",
		"-smp", strconv.Itoa(vm.VCPUs),
		"-m", fmt.Sprintf("%dM", vm.MemoryMB),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", vm.ControlSocket),
		"-serial", fmt.Sprintf("unix:%s,server,nowait", vm.ConsoleSocket),
		"-vnc", "127.0.0.1:0",
		"-device", "virtio-rng-pci",
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=none,id=drive0,discard=unmap", vm.OverlayPath),
		"-device", "virtio-blk-pci,drive=drive0",
	}

	switch vm.Network.Mode {
	case model.NetworkTap:
		tapName := tapNameFor(vm.Name)
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,br=%s,script=no,downscript=no", tapName, vm.Network.Bridge),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", vm.MACAddr))
	case model.NetworkUser:
		port := 22
		if vm.SSHHostPort != nil {
			port = *vm.SSHHostPort
		}
		args = append(args,
			"-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:22", port),
			"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", vm.MACAddr))
	case model.NetworkVnic, model.NetworkNone:
		// omitted: no netdev/device line
	}

	if vm.SeedISOPath != "" {
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,format=raw,if=none,id=drive1,readonly=on", vm.SeedISOPath),
			"-device", "virtio-blk-pci,drive=drive1")
	}

	args = append(args, "-daemonize", "-pidfile", pidfile)
	return args, nil
}

// Start validates the handle, removes stale sockets, attaches the TAP
// device if needed, spawns the daemonized VMM, and reads back pid/VNC.
func (b *Backend) Start(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	start := time.Now()
	pidfile := filepath.Join(vm.WorkDir, "qemu.pid")

	args, err := b.buildArgs(vm, pidfile)
	if err != nil {
		observeLifecycle("start", err)
		return model.VmHandle{}, err
	}

	removeStale(vm.ControlSocket)
	removeStale(vm.ConsoleSocket)

	if vm.Network.Mode == model.NetworkTap {
		if err := ensureTap(tapNameFor(vm.Name), vm.Network.Bridge); err != nil {
			observeLifecycle("start", err)
			return model.VmHandle{}, vmerr.Wrap(vmerr.KindVMMSpawnFailed, err, "attaching tap device for %s", vm.Name)
		}
	}

	cmd := exec.CommandContext(ctx, vmmBinary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		werr := vmerr.Wrap(vmerr.KindVMMSpawnFailed, err, "spawning %s for %s: %s", vmmBinary, vm.Name, out)
		observeLifecycle("start", werr)
		return model.VmHandle{}, werr
	}

	pid, err := readPidfile(pidfile)
	if err != nil {
		werr := vmerr.Wrap(vmerr.KindVMMSpawnFailed, err, "reading pidfile for %s", vm.Name)
		observeLifecycle("start", werr)
		return model.VmHandle{}, werr
	}

	cl, err := connectQMP(ctx, vm.ControlSocket, controlConnectTimeoutStart)
	if err != nil {
		werr := vmerr.Wrap(vmerr.KindControlConnectFailed, err, "connecting to %s after start", vm.Name)
		observeLifecycle("start", werr)
		return model.VmHandle{}, werr
	}
	defer cl.Close()

	_, _ = cl.QueryStatus()
	vncAddr, _, _ := cl.QueryVNC()

	vm.Pid = &pid
	vm.VNCAddr = vncAddr

	bootDuration.Observe(time.Since(start).Seconds())
	activeVMs.Inc()
	observeLifecycle("start", nil)
	b.logger.Info("qemu: started", "name", vm.Name, "pid", pid)
	return vm, nil
}

// Stop sends ACPI powerdown best-effort, polls the pidfile, then
// escalates to SIGTERM and finally SIGKILL.
func (b *Backend) Stop(ctx context.Context, vm model.VmHandle, timeout time.Duration) (model.VmHandle, error) {
	deadline := time.Now().Add(timeout)
	pidfile := filepath.Join(vm.WorkDir, "qemu.pid")

	if vm.ControlSocket != "" {
		if _, err := os.Stat(vm.ControlSocket); err == nil {
			if cl, err := connectQMP(ctx, vm.ControlSocket, controlConnectTimeoutQuick); err == nil {
				_ = cl.SystemPowerdown()
				cl.Close()
			}
		}
	}

	for time.Now().Before(deadline) {
		pid, err := readPidfile(pidfile)
		if err != nil || !pidAlive(pid) {
			break
		}
		select {
		case <-ctx.Done():
			return model.VmHandle{}, ctx.Err()
		case <-time.After(stopPollInterval):
		}
	}

	if pid, err := readPidfile(pidfile); err == nil && pidAlive(pid) {
		_ = syscall.Kill(pid, syscall.SIGTERM)
		sigtermDeadline := time.Now().Add(sigtermGrace)
		for time.Now().Before(sigtermDeadline) && pidAlive(pid) {
			time.Sleep(100 * time.Millisecond)
		}
		if pidAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}

	vm.Pid = nil
	vm.VNCAddr = ""
	activeVMs.Dec()
	observeLifecycle("stop", nil)
	b.logger.Info("qemu: stopped", "name", vm.Name)
	return vm, nil
}

func (b *Backend) Suspend(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	cl, err := connectQMP(ctx, vm.ControlSocket, controlConnectTimeoutPause)
	if err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindControlConnectFailed, err, "suspending %s", vm.Name)
	}
	defer cl.Close()
	if err := cl.Stop(); err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindControlCommandFailed, err, "suspending %s", vm.Name)
	}
	return vm, nil
}

func (b *Backend) Resume(ctx context.Context, vm model.VmHandle) (model.VmHandle, error) {
	cl, err := connectQMP(ctx, vm.ControlSocket, controlConnectTimeoutPause)
	if err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindControlConnectFailed, err, "resuming %s", vm.Name)
	}
	defer cl.Close()
	if err := cl.Cont(); err != nil {
		return model.VmHandle{}, vmerr.Wrap(vmerr.KindControlCommandFailed, err, "resuming %s", vm.Name)
	}
	return vm, nil
}

// Destroy stops the VM, best-effort issues the machine-control quit
// command, and removes the work directory and any TAP device.
func (b *Backend) Destroy(ctx context.Context, vm model.VmHandle) error {
	vm, err := b.Stop(ctx, vm, 5*time.Second)
	if err != nil {
		return err
	}

	if vm.ControlSocket != "" {
		if _, err := os.Stat(vm.ControlSocket); err == nil {
			if cl, err := connectQMP(ctx, vm.ControlSocket, controlConnectTimeoutQuick); err == nil {
				_ = cl.Quit()
				cl.Close()
			}
		}
	}

	if vm.Network.Mode == model.NetworkTap {
		_ = removeTap(tapNameFor(vm.Name))
	}

	if vm.WorkDir != "" {
		if err := os.RemoveAll(vm.WorkDir); err != nil {
			return vmerr.Wrap(vmerr.KindInvalidState, err, "removing work dir for %s", vm.Name)
		}
	}

	observeLifecycle("destroy", nil)
	b.logger.Info("qemu: destroyed", "name", vm.Name)
	return nil
}

// State infers Running/Stopped/Destroyed from pidfile liveness and,
// when available, the machine-control status.
func (b *Backend) State(ctx context.Context, vm model.VmHandle) (model.VmState, error) {
	pidfile := filepath.Join(vm.WorkDir, "qemu.pid")
	pid, err := readPidfile(pidfile)
	if err != nil || !pidAlive(pid) {
		if vm.WorkDir != "" {
			if _, statErr := os.Stat(vm.WorkDir); statErr == nil {
				return model.StateStopped, nil
			}
		}
		return model.StateDestroyed, nil
	}

	cl, err := connectQMP(ctx, vm.ControlSocket, 1*time.Second)
	if err != nil {
		return model.StateRunning, nil
	}
	defer cl.Close()

	status, err := cl.QueryStatus()
	if err != nil {
		return model.StateRunning, nil
	}
	switch status {
	case "running":
		return model.StateRunning, nil
	case "paused", "suspended":
		return model.StateStopped, nil
	default:
		return model.StateRunning, nil
	}
}

// GuestIP implements the discovery strategy of spec §4.3: user-mode is
// always loopback; TAP/vnic falls back through the neighbor table and
// the dnsmasq lease file.
func (b *Backend) GuestIP(_ context.Context, vm model.VmHandle) (string, error) {
	if vm.Network.Mode == model.NetworkUser {
		return "127.0.0.1", nil
	}

	if ip, ok := ipFromNeighborTable(vm.Network.Bridge); ok {
		return ip, nil
	}
	if ip, ok := ipFromDnsmasqLeases(vm.MACAddr); ok {
		return ip, nil
	}

	return "", vmerr.New(vmerr.KindIPDiscoveryTimeout, "no guest IP discovered for %s", vm.Name)
}

func ipFromNeighborTable(bridge string) (string, bool) {
	out, err := exec.Command("ip", "neigh", "show").Output()
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "REACHABLE") && !strings.Contains(line, "STALE") {
			continue
		}
		if bridge != "" && !strings.Contains(line, bridge) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		addr := fields[0]
		if addr != "" && addr != "127.0.0.1" && strings.Contains(addr, ".") {
			return addr, true
		}
	}
	return "", false
}

func ipFromDnsmasqLeases(mac string) (string, bool) {
	f, err := os.Open(dnsmasqLeasesPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	var lastIP string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// dnsmasq.leases format: <expiry> <mac> <ip> <hostname> <client-id>
		if len(fields) < 3 {
			continue
		}
		lastIP = fields[2]
		if mac != "" && strings.EqualFold(fields[1], mac) {
			return fields[2], true
		}
	}
	if lastIP != "" {
		return lastIP, true
	}
	return "", false
}

func (b *Backend) ConsoleEndpoint(vm model.VmHandle) (hypervisor.ConsoleEndpoint, error) {
	if vm.ConsoleSocket == "" {
		return hypervisor.NoConsole, nil
	}
	return hypervisor.SocketConsole(vm.ConsoleSocket), nil
}

var _ hypervisor.Hypervisor = (*Backend)(nil)
