package model

import "encoding/json"

// BackendTag identifies which hypervisor backend owns a VmHandle. It is
// immutable once assigned to a handle; every subsequent lifecycle call on
// that handle routes to the same backend.
type BackendTag string

const (
	BackendNoop     BackendTag = "noop"
	BackendQemu     BackendTag = "qemu"
	BackendPropolis BackendTag = "propolis"
)

// VmState is the observed runtime state of a VM. It is never persisted;
// it is obtained by polling the owning backend.
type VmState string

const (
	StatePreparing VmState = "preparing"
	StatePrepared  VmState = "prepared"
	StateRunning   VmState = "running"
	StateStopped   VmState = "stopped"
	StateFailed    VmState = "failed"
	StateDestroyed VmState = "destroyed"
)

const (
	defaultVCPUs    = 1
	defaultMemoryMB = 1024
)

// CloudInitConfig carries first-boot instance identity and a user-data
// payload for seed-ISO construction (delegated to the out-of-scope image
// subsystem).
type CloudInitConfig struct {
	UserData   []byte `json:"user_data,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
}

// SshConfig carries the remote-shell identity used by the provisioner.
// At most one of PrivateKeyPath and PrivateKeyBytes is expected to be
// set; PrivateKeyBytes takes precedence when both are present.
type SshConfig struct {
	User           string `json:"user"`
	PublicKey      string `json:"public_key,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	PrivateKeyBytes []byte `json:"private_key_bytes,omitempty"`
}

// VmSpec is a create-time request: everything needed to prepare a new VM.
type VmSpec struct {
	Name       string           `json:"name"`
	ImagePath  string           `json:"image_path"`
	VCPUs      int              `json:"vcpus"`
	MemoryMB   int              `json:"memory_mb"`
	DiskGB     *int             `json:"disk_gb,omitempty"`
	Network    NetworkConfig    `json:"network"`
	CloudInit  *CloudInitConfig `json:"cloud_init,omitempty"`
	SSH        *SshConfig       `json:"ssh,omitempty"`
}

// WithDefaults returns a copy of the spec with zero-valued optional fields
// filled in (vcpus=1, memory_mb=1024, network=user).
func (s VmSpec) WithDefaults() VmSpec {
	if s.VCPUs <= 0 {
		s.VCPUs = defaultVCPUs
	}
	if s.MemoryMB <= 0 {
		s.MemoryMB = defaultMemoryMB
	}
	if s.Network.Mode == "" {
		s.Network = NewUserNetwork()
	}
	return s
}

// VmHandle is the persisted runtime identity of a managed VM.
type VmHandle struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Backend        BackendTag    `json:"backend"`
	WorkDir        string        `json:"work_dir"`
	OverlayPath    string        `json:"overlay_path,omitempty"`
	SeedISOPath    string        `json:"seed_iso_path,omitempty"`
	Pid            *int          `json:"pid,omitempty"`
	ControlSocket  string        `json:"control_socket,omitempty"`
	ConsoleSocket  string        `json:"console_socket,omitempty"`
	VNCAddr        string        `json:"vnc_addr,omitempty"`
	VCPUs          int           `json:"vcpus"`
	MemoryMB       int           `json:"memory_mb"`
	DiskGB         *int          `json:"disk_gb,omitempty"`
	Network        NetworkConfig `json:"network"`
	SSHHostPort    *int          `json:"ssh_host_port,omitempty"`
	MACAddr        string        `json:"mac_addr,omitempty"`
}

// vmHandleWire mirrors VmHandle but makes every field optional, so that
// JSON documents written by an older schema version parse successfully
// with the documented defaults applied afterwards.
type vmHandleWire struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Backend       BackendTag     `json:"backend"`
	WorkDir       string         `json:"work_dir"`
	OverlayPath   string         `json:"overlay_path,omitempty"`
	SeedISOPath   string         `json:"seed_iso_path,omitempty"`
	Pid           *int           `json:"pid,omitempty"`
	ControlSocket string         `json:"control_socket,omitempty"`
	ConsoleSocket string         `json:"console_socket,omitempty"`
	VNCAddr       string         `json:"vnc_addr,omitempty"`
	VCPUs         *int           `json:"vcpus,omitempty"`
	MemoryMB      *int           `json:"memory_mb,omitempty"`
	DiskGB        *int           `json:"disk_gb,omitempty"`
	Network       *NetworkConfig `json:"network,omitempty"`
	SSHHostPort   *int           `json:"ssh_host_port,omitempty"`
	MACAddr       string         `json:"mac_addr,omitempty"`
}

// MarshalJSON writes the handle with vcpus/memory_mb always present (they
// are never actually absent on a handle we create) and the rest omitted
// when empty.
func (h VmHandle) MarshalJSON() ([]byte, error) {
	wire := vmHandleWire{
		ID:            h.ID,
		Name:          h.Name,
		Backend:       h.Backend,
		WorkDir:       h.WorkDir,
		OverlayPath:   h.OverlayPath,
		SeedISOPath:   h.SeedISOPath,
		Pid:           h.Pid,
		ControlSocket: h.ControlSocket,
		ConsoleSocket: h.ConsoleSocket,
		VNCAddr:       h.VNCAddr,
		VCPUs:         &h.VCPUs,
		MemoryMB:      &h.MemoryMB,
		DiskGB:        h.DiskGB,
		Network:       &h.Network,
		SSHHostPort:   h.SSHHostPort,
		MACAddr:       h.MACAddr,
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses a persisted handle, applying schema defaults for
// any field missing from an older document: vcpus=1, memory_mb=1024,
// disk_gb=none, network=user, ssh_host_port=none, mac_addr=none. Unknown
// fields on the document are ignored.
func (h *VmHandle) UnmarshalJSON(data []byte) error {
	var wire vmHandleWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*h = VmHandle{
		ID:            wire.ID,
		Name:          wire.Name,
		Backend:       wire.Backend,
		WorkDir:       wire.WorkDir,
		OverlayPath:   wire.OverlayPath,
		SeedISOPath:   wire.SeedISOPath,
		Pid:           wire.Pid,
		ControlSocket: wire.ControlSocket,
		ConsoleSocket: wire.ConsoleSocket,
		VNCAddr:       wire.VNCAddr,
		VCPUs:         defaultVCPUs,
		MemoryMB:      defaultMemoryMB,
		DiskGB:        wire.DiskGB,
		Network:       NewUserNetwork(),
		SSHHostPort:   wire.SSHHostPort,
		MACAddr:       wire.MACAddr,
	}
	if wire.VCPUs != nil {
		h.VCPUs = *wire.VCPUs
	}
	if wire.MemoryMB != nil {
		h.MemoryMB = *wire.MemoryMB
	}
	if wire.Network != nil {
		h.Network = *wire.Network
	}
	return nil
}
