// Package vmerr defines the diagnostic error taxonomy shared by every
// hypervisor backend and transport: each error carries a stable Kind, a
// machine-checkable Code, and operator-facing Help text, and wraps its
// underlying cause so callers can still errors.Is/errors.As through it.
package vmerr

import "fmt"

// Kind identifies one row of the error taxonomy in spec §7.
type Kind string

const (
	KindVMMSpawnFailed        Kind = "vmm_spawn_failed"
	KindControlConnectFailed  Kind = "control_connect_failed"
	KindControlCommandFailed  Kind = "control_command_failed"
	KindOverlayCreationFailed Kind = "overlay_creation_failed"
	KindIPDiscoveryTimeout    Kind = "ip_discovery_timeout"
	KindZoneVMMUnreachable    Kind = "zone_vmm_unreachable"
	KindCloudInitISOFailed    Kind = "cloud_init_iso_failed"
	KindRemoteShellFailed     Kind = "remote_shell_failed"
	KindImageFailed           Kind = "image_failed"
	KindVMNotFound            Kind = "vm_not_found"
	KindInvalidState          Kind = "invalid_state"
	KindBackendNotAvailable   Kind = "backend_not_available"
	KindFleetFileNotFound     Kind = "fleet_file_not_found"
	KindFleetFileParseFailed  Kind = "fleet_file_parse_failed"
	KindFleetFileValidation   Kind = "fleet_file_validation"
	KindProvisionFailed       Kind = "provision_failed"
)

var help = map[Kind]string{
	KindVMMSpawnFailed:        "the VMM process failed to start; check that the binary is installed and hardware acceleration is available",
	KindControlConnectFailed:  "could not open the machine-control socket before the deadline; the VMM may still be starting or may have failed to daemonize",
	KindControlCommandFailed:  "the machine-control protocol returned an error or closed the connection; the command was not applied",
	KindOverlayCreationFailed: "the overlay disk could not be created from the base image",
	KindIPDiscoveryTimeout:    "no guest IP address could be discovered; the guest network stack may not have finished booting",
	KindZoneVMMUnreachable:    "the in-zone VMM daemon did not become reachable before the timeout",
	KindCloudInitISOFailed:    "the cloud-init seed ISO could not be constructed",
	KindRemoteShellFailed:     "the remote-shell session could not be established or failed during use",
	KindImageFailed:           "the image subsystem failed to download, detect, or convert the requested image",
	KindVMNotFound:            "no VM with that name exists in the state store",
	KindInvalidState:          "the handle is missing a field required for this operation",
	KindBackendNotAvailable:   "the router has no configured backend for this VM's backend tag",
	KindFleetFileNotFound:     "no declarative fleet file was found at the given or default location",
	KindFleetFileParseFailed:  "the declarative fleet file could not be parsed",
	KindFleetFileValidation:   "the declarative fleet file failed validation",
	KindProvisionFailed:       "a provisioning step failed; earlier steps in the sequence already ran",
}

// Error is the concrete error type returned across backend and transport
// boundaries.
type Error struct {
	Kind    Kind
	Code    string // stable, e.g. "VM-001"; derived from Kind if empty
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Help returns the operator-facing recovery hint for this error's Kind.
func (e *Error) Help() string { return help[e.Kind] }

func (e *Error) code() string {
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

// New builds a vmerr.Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a vmerr.Error wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given Kind, unwrapping as
// needed. It walks the whole chain, following *Error causes and any
// Unwrap() error method, without importing "errors".
func Is(err error, kind Kind) bool {
	for err != nil {
		if ve, ok := err.(*Error); ok {
			if ve.Kind == kind {
				return true
			}
			err = ve.Cause
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
