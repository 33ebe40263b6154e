// Package image provides the minimal out-of-scope collaborators the
// process backend delegates to: overlay disk creation and cloud-init
// seed ISO construction. Spec treats both as external plumbing ("only
// interfaces specified"); this package gives them a concrete, swappable
// implementation via package-level function variables so tests can stub
// them out.
package image

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// CreateOverlay creates a copy-on-write qcow2 overlay at overlayPath
// backed by basePath. It is a package variable so callers can substitute
// a fake in tests.
var CreateOverlay = func(ctx context.Context, basePath, overlayPath string) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create", "-f", "qcow2",
		"-F", "qcow2", "-b", basePath, overlayPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("qemu-img create: %w: %s", err, out)
	}
	return nil
}

// BuildCloudConfig renders a minimal cloud-config user-data document
// that creates sshUser with pubKey authorized for login, for VMFile
// definitions that supply an ssh-key instead of a raw user-data file.
func BuildCloudConfig(sshUser, pubKey, vmName, hostname string) []byte {
	return []byte(fmt.Sprintf(`#cloud-config
hostname: %s
users:
  - name: %s
    sudo: ALL=(ALL) NOPASSWD:ALL
    shell: /bin/bash
    ssh_authorized_keys:
      - %s
`, hostname, sshUser, pubKey))
}

// BuildSeedISO writes a NoCloud-format cloud-init seed ISO containing
// meta-data and user-data at isoPath.
var BuildSeedISO = func(ctx context.Context, userData []byte, instanceID, hostname, isoPath string) error {
	dir, err := os.MkdirTemp("", "vmctl-seed-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	metaData := fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", instanceID, hostname)
	if err := os.WriteFile(filepath.Join(dir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "user-data"), userData, 0o644); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "genisoimage", "-output", isoPath,
		"-volid", "cidata", "-joliet", "-rock",
		filepath.Join(dir, "user-data"), filepath.Join(dir, "meta-data"))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("genisoimage: %w: %s", err, out)
	}
	return nil
}
