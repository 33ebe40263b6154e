package main

import (
	"os"
	"strings"

	"github.com/Toasterson/vm-manager/internal/image"
	"github.com/Toasterson/vm-manager/internal/model"
)

// buildUserData resolves a create-time cloud-init payload: a raw
// user-data file takes precedence over an ssh-key-derived cloud-config.
func buildUserData(cloudInitPath, sshKeyPath, vmName, hostname string) ([]byte, error) {
	if cloudInitPath != "" {
		return os.ReadFile(cloudInitPath)
	}
	pubKey, err := os.ReadFile(sshKeyPath)
	if err != nil {
		return nil, err
	}
	return image.BuildCloudConfig("vm", strings.TrimSpace(string(pubKey)), vmName, hostname), nil
}

// sshPortForHandle returns the SSH port to use for h: the forwarded
// host port under user-mode networking, or 22 for everything else.
func sshPortForHandle(h model.VmHandle) int {
	if h.Network.Mode == model.NetworkUser {
		if h.SSHHostPort != nil {
			return *h.SSHHostPort
		}
		return 22
	}
	return 22
}
