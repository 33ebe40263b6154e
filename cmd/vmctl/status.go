package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/Toasterson/vm-manager/internal/model"
)

func (a *app) cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	_, _, h, err := a.requireVM(fs, args)
	if err != nil {
		return err
	}

	state, err := a.router.State(context.Background(), h)
	if err != nil {
		return err
	}

	fmt.Printf("Name:    %s\n", h.Name)
	fmt.Printf("ID:      %s\n", h.ID)
	fmt.Printf("Backend: %s\n", h.Backend)
	fmt.Printf("State:   %s\n", state)
	fmt.Printf("vCPUs:   %d\n", h.VCPUs)
	fmt.Printf("Memory:  %d MB\n", h.MemoryMB)
	if h.DiskGB != nil {
		fmt.Printf("Disk:    %d GB\n", *h.DiskGB)
	}
	fmt.Printf("Network: %s\n", formatNetwork(h.Network))
	fmt.Printf("WorkDir: %s\n", h.WorkDir)
	if h.OverlayPath != "" {
		fmt.Printf("Overlay: %s\n", h.OverlayPath)
	}
	if h.SeedISOPath != "" {
		fmt.Printf("Seed:    %s\n", h.SeedISOPath)
	}
	if h.Pid != nil {
		fmt.Printf("PID:     %d\n", *h.Pid)
	}
	if h.VNCAddr != "" {
		fmt.Printf("VNC:     %s\n", h.VNCAddr)
	}
	if h.SSHHostPort != nil {
		fmt.Printf("SSH:     127.0.0.1:%d\n", *h.SSHHostPort)
	}
	if h.MACAddr != "" {
		fmt.Printf("MAC:     %s\n", h.MACAddr)
	}

	return nil
}

func formatNetwork(n model.NetworkConfig) string {
	switch n.Mode {
	case model.NetworkTap:
		return fmt.Sprintf("tap (bridge: %s)", n.Bridge)
	case model.NetworkVnic:
		return fmt.Sprintf("vnic (%s)", n.Vnic)
	case model.NetworkNone:
		return "none"
	default:
		return "user (SLIRP)"
	}
}
