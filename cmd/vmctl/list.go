package main

import (
	"flag"
	"fmt"
	"sort"
	"strings"

	"github.com/Toasterson/vm-manager/internal/model"
)

func (a *app) cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := a.loadStore()
	if err != nil {
		return err
	}

	if len(st) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	names := make([]string, 0, len(st))
	for name := range st {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Printf("%-16s %-8s %5s %6s %-10s %-8s %s\n", "NAME", "BACKEND", "VCPUS", "MEM", "NETWORK", "PID", "SSH")
	fmt.Println(strings.Repeat("-", 72))

	for _, name := range names {
		h := st[name]
		pid := "-"
		if h.Pid != nil {
			pid = fmt.Sprintf("%d", *h.Pid)
		}
		ssh := "-"
		if h.SSHHostPort != nil {
			ssh = fmt.Sprintf(":%d", *h.SSHHostPort)
		}
		fmt.Printf("%-16s %-8s %5d %4dMB %-10s %-8s %s\n",
			name, h.Backend, h.VCPUs, h.MemoryMB, networkLabel(h.Network), pid, ssh)
	}

	return nil
}

func networkLabel(n model.NetworkConfig) string {
	switch n.Mode {
	case model.NetworkTap:
		return "tap"
	case model.NetworkVnic:
		return "vnic"
	case model.NetworkNone:
		return "none"
	default:
		return "user"
	}
}
