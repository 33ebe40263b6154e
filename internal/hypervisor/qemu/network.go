package qemu

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// ensureTap creates a persistent TAP device named tapName (if it does
// not already exist) and attaches it to bridge. It never creates the
// bridge itself — attaching to a host bridge that doesn't already exist
// is deliberately left to the operator (host network bridge creation is
// out of scope).
func ensureTap(tapName, bridge string) error {
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("bridge %q not found: %w", bridge, err)
	}

	link, err := netlink.LinkByName(tapName)
	if err != nil {
		attrs := netlink.NewLinkAttrs()
		attrs.Name = tapName
		tap := &netlink.Tuntap{
			LinkAttrs: attrs,
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		if err := netlink.LinkAdd(tap); err != nil {
			return fmt.Errorf("creating tap %q: %w", tapName, err)
		}
		link = tap
	}

	if err := netlink.LinkSetMaster(link, br); err != nil {
		return fmt.Errorf("attaching %q to bridge %q: %w", tapName, bridge, err)
	}
	return netlink.LinkSetUp(link)
}

// removeTap deletes a persistent TAP device created by ensureTap. Errors
// are not fatal to the caller's best-effort teardown path.
func removeTap(tapName string) error {
	link, err := netlink.LinkByName(tapName)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}

func tapNameFor(vmName string) string {
	name := "tap-" + vmName
	if len(name) > 15 { // IFNAMSIZ-1 on Linux
		name = name[:15]
	}
	return name
}
