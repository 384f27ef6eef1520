package sandbox

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// SetupKernelSide runs in the spawner's namespace, which must hold
// CAP_NET_ADMIN.  It creates the veth pair, pushes the child end into the
// child's network namespace by PID, then addresses and raises the kernel
// end.  The kernel end vanishes on its own when the child's namespace
// dies (a veth cannot outlive its peer).
//
// This runs after the clone and before the spawn reply, so by the time
// the parent sees the PID the uplink exists.
func SetupKernelSide(childPid int, nc *NetworkConfig) error {
	if nc == nil {
		return nil
	}
	if err := nc.validate(); err != nil {
		return err
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: nc.KernelVethName},
		PeerName:  nc.ChildVethName,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("create veth %s<->%s: %v", nc.KernelVethName, nc.ChildVethName, err)
	}

	peer, err := netlink.LinkByName(nc.ChildVethName)
	if err != nil {
		return fmt.Errorf("find child veth %s: %v", nc.ChildVethName, err)
	}
	if err := netlink.LinkSetNsPid(peer, childPid); err != nil {
		return fmt.Errorf("move %s to pid %d: %v", nc.ChildVethName, childPid, err)
	}

	kernel, err := netlink.LinkByName(nc.KernelVethName)
	if err != nil {
		return fmt.Errorf("find kernel veth %s: %v", nc.KernelVethName, err)
	}
	addr, err := netlink.ParseAddr(nc.KernelIPv4)
	if err != nil {
		return fmt.Errorf("parse kernel addr %q: %v", nc.KernelIPv4, err)
	}
	if err := netlink.AddrAdd(kernel, addr); err != nil {
		return fmt.Errorf("address %s: %v", nc.KernelVethName, err)
	}
	if err := netlink.LinkSetUp(kernel); err != nil {
		return fmt.Errorf("raise %s: %v", nc.KernelVethName, err)
	}

	return nil
}

// setupChildNetwork runs inside the child's user+network namespaces, where
// the freshly mapped UID 0 holds CAP_NET_ADMIN over the namespace.  The
// spawner has already pushed the child veth end in (the child waits on the
// ready pipe before reaching this step).
func setupChildNetwork(nc *NetworkConfig) error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("find lo: %v", err)
	}
	if err := netlink.LinkSetUp(lo); err != nil {
		return fmt.Errorf("raise lo: %v", err)
	}

	if nc == nil {
		// no uplink: an empty namespace with only loopback
		return nil
	}

	link, err := netlink.LinkByName(nc.ChildVethName)
	if err != nil {
		return fmt.Errorf("find child veth %s: %v", nc.ChildVethName, err)
	}
	addr, err := netlink.ParseAddr(nc.ChildIPv4)
	if err != nil {
		return fmt.Errorf("parse child addr %q: %v", nc.ChildIPv4, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("address %s: %v", nc.ChildVethName, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("raise %s: %v", nc.ChildVethName, err)
	}

	gw := net.ParseIP(nc.ChildIPv4Gateway)
	if gw == nil {
		return fmt.Errorf("parse gateway %q", nc.ChildIPv4Gateway)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	if err := netlink.RouteAdd(route); err != nil {
		return fmt.Errorf("default route via %s: %v", nc.ChildIPv4Gateway, err)
	}

	return nil
}
