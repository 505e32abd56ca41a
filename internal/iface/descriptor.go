// Package iface resolves the mesh-facing interface of the border router.
package iface

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// DefaultDAGID is used when the operator does not supply a DAG id.
var DefaultDAGID = netip.MustParseAddr("1111:1100::11")

// Descriptor is the resolved interface plus the operator parameters handed
// to the mesh stack.
type Descriptor struct {
	Name         string
	Index        int
	MTU          int
	HardwareAddr net.HardwareAddr
	// Addrs are the IPv6 addresses assigned to the link.
	Addrs []netip.Prefix

	// Prefix is the operator-supplied global address, invalid if unset.
	Prefix netip.Addr
	DAG    netip.Addr
	// Metric is the border router's rank, used as the metric of mesh
	// routes that report none.
	Metric uint32
}

// linkResolver is the part of *netlink.Handle used by Resolve.
type linkResolver interface {
	LinkByName(name string) (netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

type pkgResolver struct{}

func (pkgResolver) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (pkgResolver) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// Resolve looks up the link called name and its IPv6 addresses.
func Resolve(name string) (Descriptor, error) {
	return resolve(pkgResolver{}, name)
}

func resolve(r linkResolver, name string) (Descriptor, error) {
	link, err := r.LinkByName(name)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "looking up interface %s", name)
	}
	attrs := link.Attrs()
	d := Descriptor{
		Name:         attrs.Name,
		Index:        attrs.Index,
		MTU:          attrs.MTU,
		HardwareAddr: attrs.HardwareAddr,
	}
	addrs, err := r.AddrList(link, netlink.FAMILY_V6)
	if err != nil {
		return Descriptor{}, errors.Wrapf(err, "listing addresses of %s", name)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok || !ip.Is6() || ip.Is4In6() {
			continue
		}
		ones, _ := a.Mask.Size()
		d.Addrs = append(d.Addrs, netip.PrefixFrom(ip, ones))
	}
	return d, nil
}

// GlobalAddress returns the address the mesh stack announces: the operator
// prefix when set, otherwise the first global unicast address of the link.
func (d Descriptor) GlobalAddress() (netip.Addr, bool) {
	if d.Prefix.IsValid() {
		return d.Prefix, true
	}
	for _, a := range d.Addrs {
		if a.Addr().IsGlobalUnicast() {
			return a.Addr(), true
		}
	}
	return netip.Addr{}, false
}

// DAGID returns the operator DAG id or DefaultDAGID.
func (d Descriptor) DAGID() netip.Addr {
	if d.DAG.IsValid() {
		return d.DAG
	}
	return DefaultDAGID
}
