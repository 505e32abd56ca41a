package kernel

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"rpld-go/internal/prefix"
)

// routeHandle is the subset of *netlink.Handle used by Netlink.
type routeHandle interface {
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

// Netlink is a Sink backed by rtnetlink. Routes go to the main table and are
// tagged with the configured protocol id.
type Netlink struct {
	h        routeHandle
	closer   func()
	protocol int
	log      *zap.SugaredLogger
}

// NewNetlink opens an rtnetlink handle. A protocol of 0 selects ProtoRPL.
func NewNetlink(protocol int, log *zap.SugaredLogger) (*Netlink, error) {
	h, err := netlink.NewHandle(unix.NETLINK_ROUTE)
	if err != nil {
		return nil, errors.Wrap(err, "opening rtnetlink handle")
	}
	n := newNetlink(h, protocol, log)
	n.closer = h.Delete
	return n, nil
}

func newNetlink(h routeHandle, protocol int, log *zap.SugaredLogger) *Netlink {
	if protocol == 0 {
		protocol = ProtoRPL
	}
	return &Netlink{h: h, protocol: protocol, log: log}
}

// Protocol returns the protocol id set on created routes.
func (n *Netlink) Protocol() int {
	return n.protocol
}

// Close releases the rtnetlink sockets.
func (n *Netlink) Close() {
	if n.closer != nil {
		n.closer()
	}
}

// Routes dumps the IPv6 routes of the main table. Records that cannot be
// converted are logged and skipped.
func (n *Netlink) Routes() ([]Route, error) {
	filter := &netlink.Route{Table: unix.RT_TABLE_MAIN}
	nlRoutes, err := n.h.RouteListFiltered(netlink.FAMILY_V6, filter, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, errors.Wrap(err, "dumping IPv6 routes")
	}
	routes := make([]Route, 0, len(nlRoutes))
	for _, nr := range nlRoutes {
		if nr.Flags&unix.RTM_F_CLONED != 0 {
			continue
		}
		r, err := fromNetlink(nr)
		if err != nil {
			n.log.Debugf("Skipping kernel route %s: %v", nr, err)
			continue
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// Create adds r to the kernel.
func (n *Netlink) Create(r Route) error {
	if err := n.h.RouteAdd(n.toNetlink(r)); err != nil {
		return errors.Wrapf(err, "adding route %s", r)
	}
	return nil
}

// Delete removes the route to r.Dst through r.LinkIndex. The gateway and
// metric narrow the match when set.
func (n *Netlink) Delete(r Route) error {
	nr := n.toNetlink(r)
	// Imported routes keep the protocol they were added with.
	nr.Protocol = 0
	if err := n.h.RouteDel(nr); err != nil {
		return errors.Wrapf(err, "deleting route %s", r)
	}
	return nil
}

func (n *Netlink) toNetlink(r Route) *netlink.Route {
	nr := &netlink.Route{
		Family:    netlink.FAMILY_V6,
		LinkIndex: r.LinkIndex,
		Dst:       r.Dst.IPNet(),
		Protocol:  netlink.RouteProtocol(n.protocol),
		Priority:  int(r.Metric),
		Table:     unix.RT_TABLE_MAIN,
		Type:      unix.RTN_UNICAST,
		Scope:     netlink.SCOPE_UNIVERSE,
	}
	if r.NextHop.IsValid() {
		nr.Gw = net.IP(r.NextHop.AsSlice())
	}
	return nr
}

func fromNetlink(nr netlink.Route) (Route, error) {
	if nr.Family != 0 && nr.Family != netlink.FAMILY_V6 {
		return Route{}, errors.Errorf("address family %d", nr.Family)
	}
	var dst prefix.Prefix
	if nr.Dst == nil {
		dst = prefix.Prefix{Family: prefix.FamilyIPv6}
	} else {
		var err error
		if dst, err = prefix.FromIPNet(nr.Dst); err != nil {
			return Route{}, err
		}
	}
	dst.ApplyMask()

	r := Route{
		Dst:       dst,
		LinkIndex: nr.LinkIndex,
		Protocol:  int(nr.Protocol),
	}
	if nr.Priority > 0 {
		r.Metric = uint32(nr.Priority)
	}
	if nr.Gw != nil {
		gw, ok := netip.AddrFromSlice(nr.Gw)
		if !ok || !gw.Is6() || gw.Is4In6() {
			return Route{}, errors.Errorf("invalid gateway %s", nr.Gw)
		}
		r.NextHop = gw
	}
	return r, nil
}
