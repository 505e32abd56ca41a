// Package kernel is the boundary to the host forwarding table.
package kernel

import (
	"fmt"
	"net/netip"

	"rpld-go/internal/prefix"
)

// ProtoRPL is the rtnetlink protocol id tagging routes installed by this
// daemon unless configured otherwise.
const ProtoRPL = 20

// Route is a kernel route as seen through a Sink.
type Route struct {
	Dst prefix.Prefix
	// NextHop is invalid for routes without a gateway.
	NextHop   netip.Addr
	LinkIndex int
	Metric    uint32
	Protocol  int
}

func (r Route) String() string {
	s := r.Dst.String()
	if r.NextHop.IsValid() {
		s += " via " + r.NextHop.String()
	}
	return fmt.Sprintf("%s dev %d metric %d proto %d", s, r.LinkIndex, r.Metric, r.Protocol)
}

// Sink applies route operations to a forwarding table. Calls are
// synchronous; an error means the operation was not acknowledged.
type Sink interface {
	// Routes lists the IPv6 routes present at startup.
	Routes() ([]Route, error)
	Create(r Route) error
	Delete(r Route) error
}

// ProtectFunc reports whether a route found in the kernel at startup must be
// left alone for the life of the daemon.
type ProtectFunc func(Route) bool

// ForeignProtocol protects every route not tagged with own.
func ForeignProtocol(own int) ProtectFunc {
	return func(r Route) bool {
		return r.Protocol != own
	}
}

// Protocols protects only routes tagged with one of ids.
func Protocols(ids ...int) ProtectFunc {
	set := make(map[int]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(r Route) bool {
		return set[r.Protocol]
	}
}
