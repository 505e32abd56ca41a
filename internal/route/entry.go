// Package route holds the per-prefix payload of the border router's
// routing table.
package route

import (
	"fmt"
	"net/netip"
)

// Status is the lifecycle state of an entry relative to the previous poll.
type Status int

const (
	// Created marks a route learned from the mesh that has no kernel route
	// yet.
	Created Status = iota
	// Updated marks a mesh route seen again with the same next hop.
	Updated
	// Modified marks a mesh route whose next hop changed since the last poll.
	Modified
	// KernelOwned marks a route found in the kernel at startup that belongs
	// to another protocol. It is never removed.
	KernelOwned
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Modified:
		return "modified"
	case KernelOwned:
		return "kernel"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Entry is the route attached to a table node.
type Entry struct {
	NextHop netip.Addr
	Metric  uint32
	Status  Status
	// Installed is set once the kernel accepted the route.
	Installed bool
	// KernelNextHop and KernelMetric describe the route as installed.
	// Deletions use them, since NextHop may already hold a replacement.
	KernelNextHop netip.Addr
	KernelMetric  uint32
}

// SetInstalled records that the kernel holds the route as currently
// described by e.
func (e *Entry) SetInstalled() {
	e.Installed = true
	e.KernelNextHop = e.NextHop
	e.KernelMetric = e.Metric
}

// ClearInstalled records that the kernel no longer holds the route.
func (e *Entry) ClearInstalled() {
	e.Installed = false
	e.KernelNextHop = netip.Addr{}
	e.KernelMetric = 0
}

func (e Entry) String() string {
	via := "none"
	if e.NextHop.IsValid() {
		via = e.NextHop.String()
	}
	return fmt.Sprintf("via %s metric %d %s", via, e.Metric, e.Status)
}
