// Package reconcile keeps the kernel forwarding table in line with the
// routes learned from the RPL mesh.
//
// Each learned destination has a node in a radix table. The node's lock
// count is the liveness of the route: a poll first drops one lock from
// every node, then takes one lock for every destination the mesh still
// reports. Nodes left without a lock after the poll are removed from the
// kernel and from the table. The status of each entry (created, updated,
// modified) tells the sync pass which kernel operations are needed, so only
// the difference to the previous poll reaches the kernel.
//
// Routes found in the kernel at startup that belong to another protocol are
// imported as kernel owned: they take part in longest-prefix lookups but are
// never touched.
package reconcile

import (
	"bytes"
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rpld-go/internal/iface"
	"rpld-go/internal/kernel"
	"rpld-go/internal/mesh"
	"rpld-go/internal/prefix"
	"rpld-go/internal/route"
	"rpld-go/internal/table"
)

// RouteSource yields the mesh routes currently in use.
type RouteSource interface {
	Range(fn func(mesh.Record) bool)
}

// Filter reports whether a mesh route may be installed.
type Filter func(dst prefix.Prefix, nextHop netip.Addr) bool

// Options configure a Reconciler. Zero values select the defaults.
type Options struct {
	// Protocol is the protocol id of routes installed by this daemon.
	// Defaults to kernel.ProtoRPL.
	Protocol int
	// Protect selects the startup kernel routes that are never modified.
	// Defaults to kernel.ForeignProtocol(Protocol).
	Protect kernel.ProtectFunc
	// Filter drops mesh routes before they reach the table. Defaults to
	// accepting every route.
	Filter  Filter
	Metrics *Metrics
	Logger  *zap.SugaredLogger
}

// SyncError is returned by Poll when a kernel deletion failed. The kernel
// and the table can no longer be reconciled and the caller must stop.
type SyncError struct {
	Op  string
	Dst prefix.Prefix
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("unrecoverable %s of %s: %v", e.Op, e.Dst, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Stats summarize the table.
type Stats struct {
	Nodes    int
	Routes   int
	ByStatus map[route.Status]int
}

// Reconciler drives the kernel from the mesh routes. It is not safe for
// concurrent use: polls must be serialized by the caller.
type Reconciler struct {
	table     *table.Table[route.Entry]
	sink      kernel.Sink
	source    RouteSource
	protocol  int
	protect   kernel.ProtectFunc
	filter    Filter
	metrics   *Metrics
	log       *zap.SugaredLogger
	linkIndex int
	// metric is installed for mesh routes that carry none.
	metric uint32

	// seen holds the destinations locked during the current scan.
	seen map[prefix.Prefix]struct{}
}

// New returns a Reconciler installing routes from source through sink.
func New(sink kernel.Sink, source RouteSource, opts Options) *Reconciler {
	r := &Reconciler{
		table:    table.New[route.Entry](),
		sink:     sink,
		source:   source,
		protocol: opts.Protocol,
		protect:  opts.Protect,
		filter:   opts.Filter,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		seen:     make(map[prefix.Prefix]struct{}),
	}
	if r.protocol == 0 {
		r.protocol = kernel.ProtoRPL
	}
	if r.protect == nil {
		r.protect = kernel.ForeignProtocol(r.protocol)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if r.log == nil {
		r.log = zap.NewNop().Sugar()
	}
	return r
}

// Init records the egress interface and imports the routes already present
// in the kernel. It must be called once before the first Poll.
func (r *Reconciler) Init(d iface.Descriptor) error {
	r.linkIndex = d.Index
	r.metric = d.Metric
	if ga, ok := d.GlobalAddress(); ok {
		r.log.Infof("Border router on %s (index %d), address %s, DAG %s, rank %d",
			d.Name, d.Index, ga, d.DAGID(), d.Metric)
	} else {
		r.log.Infof("Border router on %s (index %d), no global address, DAG %s, rank %d",
			d.Name, d.Index, d.DAGID(), d.Metric)
	}

	routes, err := r.sink.Routes()
	if err != nil {
		return errors.Wrap(err, "importing kernel routes")
	}
	imported := 0
	for _, kr := range routes {
		if r.importRoute(kr) {
			imported++
		}
	}
	r.log.Infof("Imported %d of %d kernel routes", imported, len(routes))
	r.metrics.observe(r.Stats())
	return nil
}

func (r *Reconciler) importRoute(kr kernel.Route) bool {
	if kr.Dst.Family != prefix.FamilyIPv6 {
		r.log.Infof("Skipping kernel route %s: address family %d", kr, kr.Dst.Family)
		return false
	}
	if kr.LinkIndex != 0 && kr.LinkIndex != r.linkIndex {
		return false
	}
	dst := kr.Dst.Masked()
	node := r.table.Get(dst)
	if node.Info != nil {
		r.log.Infof("Kernel route %s duplicates %s, left untouched", kr, dst)
		return false
	}

	e := &route.Entry{
		NextHop: kr.NextHop,
		Metric:  kr.Metric,
		Status:  route.Updated,
	}
	e.SetInstalled()
	if r.protect(kr) {
		e.Status = route.KernelOwned
	}
	node.Info = e
	node.Lock()
	r.log.Debugf("From kernel route %s via %s (%s)", dst, nextHopString(kr.NextHop), e.Status)
	return true
}

// Poll runs one reconciliation cycle. Failed creations are logged and
// retried on the next poll; a failed deletion returns a *SyncError.
func (r *Reconciler) Poll() error {
	r.table.Unlock()
	for k := range r.seen {
		delete(r.seen, k)
	}
	r.source.Range(func(rec mesh.Record) bool {
		r.scan(rec)
		return true
	})
	if r.log.Desugar().Core().Enabled(zap.DebugLevel) {
		var buf bytes.Buffer
		r.table.Dump(&buf)
		r.log.Debugf("Routing table:\n%s", buf.String())
	}

	err := r.sync()
	r.metrics.observe(r.Stats())
	if err != nil {
		return err
	}
	r.metrics.Polls.Inc()
	return nil
}

func (r *Reconciler) scan(rec mesh.Record) {
	dst, err := rec.Destination()
	if err != nil {
		r.log.Infof("Skipping mesh route %s/%d: %v", rec.Addr, rec.Length, err)
		return
	}
	if r.filter != nil && !r.filter(dst, rec.NextHop) {
		r.log.Debugf("Mesh route %s via %s rejected by filter", dst, rec.NextHop)
		return
	}
	if _, ok := r.seen[dst]; ok {
		r.log.Debugf("Mesh route %s via %s reported twice", dst, rec.NextHop)
		return
	}

	metric := rec.Metric
	if metric == 0 {
		metric = r.metric
	}

	node := r.table.Get(dst)
	e := node.Info
	switch {
	case e == nil:
		node.Info = &route.Entry{
			NextHop: rec.NextHop,
			Metric:  metric,
			Status:  route.Created,
		}
		r.log.Debugf("Adding new route %s via %s metric %d lifetime %d from %d",
			dst, rec.NextHop, metric, rec.Lifetime, rec.LearnedFrom)
	case e.Status == route.KernelOwned:
		r.log.Debugf("Route %s is owned by another protocol, ignoring mesh route via %s",
			dst, rec.NextHop)
		return
	case !e.Installed:
		e.NextHop, e.Metric, e.Status = rec.NextHop, metric, route.Created
		r.log.Debugf("Route %s via %s not installed yet, lifetime %d from %d",
			dst, rec.NextHop, rec.Lifetime, rec.LearnedFrom)
	case e.NextHop == rec.NextHop:
		e.Status = route.Updated
		r.log.Debugf("Route %s found in table, same next hop %s, lifetime %d from %d",
			dst, rec.NextHop, rec.Lifetime, rec.LearnedFrom)
	default:
		r.log.Debugf("Route %s found in table, next hop %s modified to %s, lifetime %d from %d",
			dst, e.NextHop, rec.NextHop, rec.Lifetime, rec.LearnedFrom)
		e.NextHop, e.Metric, e.Status = rec.NextHop, metric, route.Modified
	}
	node.Lock()
	r.seen[dst] = struct{}{}
}

// sync walks the table, prunes unlocked nodes and applies the status of
// the others to the kernel. The successor is taken before a node is
// deleted; deletion only removes the node and stub ancestors already
// visited.
func (r *Reconciler) sync() error {
	for node := r.table.Top(); node != nil; {
		next := node.Next()
		e := node.Info
		switch {
		case e == nil:
		case e.Status == route.KernelOwned:
			node.Lock()
		case node.Locks() == 0:
			r.log.Debugf("Deleting route node %s", node.Prefix)
			if e.Installed {
				if err := r.kernelDelete(node); err != nil {
					return &SyncError{Op: "delete", Dst: node.Prefix, Err: err}
				}
			}
			node.Info = nil
			r.table.Delete(node)
		case e.Status == route.Created:
			r.log.Debugf("Creating route node %s", node.Prefix)
			r.create(node)
		case e.Status == route.Modified:
			r.log.Debugf("Changing route node %s", node.Prefix)
			if e.Installed {
				if err := r.kernelDelete(node); err != nil {
					return &SyncError{Op: "replace", Dst: node.Prefix, Err: err}
				}
				e.ClearInstalled()
			}
			r.create(node)
		}
		node = next
	}
	return nil
}

func (r *Reconciler) kernelRoute(dst prefix.Prefix, nextHop netip.Addr, metric uint32) kernel.Route {
	return kernel.Route{
		Dst:       dst,
		NextHop:   nextHop,
		LinkIndex: r.linkIndex,
		Metric:    metric,
		Protocol:  r.protocol,
	}
}

func (r *Reconciler) create(node *table.Node[route.Entry]) {
	e := node.Info
	kr := r.kernelRoute(node.Prefix, e.NextHop, e.Metric)
	err := r.sink.Create(kr)
	r.metrics.kernelOp("create", err)
	if err != nil {
		r.log.Errorf("Failed to create route %s: %v", kr, err)
		return
	}
	e.SetInstalled()
	r.log.Infof("Added route %s via %s metric %d", kr.Dst, nextHopString(kr.NextHop), kr.Metric)
}

func (r *Reconciler) kernelDelete(node *table.Node[route.Entry]) error {
	e := node.Info
	kr := r.kernelRoute(node.Prefix, e.KernelNextHop, e.KernelMetric)
	err := r.sink.Delete(kr)
	r.metrics.kernelOp("delete", err)
	if err != nil {
		r.log.Errorf("Failed to delete route %s: %v", kr, err)
		return err
	}
	r.log.Infof("Deleted route %s", kr.Dst)
	return nil
}

// Lookup returns the most specific route covering addr.
func (r *Reconciler) Lookup(addr netip.Addr) (prefix.Prefix, route.Entry, bool) {
	node := r.table.MatchAddr(addr)
	if node == nil {
		return prefix.Prefix{}, route.Entry{}, false
	}
	return node.Prefix, *node.Info, true
}

// Stats counts the table's nodes and entries.
func (r *Reconciler) Stats() Stats {
	s := Stats{ByStatus: make(map[route.Status]int)}
	r.table.Walk(func(n *table.Node[route.Entry]) bool {
		s.Nodes++
		if n.Info != nil {
			s.Routes++
			s.ByStatus[n.Info.Status]++
		}
		return true
	})
	return s
}

func nextHopString(a netip.Addr) string {
	if !a.IsValid() {
		return "none"
	}
	return a.String()
}
