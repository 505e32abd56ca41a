package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"

	"rpld-go/internal/route"
)

const namespace = "rpld"

// Metrics are the reconciler's Prometheus collectors.
type Metrics struct {
	Polls      prometheus.Counter
	KernelOps  *prometheus.CounterVec
	TableNodes prometheus.Gauge
	Routes     *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "polls_total",
			Help:      "Number of completed poll cycles.",
		}),
		KernelOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kernel",
			Name:      "operations_total",
			Help:      "Kernel route operations by type and result.",
		}, []string{"op", "result"}),
		TableNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "nodes",
			Help:      "Nodes in the routing table, aggregation nodes included.",
		}),
		Routes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "table",
			Name:      "routes",
			Help:      "Routes in the routing table by lifecycle status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Polls, m.KernelOps, m.TableNodes, m.Routes)
	}
	return m
}

func (m *Metrics) kernelOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.KernelOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) observe(s Stats) {
	m.TableNodes.Set(float64(s.Nodes))
	for _, st := range []route.Status{route.Created, route.Updated, route.Modified, route.KernelOwned} {
		m.Routes.WithLabelValues(st.String()).Set(float64(s.ByStatus[st]))
	}
}
