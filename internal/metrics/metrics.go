// Package metrics wires the control plane's runtime counters into
// prometheus/client_golang. Collectors are registered once at construction
// and updated by the components that own the underlying state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric this daemon exposes on /metrics.
type Collectors struct {
	ConnectionsActive prometheus.Gauge
	TasksSubmitted    prometheus.Counter
	TasksCompleted    *prometheus.CounterVec
	RaftTerm          prometheus.Gauge
	RaftState         *prometheus.GaugeVec
}

// New creates and registers every collector against registerer. Passing
// prometheus.DefaultRegisterer wires them into the default /metrics handler.
func New(registerer prometheus.Registerer) *Collectors {
	c := &Collectors{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Name:      "connections_active",
			Help:      "Number of currently connected WebSocket clients.",
		}),
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "tasks_submitted_total",
			Help:      "Total number of tasks submitted to the work distributor.",
		}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controlplane",
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed, labeled by outcome.",
		}, []string{"outcome"}),
		RaftTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Name:      "raft_term",
			Help:      "Current raft term observed by this node.",
		}),
		RaftState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controlplane",
			Name:      "raft_state",
			Help:      "1 if this node currently holds the named raft role, 0 otherwise.",
		}, []string{"role"}),
	}

	registerer.MustRegister(
		c.ConnectionsActive,
		c.TasksSubmitted,
		c.TasksCompleted,
		c.RaftTerm,
		c.RaftState,
	)
	return c
}

// ObserveRaftState records term and zeroes every role gauge except the
// currently held one.
func (c *Collectors) ObserveRaftState(term uint32, role string) {
	c.RaftTerm.Set(float64(term))
	for _, r := range []string{"follower", "candidate", "leader"} {
		if r == role {
			c.RaftState.WithLabelValues(r).Set(1)
		} else {
			c.RaftState.WithLabelValues(r).Set(0)
		}
	}
}
