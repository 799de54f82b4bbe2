// Package metrics exposes the Prometheus counters and gauges the
// AgentSupervisor and Watchdog increment at the same points they emit
// EventBus events. This is additive instrumentation: nothing here changes
// control flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BeadsClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_beads_claimed_total",
		Help: "Total number of Beads successfully claimed by a supervisor.",
	})
	RetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_retries_total",
		Help: "Total number of tasks requeued for retry after a failure.",
	})
	StallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "foreman_stalls_total",
		Help: "Total number of agents terminated by the watchdog for stalling.",
	})
	AgentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foreman_agents_active",
		Help: "Current number of live worker agents.",
	})
)

// Registry is the collector registry that Handler serves.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(BeadsClaimedTotal, RetriesTotal, StallsTotal, AgentsActive)
}

// Handler returns the /metrics HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
