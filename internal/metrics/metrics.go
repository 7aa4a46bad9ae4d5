package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Networking substrate metrics, exported on the runner admin server.
var (
	IPsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vm0_ips_allocated",
			Help: "Number of IPs currently allocated from the pool",
		},
	)

	TapsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vm0_taps_active",
			Help: "Number of TAP devices created by this runner and not yet deleted",
		},
	)

	IPReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vm0_ip_reclaims_total",
			Help: "Total orphaned IP allocations reclaimed by the doctor",
		},
	)

	ProxyRulesSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vm0_proxy_rules_swept_total",
			Help: "Total orphaned proxy REDIRECT rules removed",
		},
	)

	ArpEntriesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vm0_arp_entries_flushed_total",
			Help: "Total ARP neighbour entries flushed from the bridge",
		},
	)

	CommandFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vm0_command_failures_total",
			Help: "Host command invocations that returned non-zero",
		},
		[]string{"command"},
	)

	LockWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vm0_pool_lock_wait_seconds",
			Help:    "Time spent waiting for the IP pool lock",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
	)
)

func init() {
	prometheus.MustRegister(
		IPsAllocated,
		TapsActive,
		IPReclaimsTotal,
		ProxyRulesSweptTotal,
		ArpEntriesFlushedTotal,
		CommandFailuresTotal,
		LockWaitSeconds,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
