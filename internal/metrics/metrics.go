// Package metrics exposes Prometheus instrumentation for the registry
// service. Grounded on the teacher's pkg/metrics/metrics.go (a dedicated
// prometheus.NewRegistry() plus promauto-style constructors exposed over
// promhttp).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the registry service's Prometheus collectors, isolated
// from the default global registry.
var Registry = prometheus.NewRegistry()

var (
	RegistrationsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "registry", Subsystem: "registration", Name: "accepted_total",
		Help: "Total accepted registration requests.",
	})
	RegistrationsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry", Subsystem: "registration", Name: "rejected_total",
		Help: "Total rejected registration requests by reason.",
	}, []string{"reason"})

	ActiveProxies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "registry", Subsystem: "membership", Name: "active_proxies",
		Help: "Currently active proxy nodes.",
	})
	ActiveBackends = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "registry", Subsystem: "membership", Name: "active_backends",
		Help: "Currently active backend nodes.",
	})

	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "registry", Subsystem: "heartbeat", Name: "timeouts_total",
		Help: "Total nodes declared DEAD by heartbeat timeout.",
	})

	ProvisionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry", Subsystem: "provisioning", Name: "requests_total",
		Help: "Total provisioning requests by result status.",
	}, []string{"status"})

	PartyReservationsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "registry", Subsystem: "routing", Name: "party_reservations_active",
		Help: "Currently active (unreleased) party reservations.",
	})

	ShutdownIntentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "registry", Subsystem: "shutdown", Name: "intents_active",
		Help: "Currently scheduled or executing shutdown intents.",
	})
)

func init() {
	Registry.MustRegister(
		RegistrationsAccepted,
		RegistrationsRejected,
		ActiveProxies,
		ActiveBackends,
		HeartbeatTimeouts,
		ProvisionRequests,
		PartyReservationsActive,
		ShutdownIntentsActive,
	)
}

// Handler returns the HTTP handler serving this registry's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
