// Package metrics exposes the prometheus collectors shared across the
// realtime core, registered once at startup against the registry
// passed to MustRegister (cmd/server builds its own with
// prometheus.NewRegistry) and referenced directly by the modules that
// update them.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ConnectedSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelchat",
		Name:      "connected_sockets",
		Help:      "Number of sockets currently attached to this instance.",
	})

	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelchat",
		Name:      "presence_transitions_total",
		Help:      "Presence status transitions, labeled by resulting status.",
	}, []string{"status"})

	RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinelchat",
		Name:      "rate_limit_rejections_total",
		Help:      "Requests rejected by the rate limiter, labeled by scope.",
	}, []string{"scope"})

	TypingLedgerSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinelchat",
		Name:      "typing_ledger_rooms",
		Help:      "Number of rooms with at least one typing user known to this instance.",
	})

	BusReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinelchat",
		Name:      "bus_reconnects_total",
		Help:      "Times the cross-instance bus subscriber had to reconnect.",
	})
)

// MustRegister registers every collector against reg. Call once at
// startup; panics on duplicate registration, matching the teacher's
// fail-fast init style.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		ConnectedSockets,
		PresenceTransitions,
		RateLimitRejections,
		TypingLedgerSize,
		BusReconnects,
	)
}
