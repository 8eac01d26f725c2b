package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Diagnostic counters only; correctness never depends on them. They are
// registered on the default registry and exposed on the router's /metrics
// route.
var (
	publicationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_publications_received_total",
		Help: "Full-state publications consumed from the bus.",
	})
	decodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_decode_failures_total",
		Help: "Publications discarded because the payload would not decode.",
	})
	deltasBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_deltas_broadcast_total",
		Help: "Delta deliveries fanned out to sessions.",
	})
	fullSyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_full_syncs_total",
		Help: "Deltas emitted as full syncs because no cached base existed.",
	})
)
