package telemetry

import "github.com/prometheus/client_golang/prometheus"

var UpdatesAcceptedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meetrelay",
		Subsystem: "updates",
		Name:      "accepted_total",
		Help:      "Total number of updates accepted into a meet's log.",
	},
	[]string{"meet_id"},
)

var UpdatesRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meetrelay",
		Subsystem: "updates",
		Name:      "rejected_total",
		Help:      "Total number of updates rejected due to a losing conflict.",
	},
	[]string{"meet_id"},
)

var UpdatesDedupedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "meetrelay",
		Subsystem: "updates",
		Name:      "deduped_total",
		Help:      "Total number of updates short-circuited by the (session, local_seq) dedup table.",
	},
)

var ActiveSessionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "meetrelay",
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Current number of sessions with a live, unexpired token.",
	},
)

var ActiveMeetsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "meetrelay",
		Subsystem: "meets",
		Name:      "loaded",
		Help:      "Current number of meet actors held in the registry.",
	},
)

var WebsocketConnectionsGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "meetrelay",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Current number of open WebSocket connections.",
	},
)

var LoginRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "meetrelay",
		Subsystem: "auth",
		Name:      "rejected_total",
		Help:      "Total number of JoinMeet rejections by reason.",
	},
	[]string{"reason"},
)

// All returns every meetrelay metric for registration with a Prometheus registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		UpdatesAcceptedTotal,
		UpdatesRejectedTotal,
		UpdatesDedupedTotal,
		ActiveSessionsGauge,
		ActiveMeetsGauge,
		WebsocketConnectionsGauge,
		LoginRejectedTotal,
	}
}
