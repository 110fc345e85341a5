package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the node's Prometheus collectors.
type metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	dials           *prometheus.CounterVec
	relayed         prometheus.Counter
	links           prometheus.Gauge
	members         prometheus.Gauge
	eventsDropped   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, self string) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"peer": self}
	return &metrics{
		packetsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "packets_sent_total",
			Help:        "Packets written to links, by type.",
			ConstLabels: labels,
		}, []string{"type"}),
		packetsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "packets_received_total",
			Help:        "Packets decoded from links, by type.",
			ConstLabels: labels,
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "packets_dropped_total",
			Help:        "Inbound packets discarded, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		dials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "dials_total",
			Help:        "Outbound dial attempts, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "handshake_relays_total",
			Help:        "Handshake frames forwarded on behalf of another origin.",
			ConstLabels: labels,
		}),
		links: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "links",
			Help:        "Open registry links.",
			ConstLabels: labels,
		}),
		members: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "lobby_members",
			Help:        "Remote lobby members.",
			ConstLabels: labels,
		}),
		eventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "discharge",
			Subsystem:   "node",
			Name:        "events_dropped_total",
			Help:        "Position, chat and alert events shed for a slow observer.",
			ConstLabels: labels,
		}),
	}
}
