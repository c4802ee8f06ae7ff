package channels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vargos_channel_messages_received_total",
		Help: "Inbound messages accepted by the ingress pipeline.",
	}, []string{"channel"})

	metricDeduplicated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vargos_channel_messages_deduplicated_total",
		Help: "Inbound messages dropped as duplicates.",
	}, []string{"channel"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vargos_channel_messages_dropped_total",
		Help: "Inbound messages dropped by ingress filters.",
	}, []string{"channel", "reason"})

	metricSentChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vargos_channel_chunks_sent_total",
		Help: "Outbound reply chunks delivered to adapters.",
	}, []string{"channel"})
)
