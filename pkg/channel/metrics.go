package channel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viva_channel_reconnects_total",
		Help: "Total reconnect attempts scheduled",
	})

	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viva_channel_frames_sent_total",
		Help: "Total frames written to the socket",
	})

	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viva_channel_frames_received_total",
		Help: "Total frames received from the socket",
	})

	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "viva_channel_queue_dropped_total",
		Help: "Outbound frames evicted from a full queue",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "viva_channel_queue_depth",
		Help: "Outbound frames waiting for a live socket",
	})
)
