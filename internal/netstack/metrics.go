package netstack

import (
	"github.com/prometheus/client_golang/prometheus"
)

// stackMetrics holds the Prometheus instrumentation for one stack. Each
// stack carries its own registry so tests can run many stacks side by side.
type stackMetrics struct {
	registry *prometheus.Registry

	framesRx prometheus.Counter
	framesTx prometheus.Counter

	tcpSegmentsRx     prometheus.Counter
	tcpChecksumErrors prometheus.Counter
	tcpRSTsTx         prometheus.Counter
	tcpRetransmits    prometheus.Counter

	tcpConnections       prometheus.Gauge
	retransmitQueueDepth prometheus.Gauge
}

func newStackMetrics() *stackMetrics {
	m := &stackMetrics{
		registry: prometheus.NewRegistry(),
		framesRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_frames_rx_total",
			Help: "Ethernet frames delivered to the stack.",
		}),
		framesTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_frames_tx_total",
			Help: "Ethernet frames transmitted by the stack.",
		}),
		tcpSegmentsRx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_tcp_segments_rx_total",
			Help: "TCP segments that passed checksum verification.",
		}),
		tcpChecksumErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_tcp_checksum_errors_total",
			Help: "TCP segments dropped for bad checksums.",
		}),
		tcpRSTsTx: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_tcp_rst_tx_total",
			Help: "RST segments synthesized for orphans and hard errors.",
		}),
		tcpRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tapstack_tcp_retransmits_total",
			Help: "Segments retransmitted after an RTO fired.",
		}),
		tcpConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapstack_tcp_connections",
			Help: "Entries in the established connection table.",
		}),
		retransmitQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tapstack_retransmit_queue_depth",
			Help: "Segments awaiting acknowledgment.",
		}),
	}
	m.registry.MustRegister(
		m.framesRx,
		m.framesTx,
		m.tcpSegmentsRx,
		m.tcpChecksumErrors,
		m.tcpRSTsTx,
		m.tcpRetransmits,
		m.tcpConnections,
		m.retransmitQueueDepth,
	)
	return m
}
