package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZentaChain/devlink/pkg/protocol"
)

const metricsNamespace = "devlink"

// Metrics holds the Prometheus collectors for all connections of a host.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	retransmissions   prometheus.Counter
	deliveryFailures  prometheus.Counter
	decodeErrors      prometheus.Counter
	cryptoErrors      prometheus.Counter
	activeConnections prometheus.Gauge
	stateChanges      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to devices, by mode.",
		}, []string{"mode"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from devices, by mode.",
		}, []string{"mode"}),
		retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmissions_total",
			Help:      "Frames sent again after no confirmation arrived.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_failures_total",
			Help:      "Frames dropped after exhausting their attempts.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Inbound lines that could not be decoded as frames.",
		}),
		cryptoErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "crypto_errors_total",
			Help:      "Key installation and payload decryption failures.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Devices currently connected.",
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state_changes_total",
			Help:      "Connection health transitions, by new state.",
		}, []string{"state"}),
	}

	collectors := []prometheus.Collector{
		m.framesSent, m.framesReceived, m.retransmissions, m.deliveryFailures,
		m.decodeErrors, m.cryptoErrors, m.activeConnections, m.stateChanges,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) frameSent(mode protocol.Mode) {
	if m != nil {
		m.framesSent.WithLabelValues(mode.String()).Inc()
	}
}

func (m *Metrics) frameReceived(mode protocol.Mode) {
	if m != nil {
		m.framesReceived.WithLabelValues(mode.String()).Inc()
	}
}

func (m *Metrics) retransmission() {
	if m != nil {
		m.retransmissions.Inc()
	}
}

func (m *Metrics) deliveryFailure() {
	if m != nil {
		m.deliveryFailures.Inc()
	}
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.decodeErrors.Inc()
	}
}

func (m *Metrics) cryptoError() {
	if m != nil {
		m.cryptoErrors.Inc()
	}
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *Metrics) stateChanged(state ConnectionState) {
	if m != nil {
		m.stateChanges.WithLabelValues(state.String()).Inc()
	}
}
