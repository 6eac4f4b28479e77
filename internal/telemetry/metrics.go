package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meetbet"

// Metrics collects gateway and store metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	connections prometheus.Gauge
	intents     *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	frames      *prometheus.CounterVec
	dropped     prometheus.Counter
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Number of open websocket connections.",
		}),
		intents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Client intents applied, by event.",
		}, []string{"event"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_rejected_total",
			Help:      "Client frames rejected at decoding or by the store, by reason.",
		}, []string{"reason"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames queued to connections, by event.",
		}, []string{"event"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_connections_dropped_total",
			Help:      "Connections closed because their send buffer was full.",
		}),
	}
}

// RegisterSessions exposes the number of sessions held by the store.
func RegisterSessions(reg prometheus.Registerer, count func() int) {
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Number of sessions held in memory.",
	}, func() float64 {
		return float64(count())
	})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) IntentApplied(event string) {
	if m != nil {
		m.intents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) IntentRejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FramesSent(event string, n int) {
	if m != nil && n > 0 {
		m.frames.WithLabelValues(event).Add(float64(n))
	}
}

func (m *Metrics) ConnDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
