package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// bridge server.
type Metrics struct {
	FramesDecoded  prometheus.Counter
	FrameErrors    prometheus.Counter
	ResyncBytes    prometheus.Counter
	StrikesLogged  prometheus.Counter
	HeartbeatsSeen prometheus.Counter
	LowConfidence  prometheus.Counter
	PublishErrors  prometheus.Counter
	Connections    prometheus.Gauge
	KafkaEnabled   prometheus.Gauge
	AppendDuration prometheus.Histogram
	FramesPerRead  prometheus.Histogram
}

// NewMetrics creates and registers all bridge metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FramesDecoded,
		m.FrameErrors,
		m.ResyncBytes,
		m.StrikesLogged,
		m.HeartbeatsSeen,
		m.LowConfidence,
		m.PublishErrors,
		m.Connections,
		m.KafkaEnabled,
		m.AppendDuration,
		m.FramesPerRead,
	)
	return m
}

// NewMetricsForTesting creates Metrics without touching the default
// registry, avoiding "already registered" panics across tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "frames_decoded_total",
			Help:      "Total frames decoded from sink bridge streams.",
		}),
		FrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "frame_errors_total",
			Help:      "Total malformed frames encountered on bridge streams.",
		}),
		ResyncBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "resync_bytes_total",
			Help:      "Bytes discarded while resynchronizing corrupted streams.",
		}),
		StrikesLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "strikes_logged_total",
			Help:      "StrikeEvent records appended to the event log.",
		}),
		HeartbeatsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "heartbeats_seen_total",
			Help:      "Heartbeat frames observed (not persisted).",
		}),
		LowConfidence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "low_confidence_strikes_total",
			Help:      "Strike records whose timestamp was flagged low-confidence.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strike_mesh",
			Name:      "publish_errors_total",
			Help:      "Failed attempts to publish records to Kafka.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strike_mesh",
			Name:      "bridge_connections",
			Help:      "Currently connected sink bridges.",
		}),
		KafkaEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "strike_mesh",
			Name:      "kafka_enabled",
			Help:      "1 when Kafka publishing is enabled, 0 otherwise.",
		}),
		AppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strike_mesh",
			Name:      "append_duration_seconds",
			Help:      "Duration of one event log append.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		FramesPerRead: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strike_mesh",
			Name:      "frames_per_read",
			Help:      "Complete frames extracted per bridge socket read.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),
	}
}
