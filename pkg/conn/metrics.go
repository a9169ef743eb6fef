package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every connection of a driver instance.
type Metrics struct {
	opened    *prometheus.CounterVec
	closed    *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
	duration  *prometheus.HistogramVec
	malformed prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		opened: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_connections_opened_total",
			Help:      "Connections successfully established, per node.",
		}, []string{"node"}),
		closed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_connections_closed_total",
			Help:      "Connections closed, per node.",
		}, []string{"node"}),
		inflight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cql",
			Name:      "driver_inflight_requests",
			Help:      "Requests currently awaiting a response, per node.",
		}, []string{"node"}),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cql",
			Name:      "driver_request_duration_seconds",
			Help:      "Duration of request/response exchanges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node"}),
		malformed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "cql",
			Name:      "driver_malformed_frames_total",
			Help:      "Frames that failed to decode, forcing a connection close.",
		}),
	}
}
