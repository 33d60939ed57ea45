package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Frames exchanged with runtime processes.",
		},
		[]string{"runtime", "direction", "control"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped after retries or protocol errors.",
		},
		[]string{"runtime", "reason"},
	)
	channelOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: "router",
			Name:      "channel_ops_total",
			Help:      "Channel open/close/cleanup operations.",
		},
		[]string{"op", "success"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Data frames delivered to module channels.",
		},
		[]string{"path"},
	)
	routingAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: "router",
			Name:      "unmatched_total",
			Help:      "Inbound messages that matched no open channel.",
		},
	)
	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silverline",
			Subsystem: "orchestrator",
			Name:      "admissions_total",
			Help:      "Module admission decisions by outcome.",
		},
		[]string{"outcome"},
	)
	modulesAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "silverline",
			Subsystem: "registry",
			Name:      "modules_alive",
			Help:      "Modules currently hosted per runtime.",
		},
		[]string{"runtime"},
	)
	registrations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "silverline",
			Subsystem: "bus",
			Name:      "registration_duration_seconds",
			Help:      "Registration round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(frames, framesDropped, channelOps, deliveries,
			routingAnomalies, admissions, modulesAlive, registrations)
	})
}

func RecordFrame(runtime, direction string, control bool) {
	RegisterMetrics()
	frames.WithLabelValues(runtime, direction, strconv.FormatBool(control)).Inc()
}

func RecordFrameDropped(runtime, reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(runtime, reason).Inc()
}

func RecordChannelOp(op string, err error) {
	RegisterMetrics()
	channelOps.WithLabelValues(op, strconv.FormatBool(err == nil)).Inc()
}

func RecordDeliveries(path string, n int) {
	RegisterMetrics()
	if n <= 0 {
		return
	}
	deliveries.WithLabelValues(path).Add(float64(n))
}

func RecordRoutingAnomaly() {
	RegisterMetrics()
	routingAnomalies.Inc()
}

func RecordAdmission(outcome string) {
	RegisterMetrics()
	admissions.WithLabelValues(outcome).Inc()
}

func SetModulesAlive(runtime string, n int) {
	RegisterMetrics()
	modulesAlive.WithLabelValues(runtime).Set(float64(n))
}

func RecordRegistration(kind string, duration time.Duration, err error) {
	RegisterMetrics()
	registrations.WithLabelValues(kind, strconv.FormatBool(err == nil)).Observe(duration.Seconds())
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return RequestLogger(promhttp.Handler())
}
