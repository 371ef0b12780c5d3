package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrelay",
			Subsystem: "pipeline",
			Name:      "notifications_total",
			Help:      "Keyspace notifications received, by classified kind.",
		}, []string{"kind"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrelay",
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Dispatch attempts by delivery type and outcome.",
		}, []string{"type", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pushrelay",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent delivering one packet.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"},
	)
	watermarkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pushrelay",
			Subsystem: "dispatch",
			Name:      "watermark_failures_total",
			Help:      "Watermark updates the store did not acknowledge.",
		},
	)
	clockOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pushrelay",
			Subsystem: "clock",
			Name:      "offset_milliseconds",
			Help:      "Smoothed offset between the authoritative clock and this instance.",
		},
	)
	clockLatency = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pushrelay",
			Subsystem: "clock",
			Name:      "latency_milliseconds",
			Help:      "Smoothed sync round-trip latency.",
		},
	)
	clockSamples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrelay",
			Subsystem: "clock",
			Name:      "samples_total",
			Help:      "Sync samples by result (accepted or discarded).",
		}, []string{"result"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrelay",
			Subsystem: "gate",
			Name:      "handshakes_total",
			Help:      "Handshake results.",
		}, []string{"result"},
	)
	connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pushrelay",
			Subsystem: "gate",
			Name:      "connections",
			Help:      "Authenticated channels currently registered.",
		},
	)
	watchLogWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pushrelay",
			Subsystem: "watchlog",
			Name:      "writes_total",
			Help:      "Watch-log writes by sink and result.",
		}, []string{"sink", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		notifications, dispatches, dispatchDuration, watermarkFailures,
		clockOffset, clockLatency, clockSamples, handshakes, connections, watchLogWrites,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncNotification(kind string) {
	if regOK.Load() {
		notifications.WithLabelValues(kind).Inc()
	}
}

func IncDispatch(deliveryType, outcome string) {
	if regOK.Load() {
		dispatches.WithLabelValues(deliveryType, outcome).Inc()
	}
}

func ObserveDispatch(deliveryType string, seconds float64) {
	if regOK.Load() {
		dispatchDuration.WithLabelValues(deliveryType).Observe(seconds)
	}
}

func IncWatermarkFailure() {
	if regOK.Load() {
		watermarkFailures.Inc()
	}
}

func SetClock(offset, latency float64) {
	if regOK.Load() {
		clockOffset.Set(offset)
		clockLatency.Set(latency)
	}
}

func IncClockSample(accepted bool) {
	if regOK.Load() {
		result := "discarded"
		if accepted {
			result = "accepted"
		}
		clockSamples.WithLabelValues(result).Inc()
	}
}

func IncHandshake(result string) {
	if regOK.Load() {
		handshakes.WithLabelValues(result).Inc()
	}
}

func SetConnections(n int) {
	if regOK.Load() {
		connections.Set(float64(n))
	}
}

func IncWatchLogWrite(sink string, err error) {
	if regOK.Load() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		watchLogWrites.WithLabelValues(sink, result).Inc()
	}
}
