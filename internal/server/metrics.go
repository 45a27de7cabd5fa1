package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ayusman/mudra/internal/tracking"
)

const metricsNamespace = "mudra"

// MetricsSource reports the values exported on /metrics.
type MetricsSource interface {
	Stats() tracking.Stats
	IsReady() bool
	Enabled() bool
}

// NewMetricsHandler serves src's counters in the Prometheus text format.
// clients may be nil when no WebSocket endpoint is registered.
func NewMetricsHandler(src MetricsSource, clients func() int) http.Handler {
	registry := prometheus.NewRegistry()

	counter := func(name, help string, value func(tracking.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			return float64(value(src.Stats()))
		})
	}
	gauge := func(name, help string, value func() bool) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			if value() {
				return 1
			}
			return 0
		})
	}

	registry.MustRegister(
		counter("frames_seen_total", "Frames read from the capture stream.",
			func(s tracking.Stats) uint64 { return s.FramesSeen }),
		counter("frames_sent_total", "Frames sent to the detection model.",
			func(s tracking.Stats) uint64 { return s.FramesSent }),
		counter("frames_skipped_total", "Frames skipped while not ready, busy or gated.",
			func(s tracking.Stats) uint64 { return s.FramesSkipped }),
		counter("send_errors_total", "Frames the model failed to accept.",
			func(s tracking.Stats) uint64 { return s.SendErrors }),
		counter("results_total", "Landmark results received from the model.",
			func(s tracking.Stats) uint64 { return s.Results }),
		gauge("model_loaded", "Whether the detection model is configured.",
			func() bool { return src.Stats().ModelLoaded }),
		gauge("capture_ready", "Whether a capture stream is bound.", src.IsReady),
		gauge("detection_enabled", "Whether detection is enabled.", src.Enabled),
	)

	if clients != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_clients",
			Help:      "Connected landmark WebSocket clients.",
		}, func() float64 {
			return float64(clients())
		}))
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
