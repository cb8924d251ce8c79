package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upscalerd",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upscalerd",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	sessionRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upscalerd",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Requests served by the worker session, by response status.",
		},
		[]string{"mode", "status"},
	)
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upscalerd",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Wall time from frame read to response write.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)
	engineImages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upscalerd",
			Subsystem: "engine",
			Name:      "images_total",
			Help:      "Images handed to an upscaler, by outcome.",
		},
		[]string{"engine", "success"},
	)
	engineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upscalerd",
			Subsystem: "engine",
			Name:      "image_duration_seconds",
			Help:      "Per-image upscale duration in seconds.",
			Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"engine"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upscalerd",
			Subsystem: "frame",
			Name:      "errors_total",
			Help:      "Frame-level read failures.",
		},
		[]string{"reason"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upscalerd",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions between Ready and Closed.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionRequests, sessionDuration,
			engineImages, engineDuration,
			frameErrors, activeSessions,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRequest counts one served request. status is the response status
// name (e.g. "ok", "bad_magic").
func RecordRequest(mode, status string, duration time.Duration) {
	RegisterMetrics()
	sessionRequests.WithLabelValues(mode, status).Inc()
	sessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordImage(engine string, duration time.Duration, success bool) {
	RegisterMetrics()
	engineImages.WithLabelValues(engine, strconv.FormatBool(success)).Inc()
	engineDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

func RecordFrameError(reason string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(reason).Inc()
}

func SessionOpened() {
	RegisterMetrics()
	activeSessions.Inc()
}

func SessionClosed() {
	RegisterMetrics()
	activeSessions.Dec()
}
