// Package metrics exposes Prometheus counters for the share service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examlink_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examlink_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2},
		},
		[]string{"method", "route"},
	)

	// Shares counts successful encodes by channel and compaction level.
	Shares = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examlink_shares_total",
			Help: "Exams encoded, by channel and compaction level",
		},
		[]string{"channel", "level"},
	)

	// CodeLength tracks the length of produced codes.
	CodeLength = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "examlink_code_length_chars",
			Help:    "Length of encoded exam codes",
			Buckets: []float64{500, 1000, 2000, 4000, 8000, 16000, 64000},
		},
		[]string{"channel"},
	)

	// Failures counts packaging errors by kind.
	Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "examlink_failures_total",
			Help: "Packaging errors by operation and kind",
		},
		[]string{"op", "kind"},
	)
)

// Init registers all collectors with the default registry.
func Init() {
	prometheus.MustRegister(RequestCounter, RequestDuration, Shares, CodeLength, Failures)
}

// Middleware records request count and duration under the matched chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
