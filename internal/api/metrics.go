package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conduit_http_requests_total",
			Help: "HTTP requests served by the control API, by route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	// Event streams are excluded; their duration is the client's session.
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conduit_http_request_duration_seconds",
			Help:    "Latency of non-streaming control API requests.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	sseStreamsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conduit_sse_streams_active",
			Help: "Open server-sent event streams, by event kind.",
		},
		[]string{"stream"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, sseStreamsActive)
}

// metricsMiddleware counts every request and times the ones that are not
// event streams. Labels use the chi route pattern so ids do not explode
// cardinality.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := matchedRoute(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if !strings.HasPrefix(ww.Header().Get("Content-Type"), "text/event-stream") {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func matchedRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// trackStream marks an event stream open until the returned func is called.
func trackStream(kind string) func() {
	g := sseStreamsActive.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
