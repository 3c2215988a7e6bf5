package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "s3gate"

// Metrics owns the gateway's Prometheus registry and the HTTP-level
// collectors. Subsystem metrics (auth, storage) register on Registry().
type Metrics struct {
	reg      *prometheus.Registry
	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	sent     *prometheus.CounterVec
}

// New creates a Metrics instance with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of inflight HTTP requests.",
	})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by status code, method and S3 resource level.",
	}, []string{"code", "method", "op"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of latencies for HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "op"})
	sent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "response_bytes_total",
		Help:      "Response body bytes written.",
	}, []string{"op"})

	reg.MustRegister(inflight, requests, latency, sent)

	return &Metrics{
		reg:      reg,
		inflight: inflight,
		requests: requests,
		latency:  latency,
		sent:     sent,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry for subsystem collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// opLabel buckets a path-style S3 request by resource level so label
// cardinality stays fixed: "service" (/), "bucket" (/b) or "object" (/b/k).
func opLabel(path string) string {
	p := strings.TrimPrefix(path, "/")
	switch {
	case p == "":
		return "service"
	case !strings.Contains(strings.TrimSuffix(p, "/"), "/"):
		return "bucket"
	}
	return "object"
}

// Middleware records inflight requests, request counts, latency and
// response bytes for next.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		op := opLabel(r.URL.Path)
		m.requests.WithLabelValues(strconv.Itoa(rec.status), r.Method, op).Inc()
		m.latency.WithLabelValues(r.Method, op).Observe(time.Since(start).Seconds())
		m.sent.WithLabelValues(op).Add(float64(rec.bytes))
	})
}
