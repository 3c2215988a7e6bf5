package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AuthMetrics records request authentication outcomes. It satisfies the
// auth package's Observer interface.
type AuthMetrics struct {
	checks     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	chunks     *prometheus.CounterVec
	chunkBytes prometheus.Counter
}

// NewAuthMetrics registers authentication metrics on reg.
func NewAuthMetrics(reg *prometheus.Registry) *AuthMetrics {
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "checks_total",
		Help:      "Signature checks by scheme and result (ok, anonymous or an S3 error code).",
	}, []string{"scheme", "result"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "check_duration_seconds",
		Help:      "Time spent verifying a request signature, including any buffered body read.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"scheme"})
	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "chunks_total",
		Help:      "aws-chunked body chunks by verification result.",
	}, []string{"result"})
	chunkBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "chunk_bytes_total",
		Help:      "Decoded payload bytes from verified aws-chunked chunks.",
	})

	_ = reg.Register(checks)
	_ = reg.Register(latency)
	_ = reg.Register(chunks)
	_ = reg.Register(chunkBytes)

	return &AuthMetrics{
		checks:     checks,
		latency:    latency,
		chunks:     chunks,
		chunkBytes: chunkBytes,
	}
}

// ObserveCheck records one signature check.
func (m *AuthMetrics) ObserveCheck(scheme, result string, elapsed time.Duration) {
	m.checks.WithLabelValues(scheme, result).Inc()
	m.latency.WithLabelValues(scheme).Observe(elapsed.Seconds())
}

// ObserveChunk records one decoded chunk or the error that ended the stream.
func (m *AuthMetrics) ObserveChunk(bytes int, err error) {
	if err != nil {
		m.chunks.WithLabelValues("error").Inc()
		return
	}
	m.chunks.WithLabelValues("ok").Inc()
	m.chunkBytes.Add(float64(bytes))
}
