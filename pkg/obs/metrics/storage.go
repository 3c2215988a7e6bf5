package metrics

import (
	"context"
	"errors"
	"io/fs"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"s3gate/pkg/security/sigv4"
	"s3gate/pkg/storage"
)

// StorageMetrics implements storage.Observer. Object bytes are split by
// direction: "in" for committed uploads, "out" for opened downloads.
type StorageMetrics struct {
	ops      *prometheus.CounterVec
	objBytes *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var _ storage.Observer = (*StorageMetrics)(nil)

// NewStorageMetrics registers the storage collectors on reg.
func NewStorageMetrics(reg *prometheus.Registry) *StorageMetrics {
	m := &StorageMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "ops_total",
			Help:      "Object store operations by outcome.",
		}, []string{"op", "result"}),
		objBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "object_bytes_total",
			Help:      "Object payload bytes moved through the object store.",
		}, []string{"direction"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "op_duration_seconds",
			Help:      "Object store operation latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"op"}),
	}
	reg.MustRegister(m.ops, m.objBytes, m.latency)
	return m
}

func (m *StorageMetrics) Observe(op string, n int64, err error, dur time.Duration) {
	result := storageResult(err)
	m.ops.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(dur.Seconds())
	if result != "ok" || n <= 0 {
		return
	}
	switch op {
	case "put":
		m.objBytes.WithLabelValues("in").Add(float64(n))
	case "get":
		m.objBytes.WithLabelValues("out").Add(float64(n))
	}
}

// storageResult folds an operation error into a bounded label value. A put
// cut short by a rejected aws-chunked body is reported apart from disk errors.
func storageResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case sigv4.IsStreamError(err):
		return "stream_rejected"
	case errors.Is(err, fs.ErrNotExist):
		return "not_found"
	case errors.Is(err, storage.ErrInvalidPath):
		return "invalid_path"
	case errors.Is(err, storage.ErrBucketNotEmpty):
		return "bucket_not_empty"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
