package graphstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "graphstore"

// Metrics are the Prometheus collectors of a Storage. A nil *Metrics records
// nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	documents  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil. Several storages may share one Metrics; they are told apart by
// the storage label.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Storage operations by kind.",
		}, []string{"storage", "op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operation_failures_total",
			Help:      "Storage operations that returned an error.",
		}, []string{"storage", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Time spent in storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"storage", "op"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "documents_total",
			Help:      "Documents written or deleted.",
		}, []string{"storage", "action"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.operations, m.failures, m.duration, m.documents} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// observe records one finished operation.
func (m *Metrics) observe(storage, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(storage, op).Inc()
	m.duration.WithLabelValues(storage, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.failures.WithLabelValues(storage, op).Inc()
	}
}

func (m *Metrics) written(storage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.documents.WithLabelValues(storage, "write").Add(float64(n))
}

func (m *Metrics) deleted(storage string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.documents.WithLabelValues(storage, "delete").Add(float64(n))
}
