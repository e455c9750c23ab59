// Package observability exports Prometheus metrics for the upload pipeline.
package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ierrors "github.com/srebi/intake/internal/errors"
	"github.com/srebi/intake/pkg/types"
)

const namespace = "intake"

// Outcome labels for operations that did not fail with a taxonomy code.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics holds the collectors for one server. A nil *Metrics is valid and
// records nothing, so components can be built without metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	completedBytes  *prometheus.CounterVec
	partURLs        prometheus.Counter
	sessionsSwept   prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "operations_total",
			Help:      "Upload protocol operations by outcome.",
		}, []string{"operation", "outcome"}),
		completedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "completed_bytes_total",
			Help:      "Bytes of attachments recorded on incidents.",
		}, []string{"role"}),
		partURLs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "part_urls_issued_total",
			Help:      "Presigned part upload URLs issued.",
		}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Abandoned upload sessions aborted by the sweeper.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		m.operations,
		m.completedBytes,
		m.partURLs,
		m.sessionsSwept,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one orchestrator operation. Failures are labelled
// with their error code so rejections can be told apart from outages.
func (m *Metrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Outcome(err)).Inc()
}

// RecordCompletedBytes adds the size of a newly recorded attachment.
func (m *Metrics) RecordCompletedBytes(role types.Role, size int64) {
	if m == nil || size <= 0 {
		return
	}
	m.completedBytes.WithLabelValues(string(role)).Add(float64(size))
}

// RecordPartURL counts one presigned part URL.
func (m *Metrics) RecordPartURL() {
	if m == nil {
		return
	}
	m.partURLs.Inc()
}

// RecordSwept counts sessions removed by a sweep.
func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsSwept.Add(float64(n))
}

// ObserveRequest records the latency of one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Outcome converts an operation result into a metric label.
func Outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if code := ierrors.GetCode(err); code != "" {
		return strings.ToLower(code)
	}
	return OutcomeError
}
