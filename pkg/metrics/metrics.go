// Package metrics exposes the synchronizer's Prometheus collectors. Every
// method is safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/ebmlabs/samplesync/pkg/lims"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "samplesync"

const (
	OutcomeOK         = "ok"
	OutcomeRetry      = "retry"
	OutcomeFailed     = "failed"
	OutcomeNotFound   = "not_found"
	OutcomeTransport  = "transport_error"
	OutcomeValidation = "validation_error"
	OutcomeError      = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	queueItems    *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	imported      *prometheus.CounterVec
	limsRequests  *prometheus.CounterVec
	limsDurations *prometheus.HistogramVec
	webhooks      *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry, together with the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_processed_total",
			Help:      "Sync queue items processed, by direction and outcome.",
		}, []string{"direction", "outcome"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts between local and LIMS edits, by winning side.",
		}, []string{"winner"}),
		imported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_records_total",
			Help:      "Records handled by full imports, by outcome.",
		}, []string{"outcome"}),
		limsRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lims_requests_total",
			Help:      "Requests made to the LIMS, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		limsDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lims_request_duration_seconds",
			Help:      "Latency of LIMS requests, by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "LIMS notifications received, by event type.",
		}, []string{"event_type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueItems,
		m.conflicts,
		m.imported,
		m.limsRequests,
		m.limsDurations,
		m.webhooks,
	)

	return m
}

// Registry is exposed for tests and for registering extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLIMSRequest implements lims.Observer.
func (m *Metrics) ObserveLIMSRequest(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.limsRequests.WithLabelValues(operation, limsOutcome(err)).Inc()
	m.limsDurations.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) QueueItemProcessed(direction, outcome string) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) ConflictResolved(winner string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(winner).Inc()
}

func (m *Metrics) RecordImported(outcome string) {
	if m == nil {
		return
	}
	m.imported.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookReceived(eventType string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(eventType).Inc()
}

func limsOutcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, lims.ErrNotFound) {
		return OutcomeNotFound
	}
	var te *lims.TransportError
	if errors.As(err, &te) {
		return OutcomeTransport
	}
	var ve *lims.ValidationError
	if errors.As(err, &ve) {
		return OutcomeValidation
	}
	return OutcomeError
}
