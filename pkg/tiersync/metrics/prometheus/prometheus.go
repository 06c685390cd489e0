package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

// Metrics implements tiersync.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal    *prometheus.CounterVec
	webhookDuration       *prometheus.HistogramVec
	dispatchTotal         *prometheus.CounterVec
	staleEventsTotal      *prometheus.CounterVec
	tierChangesTotal      *prometheus.CounterVec
	rateLimitChecksTotal  *prometheus.CounterVec
	unlimitedBypassTotal  *prometheus.CounterVec
	accessChecksTotal     *prometheus.CounterVec
	storeOpsDuration      *prometheus.HistogramVec
	storeOpsErrors        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation registered on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Total number of webhook deliveries by type and result.",
		}, []string{"event_type", "result"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_handling_duration_seconds",
			Help:      "End-to-end webhook handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of state-machine dispatch attempts.",
		}, []string{"event_type", "outcome"}),

		staleEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Events rejected by the out-of-order guard.",
		}, []string{"event_type"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_changes_total",
			Help:      "Reconciled tier transitions.",
		}, []string{"from", "to"}),

		rateLimitChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Rate-limit decisions by identity kind.",
		}, []string{"kind", "allowed"}),

		unlimitedBypassTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_unlimited_bypass_total",
			Help:      "Checks short-circuited by an unlimited tier.",
		}, []string{"kind"}),

		accessChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_checks_total",
			Help:      "TierGate decisions per feature.",
		}, []string{"feature", "allowed"}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of store operation errors.",
		}, []string{"operation"}),
	}
}

// DefaultMetrics creates metrics registered on the default Prometheus registry.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordWebhookEvent(eventType, result string) {
	m.webhookEventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordWebhookDuration(eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordDispatch(eventType string, outcome tiersync.Outcome) {
	m.dispatchTotal.WithLabelValues(eventType, string(outcome)).Inc()
}

func (m *Metrics) RecordStaleEvent(eventType string) {
	m.staleEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordTierChange(from, to tiersync.Tier) {
	m.tierChangesTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordRateLimitCheck(kind tiersync.IdentityKind, allowed bool) {
	m.rateLimitChecksTotal.WithLabelValues(string(kind), strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordUnlimitedBypass(kind tiersync.IdentityKind) {
	m.unlimitedBypassTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RecordAccessCheck(feature string, allowed bool) {
	m.accessChecksTotal.WithLabelValues(feature, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}
