package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alertengine"

// Metrics holds all the Prometheus metrics for the alert engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsIngested      *prometheus.CounterVec
	EventsInvalid       prometheus.Counter
	EventsRequeued      prometheus.Counter
	RulesEvaluated      prometheus.Counter
	RulesLoaded         prometheus.Gauge
	RulesOverrides      prometheus.Gauge
	CorrelationResults  *prometheus.CounterVec
	DuplicateFirings    prometheus.Counter
	EvaluationDuration  prometheus.Histogram
	FindingsPersisted   prometheus.Counter
	FindingsPending     prometheus.Gauge
	SinkRetries         prometheus.Counter
	Notifications       *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	LiveSubscribers     prometheus.Gauge
	CacheRequests       *prometheus.CounterVec
	CacheEvictions      *prometheus.CounterVec
	ShardQueueDepth     *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of events accepted for correlation",
		}, []string{"category"}),
		EventsInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_invalid_total",
			Help:      "Total number of invalid events rejected",
		}),
		EventsRequeued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_requeued_total",
			Help:      "Total number of events handed back for redelivery after an infrastructure failure",
		}),
		RulesEvaluated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_evaluated_total",
			Help:      "Total number of rule evaluations",
		}),
		RulesLoaded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_loaded",
			Help:      "Number of enabled rules in the active catalog",
		}),
		RulesOverrides: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rules_overrides",
			Help:      "Number of active runtime rule overrides",
		}),
		CorrelationResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_results_total",
			Help:      "Total number of rule firings",
		}, []string{"rule_id", "severity"}),
		DuplicateFirings: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_firings_total",
			Help:      "Rule firings suppressed because the trigger already fired the rule",
		}),
		EvaluationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one event against the catalog",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		FindingsPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_persisted_total",
			Help:      "Total number of correlated findings written to the sink",
		}),
		FindingsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "findings_pending",
			Help:      "Findings waiting for the sink to become available",
		}),
		SinkRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finding_sink_retries_total",
			Help:      "Total number of failed finding sink attempts",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dispatched_total",
			Help:      "Channel deliveries by outcome",
		}, []string{"channel", "outcome"}),
		Escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_escalations_total",
			Help:      "Notifications whose channel set was widened by priority",
		}, []string{"priority"}),
		LiveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscribers",
			Help:      "Currently connected live channel subscribers",
		}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache and result",
		}, []string{"cache", "result"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Expired cache entries purged",
		}, []string{"cache"}),
		ShardQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_queue_depth",
			Help:      "Pending batches per ingest shard",
		}, []string{"shard"}),
	}
}

// IncEventsIngested increments the ingested events counter
func (m *Metrics) IncEventsIngested(category string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(category).Inc()
}

// IncEventsInvalid increments the invalid events counter
func (m *Metrics) IncEventsInvalid() {
	if m == nil {
		return
	}
	m.EventsInvalid.Inc()
}

// IncEventsRequeued increments the requeued events counter
func (m *Metrics) IncEventsRequeued() {
	if m == nil {
		return
	}
	m.EventsRequeued.Inc()
}

// IncRulesEvaluated increments the rules evaluated counter
func (m *Metrics) IncRulesEvaluated() {
	if m == nil {
		return
	}
	m.RulesEvaluated.Inc()
}

// SetRulesLoaded sets the loaded rules gauge
func (m *Metrics) SetRulesLoaded(n int) {
	if m == nil {
		return
	}
	m.RulesLoaded.Set(float64(n))
}

// SetRulesOverrides sets the active overrides gauge
func (m *Metrics) SetRulesOverrides(n int) {
	if m == nil {
		return
	}
	m.RulesOverrides.Set(float64(n))
}

// IncCorrelationResult records a rule firing
func (m *Metrics) IncCorrelationResult(ruleID, severity string) {
	if m == nil {
		return
	}
	m.CorrelationResults.WithLabelValues(ruleID, severity).Inc()
}

// IncDuplicateFirings records a suppressed firing
func (m *Metrics) IncDuplicateFirings() {
	if m == nil {
		return
	}
	m.DuplicateFirings.Inc()
}

// ObserveEvaluation records how long an event evaluation took
func (m *Metrics) ObserveEvaluation(d time.Duration) {
	if m == nil {
		return
	}
	m.EvaluationDuration.Observe(d.Seconds())
}

// IncFindingsPersisted increments the persisted findings counter
func (m *Metrics) IncFindingsPersisted() {
	if m == nil {
		return
	}
	m.FindingsPersisted.Inc()
}

// SetFindingsPending sets the pending findings gauge
func (m *Metrics) SetFindingsPending(n int) {
	if m == nil {
		return
	}
	m.FindingsPending.Set(float64(n))
}

// IncSinkRetries increments the sink retry counter
func (m *Metrics) IncSinkRetries() {
	if m == nil {
		return
	}
	m.SinkRetries.Inc()
}

// IncNotification records one channel delivery outcome
func (m *Metrics) IncNotification(channel string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}

// IncEscalation records a priority escalation
func (m *Metrics) IncEscalation(priority string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(priority).Inc()
}

// SetLiveSubscribers sets the live subscribers gauge
func (m *Metrics) SetLiveSubscribers(n int) {
	if m == nil {
		return
	}
	m.LiveSubscribers.Set(float64(n))
}

// SetShardQueueDepth sets the queue depth gauge for a shard
func (m *Metrics) SetShardQueueDepth(shard string, n int) {
	if m == nil {
		return
	}
	m.ShardQueueDepth.WithLabelValues(shard).Set(float64(n))
}

// CacheHit implements cache.Observer
func (m *Metrics) CacheHit(name string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(name, "hit").Inc()
}

// CacheMiss implements cache.Observer
func (m *Metrics) CacheMiss(name string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(name, "miss").Inc()
}

// CacheEvicted implements cache.Observer
func (m *Metrics) CacheEvicted(name string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(name).Add(float64(n))
}
