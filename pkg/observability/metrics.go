package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the permission authority
type Metrics struct {
	// Authorization decisions
	DecisionsTotal   *prometheus.CounterVec
	DecisionDuration *prometheus.HistogramVec

	// Admin mutations
	MutationsTotal *prometheus.CounterVec

	// Visibility resolution
	VisibleSetSize      prometheus.Histogram
	IntegrityViolations prometheus.Counter
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheInvalidations  *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
// A nil registry leaves the collectors unregistered.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unis_authz_decisions_total",
				Help: "Total number of authorization decisions",
			},
			[]string{"action", "result"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "unis_authz_decision_duration_seconds",
				Help:    "Authorization decision duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"action"},
		),
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unis_permission_mutations_total",
				Help: "Total number of permission admin mutations",
			},
			[]string{"operation", "status"},
		),
		VisibleSetSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "unis_visible_owners_size",
				Help:    "Number of owners visible to an actor per resolution",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		IntegrityViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "unis_hierarchy_integrity_violations_total",
				Help: "Total number of hierarchy integrity violations found during traversal",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unis_visibility_cache_hits_total",
				Help: "Total number of visibility cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unis_visibility_cache_misses_total",
				Help: "Total number of visibility cache misses",
			},
			[]string{"cache_type"},
		),
		CacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "unis_visibility_cache_invalidations_total",
				Help: "Total number of visibility cache invalidations",
			},
			[]string{"cache_type", "scope"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.DecisionsTotal,
			m.DecisionDuration,
			m.MutationsTotal,
			m.VisibleSetSize,
			m.IntegrityViolations,
			m.CacheHitsTotal,
			m.CacheMissesTotal,
			m.CacheInvalidations,
		)
	}

	return m
}

// RecordDecision records an authorization outcome
func (m *Metrics) RecordDecision(action string, allowed bool, seconds float64) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.DecisionsTotal.WithLabelValues(action, result).Inc()
	m.DecisionDuration.WithLabelValues(action).Observe(seconds)
}

// RecordDecisionError records a decision that failed with an error
func (m *Metrics) RecordDecisionError(action string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action, "error").Inc()
}

// RecordMutation records an admin mutation outcome
func (m *Metrics) RecordMutation(operation, status string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordVisibleSet records the size of a freshly resolved visible set
func (m *Metrics) RecordVisibleSet(size int) {
	if m == nil {
		return
	}
	m.VisibleSetSize.Observe(float64(size))
}

// RecordIntegrityViolation counts a corrupted hierarchy traversal
func (m *Metrics) RecordIntegrityViolation() {
	if m == nil {
		return
	}
	m.IntegrityViolations.Inc()
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheInvalidation records an invalidation; scope is "actor" or "all"
func (m *Metrics) RecordCacheInvalidation(cacheType, scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidations.WithLabelValues(cacheType, scope).Inc()
}
