package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	EventOutcomeApplied   = "applied"
	EventOutcomeDuplicate = "duplicate"
	EventOutcomeNoop      = "noop"
	EventOutcomeRejected  = "rejected"
	EventOutcomeFailed    = "failed"
)

const (
	ActionOutcomePlanned   = "planned"
	ActionOutcomeSucceeded = "succeeded"
	ActionOutcomeFailed    = "failed"
)

// RewardMetrics tracks entitlement mutations and consistency findings.
type RewardMetrics struct {
	assignmentsGranted    *prometheus.CounterVec
	assignmentsRevoked    *prometheus.CounterVec
	assignmentsExpired    prometheus.Counter
	eventsProcessed       *prometheus.CounterVec
	eventDuration         *prometheus.HistogramVec
	reconciliationActions *prometheus.CounterVec
	driftFindings         *prometheus.CounterVec
	moduleFailures        *prometheus.CounterVec
}

var (
	rewardMetricsOnce sync.Once
	rewardMetrics     *RewardMetrics
)

// Rewards returns the singleton reward metrics registry.
func Rewards() *RewardMetrics {
	return RewardsWithConfig(Config{})
}

func RewardsWithConfig(cfg Config) *RewardMetrics {
	rewardMetricsOnce.Do(func() {
		rewardMetrics = newRewardMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return rewardMetrics
}

// ResetRewardMetricsForTest swaps the singleton for one backed by a private registry.
func ResetRewardMetricsForTest() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	rewardMetricsOnce = sync.Once{}
	rewardMetricsOnce.Do(func() {
		rewardMetrics = newRewardMetrics(registry, Config{Environment: "test"})
	})
	return registry
}

func newRewardMetrics(registerer prometheus.Registerer, cfg Config) *RewardMetrics {
	constLabels := cfg.constLabels()

	m := &RewardMetrics{
		assignmentsGranted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_assignments_granted_total",
			Help:        "Reward assignments created, by provider and origin.",
			ConstLabels: constLabels,
		}, []string{"provider", "origin"}),
		assignmentsRevoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_assignments_revoked_total",
			Help:        "Reward assignments revoked, by provider.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
		assignmentsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "rewardsync_assignments_expired_total",
			Help:        "Reward assignments expired by the time sweep.",
			ConstLabels: constLabels,
		}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_events_processed_total",
			Help:        "Reward events processed, by provider and outcome.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rewardsync_event_duration_seconds",
			Help:        "Latency of reward event processing.",
			Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			ConstLabels: constLabels,
		}, []string{"provider"}),
		reconciliationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_reconciliation_actions_total",
			Help:        "Reconciliation actions, by action type and outcome.",
			ConstLabels: constLabels,
		}, []string{"action", "outcome"}),
		driftFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_drift_findings_total",
			Help:        "Drift findings, by provider and category.",
			ConstLabels: constLabels,
		}, []string{"provider", "category"}),
		moduleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_module_failures_total",
			Help:        "Reward module apply/revoke failures.",
			ConstLabels: constLabels,
		}, []string{"module", "operation"}),
	}

	registerer.MustRegister(
		m.assignmentsGranted,
		m.assignmentsRevoked,
		m.assignmentsExpired,
		m.eventsProcessed,
		m.eventDuration,
		m.reconciliationActions,
		m.driftFindings,
		m.moduleFailures,
	)
	return m
}

func (m *RewardMetrics) IncGranted(provider, origin string) {
	if m == nil {
		return
	}
	m.assignmentsGranted.WithLabelValues(provider, origin).Inc()
}

func (m *RewardMetrics) IncRevoked(provider string) {
	if m == nil {
		return
	}
	m.assignmentsRevoked.WithLabelValues(provider).Inc()
}

func (m *RewardMetrics) AddExpired(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.assignmentsExpired.Add(float64(count))
}

// ObserveEvent records the outcome and latency of one processed event.
func (m *RewardMetrics) ObserveEvent(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(provider, outcome).Inc()
	m.eventDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *RewardMetrics) IncReconciliationAction(action, outcome string) {
	if m == nil {
		return
	}
	m.reconciliationActions.WithLabelValues(action, outcome).Inc()
}

func (m *RewardMetrics) AddDriftFindings(provider, category string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.driftFindings.WithLabelValues(provider, category).Add(float64(count))
}

func (m *RewardMetrics) IncModuleFailure(module, operation string) {
	if m == nil {
		return
	}
	m.moduleFailures.WithLabelValues(module, operation).Inc()
}
