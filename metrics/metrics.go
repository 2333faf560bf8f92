// Package metrics exposes Prometheus collectors for the progression engine.
// Every method is safe on a nil receiver so components can run without
// metrics in tests.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type ProgressionMetrics struct {
	attempts          *prometheus.CounterVec
	rankUps           prometheus.Counter
	prestiges         prometheus.Counter
	achievements      *prometheus.CounterVec
	commitConflicts   prometheus.Counter
	commitFailures    *prometheus.CounterVec
	commitDuration    prometheus.Histogram
	currencyFlow      *prometheus.CounterVec
	idempotentReplays prometheus.Counter
}

var (
	progressionOnce     sync.Once
	progressionRegistry *ProgressionMetrics
)

// Progression returns the process-wide collectors, registering them on
// first use.
func Progression() *ProgressionMetrics {
	progressionOnce.Do(func() {
		progressionRegistry = &ProgressionMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "progression_attempts_total",
				Help: "Exercise attempts by result (passed, failed, rejected).",
			}, []string{"result"}),
			rankUps: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "progression_rank_ups_total",
				Help: "Rank thresholds crossed.",
			}),
			prestiges: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "progression_prestiges_total",
				Help: "Accepted prestige resets.",
			}),
			achievements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "progression_achievements_unlocked_total",
				Help: "Achievement unlocks by rarity.",
			}, []string{"rarity"}),
			commitConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "progression_commit_conflicts_total",
				Help: "Ledger commits rejected with a version conflict.",
			}),
			commitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "progression_commit_failures_total",
				Help: "Operations that surfaced a persistence failure, by operation.",
			}, []string{"op"}),
			commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "progression_commit_duration_seconds",
				Help:    "Latency of successful ledger commits.",
				Buckets: prometheus.DefBuckets,
			}),
			currencyFlow: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "progression_currency_flow_total",
				Help: "Absolute currency moved, by transaction reason.",
			}, []string{"reason"}),
			idempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "progression_idempotent_replays_total",
				Help: "Submissions answered from a stored receipt.",
			}),
		}
		prometheus.MustRegister(
			progressionRegistry.attempts,
			progressionRegistry.rankUps,
			progressionRegistry.prestiges,
			progressionRegistry.achievements,
			progressionRegistry.commitConflicts,
			progressionRegistry.commitFailures,
			progressionRegistry.commitDuration,
			progressionRegistry.currencyFlow,
			progressionRegistry.idempotentReplays,
		)
	})
	return progressionRegistry
}

func (m *ProgressionMetrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *ProgressionMetrics) ObserveRankUps(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rankUps.Add(float64(n))
}

func (m *ProgressionMetrics) ObservePrestige() {
	if m == nil {
		return
	}
	m.prestiges.Inc()
}

func (m *ProgressionMetrics) ObserveAchievement(rarity string) {
	if m == nil {
		return
	}
	if rarity == "" {
		rarity = "unknown"
	}
	m.achievements.WithLabelValues(rarity).Inc()
}

func (m *ProgressionMetrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.commitConflicts.Inc()
}

func (m *ProgressionMetrics) ObserveCommitFailure(op string) {
	if m == nil {
		return
	}
	m.commitFailures.WithLabelValues(op).Inc()
}

func (m *ProgressionMetrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commitDuration.Observe(d.Seconds())
}

func (m *ProgressionMetrics) ObserveCurrency(reason string, amount int64) {
	if m == nil || amount == 0 {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.currencyFlow.WithLabelValues(reason).Add(float64(amount))
}

func (m *ProgressionMetrics) ObserveReplay() {
	if m == nil {
		return
	}
	m.idempotentReplays.Inc()
}
