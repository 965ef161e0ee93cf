package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// labels: granularity, status (acquired/timeout/conflict/deadlock/native/closed/canceled)
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_coordinator_acquire_total",
			Help: "total number of lock acquisition attempts by outcome",
		},
		[]string{"granularity", "status"},
	)

	LockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_coordinator_release_total",
			Help: "total number of released locks",
		},
		[]string{"granularity"},
	)

	// should stay close to zero, a climbing value means cyclic lock ordering in callers
	DeadlockTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_coordinator_deadlock_total",
			Help: "total number of wait-for cycles detected",
		},
	)

	ExpiredLockTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lock_coordinator_expired_lock_total",
			Help: "total number of locks released by the expiry sweep",
		},
	)

	LocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_coordinator_locks_active",
			Help: "current number of granted locks",
		},
	)

	RequestsWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_coordinator_requests_waiting",
			Help: "current number of queued lock requests",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lock_coordinator_sessions_active",
			Help: "current number of active sessions",
		},
	)

	// time spent in the wait queue, 1ms to ~16s
	LockWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_coordinator_wait_duration_seconds",
			Help:    "time a queued request waited before it was resolved",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"granularity"},
	)

	ImplicitRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_coordinator_implicit_retry_total",
			Help: "total number of implicit lock retries by entity type",
		},
		[]string{"entity_type"},
	)
)
