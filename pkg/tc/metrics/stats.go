package metrics

import (
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// LockStats keeps in-process timers for the lock report. Prometheus holds
// the same information for scraping; these exist so a report can be built
// without a metrics backend.
type LockStats struct {
	registry gometrics.Registry
	wait     gometrics.Timer
	hold     gometrics.Timer
}

// NewLockStats returns stats backed by a private go-metrics registry.
func NewLockStats() *LockStats {
	registry := gometrics.NewRegistry()
	return &LockStats{
		registry: registry,
		wait:     gometrics.GetOrRegisterTimer("lock.wait", registry),
		hold:     gometrics.GetOrRegisterTimer("lock.hold", registry),
	}
}

// ObserveWait records the time a queued request waited.
func (s *LockStats) ObserveWait(d time.Duration) {
	s.wait.Update(d)
}

// ObserveHold records how long a released lock was held.
func (s *LockStats) ObserveHold(d time.Duration) {
	s.hold.Update(d)
}

// WaitSummary returns count, mean and 95th percentile of wait times.
func (s *LockStats) WaitSummary() (int64, time.Duration, time.Duration) {
	snapshot := s.wait.Snapshot()
	return snapshot.Count(), time.Duration(snapshot.Mean()), time.Duration(snapshot.Percentile(0.95))
}

// HoldMean returns the mean hold time of released locks.
func (s *LockStats) HoldMean() time.Duration {
	return time.Duration(s.hold.Snapshot().Mean())
}

// Each visits every registered metric, e.g. to dump them at shutdown.
func (s *LockStats) Each(f func(name string, metric interface{})) {
	s.registry.Each(f)
}
