package lock

import (
	"context"
	"strings"
	"sync"
	"time"

	gouuid "github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/metrics"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
	"github.com/opentrx/lock-coordinator/pkg/util/uuid"
)

const DefaultTimeout = 30 * time.Second

// Option configures a LockManager.
type Option func(*LockManager)

// WithClock replaces the wall clock, tests pass a clockwork.FakeClock.
func WithClock(clock clockwork.Clock) Option {
	return func(m *LockManager) {
		m.clock = clock
	}
}

// WithIDWorker sets the worker lock ids are drawn from.
func WithIDWorker(worker *uuid.IDWorker) Option {
	return func(m *LockManager) {
		m.idWorker = worker
	}
}

// WithDefaultTimeout sets the wait used when AcquireLock gets a timeout <= 0.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(m *LockManager) {
		if timeout > 0 {
			m.defaultTimeout = timeout
		}
	}
}

func WithStats(stats *metrics.LockStats) Option {
	return func(m *LockManager) {
		m.stats = stats
	}
}

type acquireOptions struct {
	expiry time.Duration
}

// AcquireOption configures a single AcquireLock call.
type AcquireOption func(*acquireOptions)

// WithExpiry makes the granted lock expire holdTime after the grant, the
// expiry sweep releases it afterwards.
func WithExpiry(holdTime time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.expiry = holdTime
	}
}

// LockManager grants SHARED and EXCLUSIVE locks on resource keys to
// sessions. Conflicting requests queue FIFO per key, except OBJECT locks,
// which are rejected at once. TABLE locks also take the storage engine's
// native table lock, outside the manager mutex and within the caller's
// timeout.
type LockManager struct {
	mu       sync.Mutex
	registry *lockRegistry
	detector *DeadlockDetector
	native   storage.NativeLocker

	clock          clockwork.Clock
	idWorker       *uuid.IDWorker
	defaultTimeout time.Duration
	stats          *metrics.LockStats

	granted  *atomic.Int64
	released *atomic.Int64
}

// NewLockManager returns a manager using native for TABLE locks. native may
// be nil, TABLE locks are then purely logical.
func NewLockManager(native storage.NativeLocker, opts ...Option) *LockManager {
	m := &LockManager{
		registry:       newLockRegistry(),
		detector:       NewDeadlockDetector(),
		native:         native,
		clock:          clockwork.NewRealClock(),
		defaultTimeout: DefaultTimeout,
		granted:        atomic.NewInt64(0),
		released:       atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.idWorker == nil {
		m.idWorker, _ = uuid.NewIDWorker(0)
	}
	if m.stats == nil {
		m.stats = metrics.NewLockStats()
	}
	return m
}

// Detector returns the wait-for graph the manager feeds.
func (m *LockManager) Detector() *DeadlockDetector {
	return m.detector
}

// Stats returns the wait and hold timers.
func (m *LockManager) Stats() *metrics.LockStats {
	return m.stats
}

// Counters returns the number of grants and releases since start.
func (m *LockManager) Counters() (int64, int64) {
	return m.granted.Load(), m.released.Load()
}

// AcquireLock grants a lock on (granularity, resourceID) to sessionID and
// returns its id. A request that cannot be granted at once waits up to
// timeout, or the default timeout when timeout <= 0.
func (m *LockManager) AcquireLock(ctx context.Context, resourceID string, sessionID string,
	lockType model.LockType, granularity model.LockGranularity, timeout time.Duration,
	opts ...AcquireOption) (int64, error) {
	if resourceID == "" || sessionID == "" {
		return 0, exception.New(exception.InvalidArgument, "resource id and session id are required")
	}
	options := &acquireOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	key := model.NewResourceKey(granularity, resourceID)

	m.mu.Lock()
	blockers := m.registry.conflicting(key, sessionID, lockType)
	if len(blockers) == 0 {
		lock := m.newLock(key, sessionID, lockType)
		if m.needsNativeLocked(lock) {
			m.reserveLocked(lock)
			m.updateGaugesLocked()
			m.mu.Unlock()
			lockID, err := m.lockNative(ctx, lock, options.expiry, timeout)
			observeAcquire(granularity, err)
			return lockID, err
		}
		m.grantLocked(lock, options.expiry)
		m.drainLocked(key)
		m.updateGaugesLocked()
		m.mu.Unlock()
		observeAcquire(granularity, nil)
		return lock.LockID, nil
	}

	if granularity == model.Object {
		m.mu.Unlock()
		err := exception.New(exception.LockConflict, "%s is held by session %s", key, blockers[0].SessionID)
		observeAcquire(granularity, err)
		return 0, err
	}

	req := &lockRequest{
		ticket:     gouuid.New().String(),
		lock:       m.newLock(key, sessionID, lockType),
		expiry:     options.expiry,
		enqueuedAt: m.clock.Now(),
		ready:      make(chan requestResult, 1),
	}
	req.lock.Status = model.Waiting
	m.registry.enqueue(req)
	m.setBlockersLocked(req, blockers)
	if cycle := m.detector.DetectDeadlockFor(sessionID); cycle != nil {
		req.settled = true
		req.lock.Status = model.DeadlockAborted
		m.withdrawLocked(req)
		m.updateGaugesLocked()
		m.mu.Unlock()
		metrics.DeadlockTotal.Inc()
		log.Warnf("deadlock detected on %s: %s", key, strings.Join(cycle, " -> "))
		err := exception.New(exception.Deadlock, "deadlock detected on %s: %s", key, strings.Join(cycle, " -> "))
		observeAcquire(granularity, err)
		return 0, err
	}
	m.updateGaugesLocked()
	m.mu.Unlock()
	log.Debugf("session %s queued for %s %s behind %d holder(s), ticket %s",
		sessionID, lockType, key, len(req.blockers), req.ticket)

	lockID, err := m.await(ctx, req, timeout)
	observeAcquire(granularity, err)
	return lockID, err
}

func (m *LockManager) await(ctx context.Context, req *lockRequest, timeout time.Duration) (int64, error) {
	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	var result requestResult
	select {
	case result = <-req.ready:
	case <-timer.Chan():
		result = m.abandon(req, exception.New(exception.LockTimeout,
			"session %s timed out after %s waiting for %s", req.lock.SessionID, timeout, req.key()))
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			result = m.abandon(req, exception.Wrap(ctx.Err(), exception.LockTimeout,
				"session %s gave up waiting for %s", req.lock.SessionID, req.key()))
		} else {
			result = m.abandon(req, errors.Wrapf(ctx.Err(), "session %s stopped waiting for %s",
				req.lock.SessionID, req.key()))
		}
	}
	if result.reserved == nil {
		return result.lockID, result.err
	}
	return m.lockNative(ctx, result.reserved, req.expiry, timeout-m.clock.Since(req.enqueuedAt))
}

// abandon withdraws a request its caller stopped waiting for. If the
// request was resolved in the meantime that resolution wins.
func (m *LockManager) abandon(req *lockRequest, cause error) requestResult {
	m.mu.Lock()
	if req.settled {
		m.mu.Unlock()
		return <-req.ready
	}
	req.settled = true
	req.lock.Status = model.Timeout
	m.withdrawLocked(req)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.observeWait(req)
	log.Infof("lock request %d (ticket %s) abandoned: %v", req.lock.LockID, req.ticket, cause)
	return requestResult{err: cause}
}

// lockNative takes the native table lock of a reserved lock, bounded by
// timeout, then confirms the grant or rolls the reservation back.
func (m *LockManager) lockNative(ctx context.Context, lock *model.Lock, expiry time.Duration,
	timeout time.Duration) (int64, error) {
	var err error
	if timeout > 0 {
		nativeCtx, cancel := context.WithTimeout(ctx, timeout)
		err = m.native.LockTable(nativeCtx, lock.SessionID, lock.ResourceID, lock.LockType)
		err = nativeLockError(ctx, nativeCtx, lock, timeout, err)
		cancel()
	} else {
		err = exception.New(exception.LockTimeout, "session %s ran out of time before locking table %s",
			lock.SessionID, lock.ResourceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.isReserved(lock.LockID) {
		// the session was closed while the native call ran
		if err == nil {
			if _, holds := m.registry.sessionMode(lock.Key(), lock.SessionID); !holds {
				if uerr := m.native.UnlockTable(context.Background(), lock.SessionID, lock.ResourceID); uerr != nil {
					log.Errorf("undo native lock on table %s of session %s: %v", lock.ResourceID, lock.SessionID, uerr)
				}
			}
		}
		return 0, exception.New(exception.SessionClosed, "session %s closed while locking table %s",
			lock.SessionID, lock.ResourceID)
	}
	if err != nil {
		m.registry.remove(lock.LockID)
		lock.Status = model.Timeout
		m.drainLocked(lock.Key())
		m.updateGaugesLocked()
		return 0, err
	}
	m.grantLocked(lock, expiry)
	m.drainLocked(lock.Key())
	m.updateGaugesLocked()
	return lock.LockID, nil
}

func nativeLockError(ctx context.Context, nativeCtx context.Context, lock *model.Lock,
	timeout time.Duration, err error) error {
	switch {
	case err == nil:
		return nil
	case nativeCtx.Err() == context.DeadlineExceeded:
		return exception.Wrap(err, exception.LockTimeout, "session %s timed out after %s waiting for native lock on table %s",
			lock.SessionID, timeout, lock.ResourceID)
	case ctx.Err() != nil:
		return errors.Wrapf(ctx.Err(), "session %s stopped waiting for native lock on table %s",
			lock.SessionID, lock.ResourceID)
	case exception.Code(err) == exception.Unknown:
		return exception.Wrap(err, exception.NativeLock, "native lock on table %s", lock.ResourceID)
	}
	return err
}

// ReleaseLock removes the lock and grants what its removal unblocks. An
// unknown id is logged and reported as false. For TABLE locks the logical
// lock is removed even when the native unlock fails, that failure is
// returned.
func (m *LockManager) ReleaseLock(ctx context.Context, lockID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, err := m.releaseLocked(ctx, lockID)
	if lock == nil {
		log.Infof("lock %d not found, it may have been released already", lockID)
		return false, nil
	}
	m.drainLocked(lock.Key())
	m.updateGaugesLocked()
	return true, err
}

// ReleaseSessionLocks rejects the session's queued requests and releases
// every lock it holds. It returns the number of released locks and the first
// native unlock failure.
func (m *LockManager) ReleaseSessionLocks(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []model.ResourceKey
	for _, req := range m.registry.sessionRequests(sessionID) {
		req.lock.Status = model.Timeout
		m.dropBlockersLocked(req)
		m.registry.dequeue(req)
		req.resolve(requestResult{err: exception.New(exception.SessionClosed,
			"session %s closed while waiting for %s", sessionID, req.key())})
		keys = append(keys, req.key())
	}

	var (
		released int
		firstErr error
	)
	for _, held := range m.registry.sessionLocks(sessionID) {
		lock, err := m.releaseLocked(ctx, held.LockID)
		if lock == nil {
			continue
		}
		released++
		keys = append(keys, lock.Key())
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.detector.RemoveSession(sessionID)
	m.drainLocked(keys...)
	m.updateGaugesLocked()

	if released > 0 {
		log.Infof("released %d lock(s) of session %s", released, sessionID)
	}
	return released, firstErr
}

// CleanupExpiredLocks releases every lock past its expiry through ReleaseLock
// and returns how many were released.
func (m *LockManager) CleanupExpiredLocks(ctx context.Context) int {
	m.mu.Lock()
	expired := m.registry.expired(m.clock.Now())
	m.mu.Unlock()

	count := 0
	for _, lockID := range expired {
		ok, err := m.ReleaseLock(ctx, lockID)
		if err != nil {
			log.Errorf("release expired lock %d: %v", lockID, err)
		}
		if ok {
			count++
		}
	}
	if count > 0 {
		metrics.ExpiredLockTotal.Add(float64(count))
		log.Infof("released %d expired lock(s)", count)
	}
	return count
}

// GetLockStatus returns a copy of all granted locks by resource key.
func (m *LockManager) GetLockStatus() map[model.ResourceKey][]model.Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry.snapshot()
}

// GetLock returns a copy of a granted lock.
func (m *LockManager) GetLock(lockID int64) (model.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.registry.granted(lockID)
	if !ok {
		return model.Lock{}, false
	}
	return *lock, true
}

// WaitingCount returns the number of queued requests.
func (m *LockManager) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.registry.waiting()
}

func (m *LockManager) newLock(key model.ResourceKey, sessionID string, lockType model.LockType) *model.Lock {
	return &model.Lock{
		LockID:      m.idWorker.NextID(),
		ResourceID:  key.ResourceID,
		SessionID:   sessionID,
		LockType:    lockType,
		Granularity: key.Granularity,
		Status:      model.Waiting,
	}
}

// needsNativeLocked reports whether granting lock takes a native table lock
// the session does not hold yet.
func (m *LockManager) needsNativeLocked(lock *model.Lock) bool {
	if lock.Granularity != model.Table || m.native == nil {
		return false
	}
	mode, holds := m.registry.sessionMode(lock.Key(), lock.SessionID)
	return !holds || mode < lock.LockType
}

func (m *LockManager) reserveLocked(lock *model.Lock) {
	lock.Status = model.Acquired
	lock.AcquiredAt = m.clock.Now()
	m.registry.reserve(lock)
}

// grantLocked registers lock, or confirms it when it was reserved.
func (m *LockManager) grantLocked(lock *model.Lock, expiry time.Duration) {
	now := m.clock.Now()
	lock.Status = model.Acquired
	lock.AcquiredAt = now
	if expiry > 0 {
		lock.ExpiresAt = now.Add(expiry)
	}
	if !m.registry.confirm(lock.LockID) {
		m.registry.add(lock)
	}
	m.granted.Inc()
}

func (m *LockManager) releaseLocked(ctx context.Context, lockID int64) (*model.Lock, error) {
	if m.registry.isReserved(lockID) {
		// the native lock is not taken yet, lockNative finds the reservation gone
		return m.registry.remove(lockID), nil
	}
	lock := m.registry.remove(lockID)
	if lock == nil {
		return nil, nil
	}
	m.released.Inc()
	m.stats.ObserveHold(m.clock.Since(lock.AcquiredAt))
	metrics.LockReleaseTotal.WithLabelValues(lock.Granularity.String()).Inc()

	if lock.Granularity != model.Table || m.native == nil {
		return lock, nil
	}
	if _, holds := m.registry.sessionMode(lock.Key(), lock.SessionID); holds {
		return lock, nil
	}
	if err := m.native.UnlockTable(ctx, lock.SessionID, lock.ResourceID); err != nil {
		return lock, exception.Wrap(err, exception.NativeLock, "native unlock of table %s", lock.ResourceID)
	}
	return lock, nil
}

// drainLocked grants what the wait queues of keys allow and breaks any
// wait-for cycle left behind by aborting the youngest waiter in it.
func (m *LockManager) drainLocked(keys ...model.ResourceKey) {
	pending := append([]model.ResourceKey(nil), keys...)
	for len(pending) > 0 {
		key := pending[0]
		pending = pending[1:]
		m.processWaitQueueLocked(key)
		if victim := m.breakCycleLocked(); victim != nil {
			pending = append(pending, victim.key())
		}
	}
}

// processWaitQueueLocked grants the longest FIFO prefix of key's queue that
// is compatible with the held locks and with each other, then points the
// wait-for edges of the remaining requests at their current blockers. A
// TABLE grant that needs the native lock is reserved and handed to its
// waiter, which takes the native lock itself.
func (m *LockManager) processWaitQueueLocked(key model.ResourceKey) {
	queue := m.registry.queue(key)
	i := 0
	for ; i < len(queue); i++ {
		req := queue[i]
		if len(m.registry.conflicting(key, req.lock.SessionID, req.lock.LockType)) > 0 {
			break
		}
		m.registry.dequeue(req)
		m.dropBlockersLocked(req)
		m.observeWait(req)

		if m.needsNativeLocked(req.lock) {
			m.reserveLocked(req.lock)
			log.Debugf("reserved queued %s %s for session %s, ticket %s", req.lock.LockType, key,
				req.lock.SessionID, req.ticket)
			req.resolve(requestResult{reserved: req.lock})
			continue
		}
		m.grantLocked(req.lock, req.expiry)
		log.Debugf("granted queued %s %s to session %s, ticket %s", req.lock.LockType, key,
			req.lock.SessionID, req.ticket)
		req.resolve(requestResult{lockID: req.lock.LockID})
	}
	for _, req := range queue[i:] {
		m.setBlockersLocked(req, m.registry.conflicting(key, req.lock.SessionID, req.lock.LockType))
	}
}

func (m *LockManager) breakCycleLocked() *lockRequest {
	cycle := m.detector.DetectDeadlock()
	if cycle == nil {
		return nil
	}
	inCycle := make(map[string]bool, len(cycle))
	for _, sessionID := range cycle {
		inCycle[sessionID] = true
	}
	var victim *lockRequest
	for _, req := range m.registry.pending() {
		if inCycle[req.lock.SessionID] && len(req.blockers) > 0 {
			victim = req
		}
	}
	if victim == nil {
		return nil
	}
	metrics.DeadlockTotal.Inc()
	log.Warnf("deadlock detected: %s, aborting request %d of session %s, ticket %s",
		strings.Join(cycle, " -> "), victim.lock.LockID, victim.lock.SessionID, victim.ticket)

	victim.lock.Status = model.DeadlockAborted
	m.dropBlockersLocked(victim)
	m.registry.dequeue(victim)
	victim.resolve(requestResult{err: exception.New(exception.Deadlock,
		"deadlock detected on %s: %s", victim.key(), strings.Join(cycle, " -> "))})
	return victim
}

// withdrawLocked removes a settled request from its queue and lets the
// requests behind it move up.
func (m *LockManager) withdrawLocked(req *lockRequest) {
	m.dropBlockersLocked(req)
	if m.registry.dequeue(req) {
		m.drainLocked(req.key())
	}
}

func (m *LockManager) setBlockersLocked(req *lockRequest, blockers []*model.Lock) {
	sessions := make(map[string]bool, len(blockers))
	var next []string
	for _, lock := range blockers {
		if !sessions[lock.SessionID] {
			sessions[lock.SessionID] = true
			next = append(next, lock.SessionID)
		}
	}
	for _, holder := range next {
		m.detector.AddWaitRelation(req.lock.SessionID, holder)
	}
	m.dropBlockersLocked(req)
	req.blockers = next
}

func (m *LockManager) dropBlockersLocked(req *lockRequest) {
	for _, holder := range req.blockers {
		m.detector.RemoveWaitRelation(req.lock.SessionID, holder)
	}
	req.blockers = nil
}

func (m *LockManager) observeWait(req *lockRequest) {
	waited := m.clock.Since(req.enqueuedAt)
	m.stats.ObserveWait(waited)
	metrics.LockWaitDuration.WithLabelValues(req.lock.Granularity.String()).Observe(waited.Seconds())
}

func (m *LockManager) updateGaugesLocked() {
	metrics.LocksActive.Set(float64(len(m.registry.byID) - len(m.registry.reserved)))
	metrics.RequestsWaiting.Set(float64(m.registry.waiting()))
}

func observeAcquire(granularity model.LockGranularity, err error) {
	status := "acquired"
	if err != nil {
		switch exception.Code(err) {
		case exception.LockTimeout:
			status = "timeout"
		case exception.LockConflict:
			status = "conflict"
		case exception.Deadlock:
			status = "deadlock"
		case exception.NativeLock:
			status = "native"
		case exception.SessionClosed:
			status = "closed"
		default:
			status = "canceled"
		}
	}
	metrics.LockAcquireTotal.WithLabelValues(granularity.String(), status).Inc()
}
