package implicit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/holder"
	"github.com/opentrx/lock-coordinator/pkg/tc/lock"
	"github.com/opentrx/lock-coordinator/pkg/tc/metrics"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
)

const DefaultBackoffBase = 100 * time.Millisecond

// Operation is the business work run under an implicit lock.
type Operation func(ctx context.Context) (interface{}, error)

// DefaultPolicies returns the built-in policies by entity type.
func DefaultPolicies() map[string]model.LockPolicy {
	return map[string]model.LockPolicy{
		"Order": {
			LockType:     model.Exclusive,
			Granularity:  model.Aggregate,
			AllowUpgrade: true,
			MaxHoldTime:  60 * time.Second,
			MaxRetries:   3,
		},
		"Account": {
			LockType:    model.Exclusive,
			Granularity: model.Object,
			MaxHoldTime: 30 * time.Second,
			MaxRetries:  2,
		},
		"Inventory": {
			LockType:    model.Exclusive,
			Granularity: model.Row,
			MaxHoldTime: 15 * time.Second,
			MaxRetries:  5,
		},
	}
}

type Option func(*ImplicitLockManager)

// WithBackoffBase sets the unit of the exponential retry backoff.
func WithBackoffBase(base time.Duration) Option {
	return func(m *ImplicitLockManager) {
		if base > 0 {
			m.backoffBase = base
		}
	}
}

// WithStrictPolicies makes entity types without a policy fail with
// UNKNOWN_POLICY instead of running unlocked.
func WithStrictPolicies(strict bool) Option {
	return func(m *ImplicitLockManager) {
		m.strict = strict
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(m *ImplicitLockManager) {
		m.clock = clock
	}
}

// ImplicitLockManager wraps operations with acquire, run, release and retry
// driven by a lock policy per entity type.
type ImplicitLockManager struct {
	mu       sync.RWMutex
	policies map[string]model.LockPolicy

	locks    *lock.LockManager
	sessions *holder.SessionHolder
	native   storage.NativeLocker

	// open ROW scopes per session, native rows go when the last one ends
	rowMu     sync.Mutex
	rowScopes map[string]int

	clock       clockwork.Clock
	backoffBase time.Duration
	strict      bool
}

// NewImplicitLockManager returns a manager seeded with DefaultPolicies. ROW
// policies lock rows through native; when native is nil they fall back to
// ROW locks of the lock manager. sessions may be nil.
func NewImplicitLockManager(locks *lock.LockManager, sessions *holder.SessionHolder,
	native storage.NativeLocker, opts ...Option) *ImplicitLockManager {
	m := &ImplicitLockManager{
		policies:    DefaultPolicies(),
		locks:       locks,
		sessions:    sessions,
		native:      native,
		rowScopes:   make(map[string]int),
		clock:       clockwork.NewRealClock(),
		backoffBase: DefaultBackoffBase,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPolicy adds or replaces the policy of entityType.
func (m *ImplicitLockManager) RegisterPolicy(entityType string, policy model.LockPolicy) error {
	if entityType == "" {
		return exception.New(exception.InvalidArgument, "entity type is required")
	}
	if policy.MaxRetries < 0 {
		return exception.New(exception.InvalidArgument, "max retries of %s must not be negative, got %d",
			entityType, policy.MaxRetries)
	}
	if policy.MaxHoldTime < 0 {
		return exception.New(exception.InvalidArgument, "max hold time of %s must not be negative, got %s",
			entityType, policy.MaxHoldTime)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.policies[entityType] = policy
	log.Infof("lock policy for %s: %s %s, hold %s, %d retries",
		entityType, policy.LockType, policy.Granularity, policy.MaxHoldTime, policy.MaxRetries)
	return nil
}

func (m *ImplicitLockManager) Policy(entityType string) (model.LockPolicy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	policy, ok := m.policies[entityType]
	return policy, ok
}

// WithLock returns op wrapped so that every call runs under the implicit
// lock of entityType.
func (m *ImplicitLockManager) WithLock(entityType, entityID, sessionID string, op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return m.RunWithImplicitLock(ctx, entityType, entityID, sessionID, op)
	}
}

// RunWithImplicitLock runs op while sessionID holds the lock entityType's
// policy asks for. Deadlocks and lock wait timeouts, raised by the
// acquisition or by op, are retried up to MaxRetries times with exponential
// backoff. The lock is released after every attempt.
func (m *ImplicitLockManager) RunWithImplicitLock(ctx context.Context, entityType, entityID, sessionID string,
	op Operation) (interface{}, error) {
	policy, ok := m.Policy(entityType)
	if !ok {
		if m.strict {
			return nil, exception.New(exception.UnknownPolicy, "no lock policy for entity type %s", entityType)
		}
		log.Warnf("no lock policy for entity type %s, running %s unlocked", entityType, entityID)
		return op(ctx)
	}

	attempts := policy.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.ImplicitRetryTotal.WithLabelValues(entityType).Inc()
			if err := m.sleep(ctx, m.backoff(attempt-1)); err != nil {
				return nil, err
			}
		}
		m.touch(sessionID)

		result, err := m.runOnce(ctx, entityType, entityID, sessionID, policy, op)
		if err == nil {
			return result, nil
		}
		if !exception.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		log.Warnf("attempt %d/%d on %s %s by session %s failed: %v",
			attempt+1, attempts, entityType, entityID, sessionID, err)
	}
	return nil, exception.Wrap(lastErr, exception.RetryExhausted, "operation failed after %d attempts", attempts)
}

func (m *ImplicitLockManager) runOnce(ctx context.Context, entityType, entityID, sessionID string,
	policy model.LockPolicy, op Operation) (result interface{}, err error) {
	release, err := m.acquire(ctx, entityType, entityID, sessionID, policy)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			log.Errorf("release implicit lock on %s %s: %v", entityType, entityID, releaseErr)
			if err == nil {
				err = releaseErr
			}
		}
	}()
	return op(ctx)
}

func (m *ImplicitLockManager) acquire(ctx context.Context, entityType, entityID, sessionID string,
	policy model.LockPolicy) (func() error, error) {
	if policy.Granularity == model.Row && m.native != nil {
		return m.lockRows(ctx, entityType, entityID, sessionID)
	}

	var opts []lock.AcquireOption
	if policy.MaxHoldTime > 0 {
		opts = append(opts, lock.WithExpiry(policy.MaxHoldTime))
	}
	lockID, err := m.locks.AcquireLock(ctx, entityID, sessionID, policy.LockType, policy.Granularity, 0, opts...)
	if err != nil {
		return nil, err
	}
	return func() error {
		_, err := m.locks.ReleaseLock(context.Background(), lockID)
		return err
	}, nil
}

// lockRows locks every row named by entityID, "pk" or "table:pk1,pk2". A
// bare primary key is looked up in the lower-cased entity type's table.
// Native rows are released per session, so they stay until the session's
// outermost ROW operation ends.
func (m *ImplicitLockManager) lockRows(ctx context.Context, entityType, entityID, sessionID string) (func() error, error) {
	rows := storage.CollectRowLocks(entityID, strings.ToLower(entityType), sessionID)
	if len(rows) == 0 {
		return nil, exception.New(exception.InvalidArgument, "no rows in %s key %q", entityType, entityID)
	}
	m.enterRowScope(sessionID)
	var once sync.Once
	release := func() (err error) {
		once.Do(func() {
			if m.leaveRowScope(sessionID) {
				err = m.native.ReleaseRows(context.Background(), sessionID)
			}
		})
		return err
	}
	for _, row := range rows {
		if err := m.native.LockRowForUpdate(ctx, row); err != nil {
			if releaseErr := release(); releaseErr != nil {
				log.Errorf("release rows of session %s: %v", sessionID, releaseErr)
			}
			if exception.Code(err) == exception.Unknown {
				err = exception.Wrap(err, exception.NativeLock, "lock row %s", row.RowKey)
			}
			return nil, err
		}
	}
	return release, nil
}

func (m *ImplicitLockManager) enterRowScope(sessionID string) {
	m.rowMu.Lock()
	defer m.rowMu.Unlock()

	m.rowScopes[sessionID]++
}

// leaveRowScope reports whether the session's last ROW scope ended.
func (m *ImplicitLockManager) leaveRowScope(sessionID string) bool {
	m.rowMu.Lock()
	defer m.rowMu.Unlock()

	m.rowScopes[sessionID]--
	if m.rowScopes[sessionID] > 0 {
		return false
	}
	delete(m.rowScopes, sessionID)
	return true
}

// UpgradeLock moves a lock to a coarser granularity. The old lock is
// released before the new one is requested, another session may get in
// between.
func (m *ImplicitLockManager) UpgradeLock(ctx context.Context, entityType string, lockID int64,
	granularity model.LockGranularity) (int64, error) {
	current, ok := m.locks.GetLock(lockID)
	if !ok {
		return 0, exception.New(exception.InvalidArgument, "lock %d not found", lockID)
	}
	if !granularity.Coarser(current.Granularity) {
		return 0, exception.New(exception.InvalidArgument, "%s is not coarser than %s", granularity, current.Granularity)
	}
	policy, ok := m.Policy(entityType)
	if ok && !policy.AllowUpgrade {
		return 0, exception.New(exception.InvalidArgument, "lock policy of %s does not allow upgrades", entityType)
	}
	return m.reacquire(ctx, current, granularity, policy)
}

// DowngradeLock moves a lock to a finer granularity, with the same window as
// UpgradeLock.
func (m *ImplicitLockManager) DowngradeLock(ctx context.Context, entityType string, lockID int64,
	granularity model.LockGranularity) (int64, error) {
	current, ok := m.locks.GetLock(lockID)
	if !ok {
		return 0, exception.New(exception.InvalidArgument, "lock %d not found", lockID)
	}
	if !current.Granularity.Coarser(granularity) {
		return 0, exception.New(exception.InvalidArgument, "%s is not finer than %s", granularity, current.Granularity)
	}
	policy, _ := m.Policy(entityType)
	return m.reacquire(ctx, current, granularity, policy)
}

func (m *ImplicitLockManager) reacquire(ctx context.Context, current model.Lock,
	granularity model.LockGranularity, policy model.LockPolicy) (int64, error) {
	if _, err := m.locks.ReleaseLock(ctx, current.LockID); err != nil {
		return 0, err
	}
	var opts []lock.AcquireOption
	if policy.MaxHoldTime > 0 {
		opts = append(opts, lock.WithExpiry(policy.MaxHoldTime))
	}
	lockID, err := m.locks.AcquireLock(ctx, current.ResourceID, current.SessionID, current.LockType, granularity, 0, opts...)
	if err != nil {
		return 0, err
	}
	log.Debugf("lock %d of session %s moved from %s to %s as %d",
		current.LockID, current.SessionID, current.Granularity, granularity, lockID)
	return lockID, nil
}

// GenerateLockReport summarizes the current locks for monitoring.
func (m *ImplicitLockManager) GenerateLockReport() *model.LockReport {
	report := &model.LockReport{
		GeneratedAt:   m.clock.Now(),
		ByGranularity: make(map[string]int),
		ByType:        make(map[string]int),
		Waiting:       m.locks.WaitingCount(),
	}
	for key, locks := range m.locks.GetLockStatus() {
		report.TotalLocks += len(locks)
		report.ByGranularity[key.Granularity.String()] += len(locks)
		for _, l := range locks {
			report.ByType[l.LockType.String()]++
		}
	}
	if m.sessions != nil {
		report.ActiveSessions = m.sessions.ActiveCount()
	}
	stats := m.locks.Stats()
	report.WaitCount, report.WaitMean, report.WaitP95 = stats.WaitSummary()
	report.HoldMean = stats.HoldMean()
	return report
}

func (m *ImplicitLockManager) backoff(retry int) time.Duration {
	return time.Duration(1<<uint(retry)) * m.backoffBase
}

func (m *ImplicitLockManager) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-m.clock.After(d):
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
}

func (m *ImplicitLockManager) touch(sessionID string) {
	if m.sessions == nil || m.sessions.GetSession(sessionID) == nil {
		return
	}
	if err := m.sessions.Touch(sessionID); err != nil {
		log.Debugf("touch session %s: %v", sessionID, err)
	}
}
