package server

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/opentrx/lock-coordinator/pkg/tc/config"
	"github.com/opentrx/lock-coordinator/pkg/tc/holder"
	"github.com/opentrx/lock-coordinator/pkg/tc/implicit"
	"github.com/opentrx/lock-coordinator/pkg/tc/lock"
	"github.com/opentrx/lock-coordinator/pkg/tc/metrics"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage/driver/in_memory"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage/driver/sql"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
	"github.com/opentrx/lock-coordinator/pkg/util/runtime"
	time2 "github.com/opentrx/lock-coordinator/pkg/util/time"
	"github.com/opentrx/lock-coordinator/pkg/util/uuid"
)

// TransactionCoordinator owns one instance of every manager and the
// background sweeps. Business code opens and closes sessions through it so
// that closing a session always releases its locks.
type TransactionCoordinator struct {
	conf *config.Configuration

	native   storage.NativeLocker
	sessions *holder.SessionHolder
	locks    *lock.LockManager
	implicit *implicit.ImplicitLockManager
	clock    clockwork.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransactionCoordinator wires the managers described by conf.
func NewTransactionCoordinator(conf *config.Configuration) (*TransactionCoordinator, error) {
	return newTransactionCoordinator(conf, clockwork.NewRealClock())
}

func newTransactionCoordinator(conf *config.Configuration, clock clockwork.Clock) (*TransactionCoordinator, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	native, err := newNativeLocker(conf.Storage)
	if err != nil {
		return nil, err
	}
	worker, err := uuid.NewIDWorker(conf.ServerNode)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	stats := metrics.NewLockStats()
	locks := lock.NewLockManager(native,
		lock.WithClock(clock),
		lock.WithIDWorker(worker),
		lock.WithDefaultTimeout(conf.Lock.DefaultTimeout),
		lock.WithStats(stats),
	)
	sessions := holder.NewSessionHolder(in_memory.NewSessionManager(), conf.Addressing, worker, clock)
	implicitManager := implicit.NewImplicitLockManager(locks, sessions, native,
		implicit.WithBackoffBase(conf.Lock.BackoffBase),
		implicit.WithStrictPolicies(conf.StrictPolicies),
		implicit.WithClock(clock),
	)
	for entityType, policy := range conf.Policies {
		if err := implicitManager.RegisterPolicy(entityType, policy); err != nil {
			native.Close()
			return nil, err
		}
	}

	log.Infof("lock coordinator %s ready, worker %d, storage %s", conf.Addressing, worker.WorkerID(), conf.Storage.Driver)
	return &TransactionCoordinator{
		conf:     conf,
		native:   native,
		sessions: sessions,
		locks:    locks,
		implicit: implicitManager,
		clock:    clock,
	}, nil
}

func newNativeLocker(conf config.StorageConfig) (storage.NativeLocker, error) {
	switch conf.Driver {
	case config.DriverMySQL, config.DriverPostgres:
		return sql.NewNativeLocker(conf.Driver, conf.DSN, conf.PKColumn)
	default:
		return in_memory.NewNativeLocker(conf.NativeWaitTimeout), nil
	}
}

func (tc *TransactionCoordinator) Sessions() *holder.SessionHolder {
	return tc.sessions
}

func (tc *TransactionCoordinator) Locks() *lock.LockManager {
	return tc.locks
}

func (tc *TransactionCoordinator) Implicit() *implicit.ImplicitLockManager {
	return tc.implicit
}

func (tc *TransactionCoordinator) CreateSession(ownerID string, isolation model.IsolationLevel) (string, error) {
	return tc.sessions.CreateSession(ownerID, isolation)
}

func (tc *TransactionCoordinator) Touch(sessionID string) error {
	return tc.sessions.Touch(sessionID)
}

// CloseSession closes the session and releases every lock it holds or waits
// for. Locks are released even if the session is already gone.
func (tc *TransactionCoordinator) CloseSession(ctx context.Context, sessionID string) error {
	closeErr := tc.sessions.CloseSession(sessionID)
	if _, err := tc.locks.ReleaseSessionLocks(ctx, sessionID); err != nil {
		return err
	}
	return closeErr
}

// Start runs the expired lock cleanup and the idle session sweep until ctx
// is done or Stop is called.
func (tc *TransactionCoordinator) Start(ctx context.Context) {
	ctx, tc.cancel = context.WithCancel(ctx)

	tc.loop(ctx, tc.conf.Lock.CleanupInterval, func() {
		tc.locks.CleanupExpiredLocks(ctx)
	})
	tc.loop(ctx, tc.conf.Session.SweepInterval, func() {
		tc.sweepIdleSessions(ctx)
	})
}

func (tc *TransactionCoordinator) sweepIdleSessions(ctx context.Context) {
	for _, sessionID := range tc.sessions.SweepIdle(tc.conf.Session.MaxIdle) {
		released, err := tc.locks.ReleaseSessionLocks(ctx, sessionID)
		if err != nil {
			log.Errorf("release locks of idle session %s: %v", sessionID, err)
			continue
		}
		if released > 0 {
			log.Infof("idle session %s lost %d lock(s)", sessionID, released)
		}
	}
}

func (tc *TransactionCoordinator) loop(ctx context.Context, interval time.Duration, work func()) {
	tc.wg.Add(1)
	runtime.GoWithRecover(func() {
		defer tc.wg.Done()
		ticker := tc.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				safely(work)
			case <-ctx.Done():
				return
			}
		}
	}, nil)
}

// safely keeps a panicking sweep from ending its loop.
func safely(work func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("background sweep panicked: %v", r)
		}
	}()
	work()
}

// Stop ends the background sweeps and closes the native locker.
func (tc *TransactionCoordinator) Stop() error {
	if tc.cancel != nil {
		tc.cancel()
	}
	tc.wg.Wait()

	report := tc.implicit.GenerateLockReport()
	log.Infof("lock coordinator stopped at %d with %d lock(s), %d waiting, %d session(s)",
		time2.Millis(report.GeneratedAt), report.TotalLocks, report.Waiting, report.ActiveSessions)
	return tc.native.Close()
}
