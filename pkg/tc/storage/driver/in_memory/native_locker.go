package in_memory

import (
	"context"
	"sync"
	"time"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
)

const defaultLockWaitTimeout = 5 * time.Second

// NativeLocker emulates a storage engine's table and row locks inside the
// process. Conflicting requests block until the holder lets go or the lock
// wait timeout passes, like innodb_lock_wait_timeout.
type NativeLocker struct {
	mu          sync.Mutex
	tables      map[string]map[string]model.LockType // table -> session -> mode
	rows        map[string]string                    // row key -> session
	sessionRows map[string][]string
	// closed and replaced on every release to wake blocked requests
	changed     chan struct{}
	waitTimeout time.Duration
}

// NewNativeLocker returns an emulated native locker. A non-positive
// waitTimeout uses 5s.
func NewNativeLocker(waitTimeout time.Duration) *NativeLocker {
	if waitTimeout <= 0 {
		waitTimeout = defaultLockWaitTimeout
	}
	return &NativeLocker{
		tables:      make(map[string]map[string]model.LockType),
		rows:        make(map[string]string),
		sessionRows: make(map[string][]string),
		changed:     make(chan struct{}),
		waitTimeout: waitTimeout,
	}
}

func (n *NativeLocker) LockTable(ctx context.Context, sessionID string, table string, lockType model.LockType) error {
	return n.waitFor(ctx, "table "+table, func() bool {
		holders := n.tables[table]
		for holder, mode := range holders {
			if holder == sessionID {
				continue
			}
			if mode == model.Exclusive || lockType == model.Exclusive {
				return false
			}
		}
		if holders == nil {
			holders = make(map[string]model.LockType)
			n.tables[table] = holders
		}
		if current, ok := holders[sessionID]; !ok || current < lockType {
			holders[sessionID] = lockType
		}
		return true
	})
}

func (n *NativeLocker) UnlockTable(ctx context.Context, sessionID string, table string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	holders, ok := n.tables[table]
	if !ok {
		return nil
	}
	delete(holders, sessionID)
	if len(holders) == 0 {
		delete(n.tables, table)
	}
	n.broadcast()
	return nil
}

func (n *NativeLocker) LockRowForUpdate(ctx context.Context, row *model.RowLock) error {
	return n.waitFor(ctx, "row "+row.RowKey, func() bool {
		holder, ok := n.rows[row.RowKey]
		if ok {
			return holder == row.SessionID
		}
		n.rows[row.RowKey] = row.SessionID
		n.sessionRows[row.SessionID] = append(n.sessionRows[row.SessionID], row.RowKey)
		return true
	})
}

func (n *NativeLocker) ReleaseRows(ctx context.Context, sessionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, rowKey := range n.sessionRows[sessionID] {
		if n.rows[rowKey] == sessionID {
			delete(n.rows, rowKey)
		}
	}
	delete(n.sessionRows, sessionID)
	n.broadcast()
	return nil
}

// HeldRows returns the row keys the session currently locks.
func (n *NativeLocker) HeldRows(sessionID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.sessionRows[sessionID]...)
}

// HeldTables returns the tables the session currently locks and their mode.
func (n *NativeLocker) HeldTables(sessionID string) map[string]model.LockType {
	n.mu.Lock()
	defer n.mu.Unlock()

	held := make(map[string]model.LockType)
	for table, holders := range n.tables {
		if mode, ok := holders[sessionID]; ok {
			held[table] = mode
		}
	}
	return held
}

func (n *NativeLocker) Close() error {
	return nil
}

// waitFor runs try under the mutex until it reports success, sleeping on the
// change channel in between.
func (n *NativeLocker) waitFor(ctx context.Context, what string, try func() bool) error {
	timer := time.NewTimer(n.waitTimeout)
	defer timer.Stop()

	for {
		n.mu.Lock()
		if try() {
			n.mu.Unlock()
			return nil
		}
		changed := n.changed
		n.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			log.Debugf("native lock wait timeout on %s", what)
			return exception.New(exception.LockTimeout, "lock wait timeout exceeded on %s", what)
		case <-ctx.Done():
			return exception.Wrap(ctx.Err(), exception.NativeLock, "native lock on %s canceled", what)
		}
	}
}

func (n *NativeLocker) broadcast() {
	close(n.changed)
	n.changed = make(chan struct{})
}
