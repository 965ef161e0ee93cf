package storage

//go:generate mockgen -destination=mock/mock_native_locker.go -package=mock github.com/opentrx/lock-coordinator/pkg/tc/storage NativeLocker

import (
	"context"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

// SessionManager stores logical sessions.
type SessionManager interface {
	// AddSession stores a new session, the id must be unused.
	AddSession(session *model.Session) error

	// FindSession returns a copy of the session, nil when absent.
	FindSession(sessionID string) *model.Session

	// UpdateSession replaces the stored session with the same id.
	UpdateSession(session *model.Session) error

	// RemoveSession deletes the session and reports whether it was stored.
	// Missing ids are not an error.
	RemoveSession(sessionID string) (bool, error)

	// AllSessions returns copies of every stored session.
	AllSessions() []*model.Session
}

// NativeLocker is the storage engine's own locking, used for TABLE
// granularity and for ROW policies of the implicit layer. Native locks are
// tied to the session that took them.
type NativeLocker interface {
	// LockTable takes a table lock in the given mode for the session.
	LockTable(ctx context.Context, sessionID string, table string, lockType model.LockType) error

	// UnlockTable drops the session's lock on table.
	UnlockTable(ctx context.Context, sessionID string, table string) error

	// LockRowForUpdate locks a single row until ReleaseRows is called for the session.
	LockRowForUpdate(ctx context.Context, row *model.RowLock) error

	// ReleaseRows drops every row lock the session holds.
	ReleaseRows(ctx context.Context, sessionID string) error

	// Close releases the underlying resources.
	Close() error
}
