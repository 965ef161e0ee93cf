package sql

import (
	"context"
	gosql "database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-xorm/xorm"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

var (
	registerMockDriver sync.Once
	mockDatabases      = atomic.NewInt32(0)
)

// newMockLocker returns a locker whose engine talks to sqlmock. The mock
// driver is registered under xorm's mymysql dialect, which only needs a
// "db/user/password" data source name.
func newMockLocker(t *testing.T, dialect string) (*NativeLocker, sqlmock.Sqlmock) {
	dsn := fmt.Sprintf("locks%d/coordinator/secret", mockDatabases.Inc())
	db, mock, err := sqlmock.NewWithDSN(dsn, sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	registerMockDriver.Do(func() {
		gosql.Register("mymysql", db.Driver())
	})

	engine, err := xorm.NewEngine("mymysql", dsn)
	require.NoError(t, err)
	locker, err := newNativeLocker(engine, dialect, "")
	require.NoError(t, err)
	return locker, mock
}

func TestTransactionOutlivesFirstCaller(t *testing.T) {
	locker, mock := newMockLocker(t, DriverMySQL)
	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLES `orders` WRITE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("LOCK TABLES `inventory` READ, `orders` WRITE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UNLOCK TABLES").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("LOCK TABLES `inventory` READ").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UNLOCK TABLES").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	first, cancel := context.WithCancel(context.Background())
	require.NoError(t, locker.LockTable(first, "s1", "orders", model.Exclusive))
	cancel()
	// a transaction begun on the cancelled context would be rolled back by now
	time.Sleep(20 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, locker.LockTable(ctx, "s1", "inventory", model.Shared))
	require.NoError(t, locker.UnlockTable(ctx, "s1", "orders"))
	require.NoError(t, locker.UnlockTable(ctx, "s1", "inventory"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelledStatementRetiresTransaction(t *testing.T) {
	locker, mock := newMockLocker(t, DriverMySQL)
	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLES `orders` WRITE").
		WillDelayFor(time.Second).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLES `orders` WRITE").WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := locker.LockTable(ctx, "s1", "orders", model.Exclusive)
	require.Error(t, err)
	assert.Equal(t, exception.NativeLock, exception.Code(err))

	require.NoError(t, locker.LockTable(context.Background(), "s1", "orders", model.Exclusive))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFailedLockKeepsTransaction(t *testing.T) {
	locker, mock := newMockLocker(t, DriverPostgres)
	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT native_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`LOCK TABLE "orders" IN EXCLUSIVE MODE`).WillReturnError(&pq.Error{Code: pgLockNotAvailable})
	mock.ExpectExec("ROLLBACK TO SAVEPOINT native_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SAVEPOINT native_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`LOCK TABLE "orders" IN SHARE MODE`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("RELEASE SAVEPOINT native_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	err := locker.LockTable(ctx, "s1", "orders", model.Exclusive)
	assert.Equal(t, exception.LockTimeout, exception.Code(err))

	require.NoError(t, locker.LockTable(ctx, "s1", "orders", model.Shared))
	require.NoError(t, locker.UnlockTable(ctx, "s1", "orders"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
