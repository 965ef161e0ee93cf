package sql

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/go-xorm/xorm"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"xorm.io/builder"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"

	mysqlDeadlock        = 1213
	mysqlLockWaitTimeout = 1205

	pgDeadlockDetected  = "40P01"
	pgLockNotAvailable  = "55P03"
	pgQueryCanceled     = "57014"
	defaultPrimaryKeyID = "id"

	lockSavepoint = "native_lock"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

type sessionConn struct {
	mu      sync.Mutex
	sess    *xorm.Session
	tables  map[string]model.LockType
	rows    int
	retired *atomic.Bool
}

// NativeLocker takes table and row locks in MySQL or PostgreSQL. Every
// coordinator session gets its own xorm session with an open transaction so
// that all of its native locks live on one connection.
//
// Transactions begin on the locker's own context and live until the
// session's last native lock is released or the locker is closed. The caller's
// context only bounds the single lock statement.
//
// MySQL replaces the whole lock set on every LOCK TABLES, so the locker keeps
// the session's table set and re-issues it. PostgreSQL cannot drop a single
// table lock before commit; its table locks are held until the session's
// last native lock is released. A failed PostgreSQL lock statement is rolled
// back to a savepoint so the transaction keeps its earlier locks.
type NativeLocker struct {
	engine   *xorm.Engine
	dialect  string
	pkColumn string

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*sessionConn
}

// NewNativeLocker opens an engine for driverName ("mysql" or "postgres").
// pkColumn names the primary key column row locks filter on, "id" if empty.
func NewNativeLocker(driverName string, dsn string, pkColumn string) (*NativeLocker, error) {
	if driverName != DriverMySQL && driverName != DriverPostgres {
		return nil, errors.Errorf("unsupported native lock driver %q", driverName)
	}
	engine, err := xorm.NewEngine(driverName, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s engine", driverName)
	}
	return newNativeLocker(engine, driverName, pkColumn)
}

func newNativeLocker(engine *xorm.Engine, dialect string, pkColumn string) (*NativeLocker, error) {
	if pkColumn == "" {
		pkColumn = defaultPrimaryKeyID
	}
	if !identifierPattern.MatchString(pkColumn) {
		return nil, errors.Errorf("invalid primary key column %q", pkColumn)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &NativeLocker{
		engine:   engine,
		dialect:  dialect,
		pkColumn: pkColumn,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[string]*sessionConn),
	}, nil
}

func (n *NativeLocker) LockTable(ctx context.Context, sessionID string, table string, lockType model.LockType) error {
	if !identifierPattern.MatchString(table) {
		return exception.New(exception.InvalidArgument, "invalid table name %q", table)
	}
	conn, err := n.acquire(sessionID)
	if err != nil {
		return err
	}
	defer conn.mu.Unlock()

	switch n.dialect {
	case DriverMySQL:
		next := copyTables(conn.tables)
		next[table] = lockType
		if err := n.lock(ctx, sessionID, conn, execStatement(lockTablesStatement(next))); err != nil {
			return classify(err, "lock table %s", table)
		}
		conn.tables = next
	default:
		if err := n.lock(ctx, sessionID, conn, execStatement(lockTableStatement(table, lockType))); err != nil {
			return classify(err, "lock table %s", table)
		}
		if current, ok := conn.tables[table]; !ok || current < lockType {
			conn.tables[table] = lockType
		}
	}
	log.Debugf("native %s lock on table %s taken by session %s", lockType, table, sessionID)
	return nil
}

func (n *NativeLocker) UnlockTable(ctx context.Context, sessionID string, table string) error {
	conn := n.existing(sessionID)
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	if _, ok := conn.tables[table]; !ok || conn.retired.Load() {
		conn.mu.Unlock()
		return nil
	}
	delete(conn.tables, table)

	if n.dialect == DriverMySQL {
		if _, err := conn.sess.Context(n.ctx).Exec("UNLOCK TABLES"); err != nil {
			conn.mu.Unlock()
			return classify(err, "unlock table %s", table)
		}
		if len(conn.tables) > 0 {
			if _, err := conn.sess.Context(n.ctx).Exec(lockTablesStatement(conn.tables)); err != nil {
				conn.mu.Unlock()
				return classify(err, "re-lock tables after releasing %s", table)
			}
		}
	}
	conn.mu.Unlock()
	return n.finish(sessionID)
}

func (n *NativeLocker) LockRowForUpdate(ctx context.Context, row *model.RowLock) error {
	if !identifierPattern.MatchString(row.TableName) {
		return exception.New(exception.InvalidArgument, "invalid table name %q", row.TableName)
	}
	query, args, err := selectForUpdate(n.dialect, row.TableName, n.pkColumn, row.PK)
	if err != nil {
		return exception.Wrap(err, exception.InvalidArgument, "build row lock for %s", row.RowKey)
	}
	conn, err := n.acquire(row.SessionID)
	if err != nil {
		return err
	}
	defer conn.mu.Unlock()

	err = n.lock(ctx, row.SessionID, conn, func(sess *xorm.Session) error {
		_, err := sess.Query(append([]interface{}{query}, args...)...)
		return err
	})
	if err != nil {
		return classify(err, "lock row %s", row.RowKey)
	}
	conn.rows++
	return nil
}

func (n *NativeLocker) ReleaseRows(ctx context.Context, sessionID string) error {
	conn := n.existing(sessionID)
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	conn.rows = 0
	conn.mu.Unlock()
	return n.finish(sessionID)
}

func (n *NativeLocker) Close() error {
	n.mu.Lock()
	conns := n.conns
	n.conns = make(map[string]*sessionConn)
	n.mu.Unlock()

	for sessionID, conn := range conns {
		conn.mu.Lock()
		if conn.retired.Load() {
			conn.mu.Unlock()
			continue
		}
		conn.retired.Store(true)
		if err := conn.sess.Rollback(); err != nil {
			log.Warnf("rollback native session %s: %v", sessionID, err)
		}
		conn.sess.Close()
		conn.mu.Unlock()
	}
	n.cancel()
	return n.engine.Close()
}

func execStatement(query string) func(*xorm.Session) error {
	return func(sess *xorm.Session) error {
		_, err := sess.Exec(query)
		return err
	}
}

// lock runs one lock statement bounded by ctx. conn.mu must be held.
func (n *NativeLocker) lock(ctx context.Context, sessionID string, conn *sessionConn,
	statement func(*xorm.Session) error) error {
	if n.dialect == DriverPostgres {
		if _, err := conn.sess.Context(n.ctx).Exec("SAVEPOINT " + lockSavepoint); err != nil {
			return err
		}
	}
	err := statement(conn.sess.Context(ctx))
	conn.sess.Context(n.ctx)
	if err == nil {
		if n.dialect == DriverPostgres {
			_, err = conn.sess.Exec("RELEASE SAVEPOINT " + lockSavepoint)
		}
		return err
	}

	if n.dialect == DriverPostgres {
		if _, rbErr := conn.sess.Exec("ROLLBACK TO SAVEPOINT " + lockSavepoint); rbErr != nil {
			log.Errorf("roll back failed lock of session %s: %v", sessionID, rbErr)
		}
	} else if ctx.Err() != nil {
		// the driver closes the connection of a cancelled statement, taking
		// the transaction and its locks with it
		log.Errorf("lock statement of session %s cancelled, its native locks are lost", sessionID)
		n.drop(sessionID, conn)
	}
	return err
}

// drop retires a session whose transaction is unusable, the next lock of the
// session begins a new one. conn.mu must be held.
func (n *NativeLocker) drop(sessionID string, conn *sessionConn) {
	conn.retired.Store(true)
	if err := conn.sess.Rollback(); err != nil {
		log.Debugf("rollback retired native session %s: %v", sessionID, err)
	}
	conn.sess.Close()
	conn.tables = make(map[string]model.LockType)
	conn.rows = 0
}

func (n *NativeLocker) conn(sessionID string) (*sessionConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if conn, ok := n.conns[sessionID]; ok && !conn.retired.Load() {
		return conn, nil
	}
	sess := n.engine.NewSession().Context(n.ctx)
	if err := sess.Begin(); err != nil {
		sess.Close()
		return nil, classify(err, "begin native session for %s", sessionID)
	}
	conn := &sessionConn{
		sess:    sess,
		tables:  make(map[string]model.LockType),
		retired: atomic.NewBool(false),
	}
	n.conns[sessionID] = conn
	return conn, nil
}

// acquire returns the session's live connection with its mutex held.
func (n *NativeLocker) acquire(sessionID string) (*sessionConn, error) {
	for {
		conn, err := n.conn(sessionID)
		if err != nil {
			return nil, err
		}
		conn.mu.Lock()
		if !conn.retired.Load() {
			return conn, nil
		}
		conn.mu.Unlock()
	}
}

func (n *NativeLocker) existing(sessionID string) *sessionConn {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.conns[sessionID]
}

// finish commits and closes the session's transaction once it holds no
// native locks, which is what releases PostgreSQL table locks and row locks.
func (n *NativeLocker) finish(sessionID string) error {
	conn := n.existing(sessionID)
	if conn == nil {
		return nil
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.retired.Load() || len(conn.tables) > 0 || conn.rows > 0 {
		return nil
	}
	conn.retired.Store(true)
	n.mu.Lock()
	if n.conns[sessionID] == conn {
		delete(n.conns, sessionID)
	}
	n.mu.Unlock()

	defer conn.sess.Close()
	if err := conn.sess.Commit(); err != nil {
		return classify(err, "commit native session %s", sessionID)
	}
	return nil
}

func copyTables(tables map[string]model.LockType) map[string]model.LockType {
	next := make(map[string]model.LockType, len(tables)+1)
	for table, mode := range tables {
		next[table] = mode
	}
	return next
}

func quote(dialect string, identifier string) string {
	parts := strings.Split(identifier, ".")
	for i, part := range parts {
		if dialect == DriverMySQL {
			parts[i] = "`" + part + "`"
		} else {
			parts[i] = `"` + part + `"`
		}
	}
	return strings.Join(parts, ".")
}

// lockTablesStatement renders MySQL's LOCK TABLES for the whole set, in
// table name order.
func lockTablesStatement(tables map[string]model.LockType) string {
	names := make([]string, 0, len(tables))
	for table := range tables {
		names = append(names, table)
	}
	sort.Strings(names)

	clauses := make([]string, 0, len(names))
	for _, table := range names {
		mode := "READ"
		if tables[table] == model.Exclusive {
			mode = "WRITE"
		}
		clauses = append(clauses, fmt.Sprintf("%s %s", quote(DriverMySQL, table), mode))
	}
	return "LOCK TABLES " + strings.Join(clauses, ", ")
}

// lockTableStatement renders PostgreSQL's LOCK TABLE for one table.
func lockTableStatement(table string, lockType model.LockType) string {
	mode := "SHARE"
	if lockType == model.Exclusive {
		mode = "EXCLUSIVE"
	}
	return fmt.Sprintf("LOCK TABLE %s IN %s MODE", quote(DriverPostgres, table), mode)
}

func selectForUpdate(dialect string, table string, pkColumn string, pk string) (string, []interface{}, error) {
	b := builder.Dialect(dialect).
		Select("1").
		From(quote(dialect, table)).
		Where(builder.Eq{quote(dialect, pkColumn): pk})
	query, args, err := b.ToSQL()
	if err != nil {
		return "", nil, err
	}
	if dialect == DriverPostgres {
		if query, err = builder.ConvertPlaceholder(query, "$"); err != nil {
			return "", nil, err
		}
	}
	return query + " FOR UPDATE", args, nil
}

// classify maps driver errors to the lock exception taxonomy so deadlocks
// and lock wait timeouts can be retried by the implicit layer.
func classify(err error, format string, args ...interface{}) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlDeadlock:
			return exception.Wrap(err, exception.Deadlock, format, args...)
		case mysqlLockWaitTimeout:
			return exception.Wrap(err, exception.LockTimeout, format, args...)
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgDeadlockDetected:
			return exception.Wrap(err, exception.Deadlock, format, args...)
		case pgLockNotAvailable, pgQueryCanceled:
			return exception.Wrap(err, exception.LockTimeout, format, args...)
		}
	}
	return exception.Wrap(err, exception.NativeLock, format, args...)
}
