package lock

import (
	"sort"
	"time"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

type requestResult struct {
	lockID int64
	err    error
	// reserved is set when the waiter still has to take the native lock
	reserved *model.Lock
}

// lockRequest is a queued acquisition. It is resolved exactly once: whoever
// sets settled under the manager mutex owns the resolution, and a granted
// or rejected request gets its result on ready.
type lockRequest struct {
	ticket     string
	lock       *model.Lock
	expiry     time.Duration
	enqueuedAt time.Time
	blockers   []string
	ready      chan requestResult
	settled    bool
}

func (r *lockRequest) key() model.ResourceKey {
	return r.lock.Key()
}

func (r *lockRequest) resolve(result requestResult) {
	r.settled = true
	r.ready <- result
}

// lockRegistry holds granted locks and wait queues per resource key. It has
// no locking of its own; LockManager guards it.
//
// A reserved lock blocks other sessions like a granted one while its owner
// takes the native table lock. It is hidden from snapshots and the expiry
// sweep until confirmed.
type lockRegistry struct {
	held     map[model.ResourceKey][]*model.Lock
	queues   map[model.ResourceKey][]*lockRequest
	byID     map[int64]*model.Lock
	reserved map[int64]bool
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{
		held:     make(map[model.ResourceKey][]*model.Lock),
		queues:   make(map[model.ResourceKey][]*lockRequest),
		byID:     make(map[int64]*model.Lock),
		reserved: make(map[int64]bool),
	}
}

// conflicting returns the locks of other sessions on key that block a
// request of lockType by sessionID.
func (r *lockRegistry) conflicting(key model.ResourceKey, sessionID string, lockType model.LockType) []*model.Lock {
	var blockers []*model.Lock
	for _, lock := range r.held[key] {
		if lock.SessionID == sessionID {
			continue
		}
		if !CanAcquire(lockType, []*model.Lock{lock}) {
			blockers = append(blockers, lock)
		}
	}
	return blockers
}

// sessionMode returns the strongest mode sessionID holds on key, reserved
// locks excluded.
func (r *lockRegistry) sessionMode(key model.ResourceKey, sessionID string) (model.LockType, bool) {
	var (
		mode  model.LockType
		found bool
	)
	for _, lock := range r.held[key] {
		if lock.SessionID != sessionID || r.reserved[lock.LockID] {
			continue
		}
		if !found || lock.LockType > mode {
			mode = lock.LockType
		}
		found = true
	}
	return mode, found
}

func (r *lockRegistry) add(lock *model.Lock) {
	key := lock.Key()
	r.held[key] = append(r.held[key], lock)
	r.byID[lock.LockID] = lock
}

func (r *lockRegistry) reserve(lock *model.Lock) {
	r.add(lock)
	r.reserved[lock.LockID] = true
}

// confirm turns a reservation into a grant. It reports false when the lock
// was removed in the meantime.
func (r *lockRegistry) confirm(lockID int64) bool {
	if _, ok := r.byID[lockID]; !ok {
		return false
	}
	delete(r.reserved, lockID)
	return true
}

func (r *lockRegistry) isReserved(lockID int64) bool {
	return r.reserved[lockID]
}

// granted returns a confirmed lock by id.
func (r *lockRegistry) granted(lockID int64) (*model.Lock, bool) {
	lock, ok := r.byID[lockID]
	if !ok || r.reserved[lockID] {
		return nil, false
	}
	return lock, true
}

func (r *lockRegistry) remove(lockID int64) *model.Lock {
	lock, ok := r.byID[lockID]
	if !ok {
		return nil
	}
	delete(r.byID, lockID)
	delete(r.reserved, lockID)

	key := lock.Key()
	held := r.held[key]
	for i, l := range held {
		if l.LockID == lockID {
			held = append(held[:i], held[i+1:]...)
			break
		}
	}
	if len(held) == 0 {
		delete(r.held, key)
	} else {
		r.held[key] = held
	}
	return lock
}

func (r *lockRegistry) enqueue(req *lockRequest) {
	key := req.key()
	r.queues[key] = append(r.queues[key], req)
}

func (r *lockRegistry) dequeue(req *lockRequest) bool {
	key := req.key()
	queue := r.queues[key]
	for i, q := range queue {
		if q.ticket == req.ticket {
			queue = append(queue[:i], queue[i+1:]...)
			if len(queue) == 0 {
				delete(r.queues, key)
			} else {
				r.queues[key] = queue
			}
			return true
		}
	}
	return false
}

// queue returns a copy of key's wait queue in FIFO order.
func (r *lockRegistry) queue(key model.ResourceKey) []*lockRequest {
	return append([]*lockRequest(nil), r.queues[key]...)
}

func (r *lockRegistry) sessionLocks(sessionID string) []*model.Lock {
	var locks []*model.Lock
	for _, lock := range r.byID {
		if lock.SessionID == sessionID {
			locks = append(locks, lock)
		}
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].LockID < locks[j].LockID })
	return locks
}

func (r *lockRegistry) sessionRequests(sessionID string) []*lockRequest {
	var requests []*lockRequest
	for _, queue := range r.queues {
		for _, req := range queue {
			if req.lock.SessionID == sessionID {
				requests = append(requests, req)
			}
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].lock.LockID < requests[j].lock.LockID })
	return requests
}

// pending returns every queued request, oldest first.
func (r *lockRegistry) pending() []*lockRequest {
	var requests []*lockRequest
	for _, queue := range r.queues {
		requests = append(requests, queue...)
	}
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].enqueuedAt.Equal(requests[j].enqueuedAt) {
			return requests[i].lock.LockID < requests[j].lock.LockID
		}
		return requests[i].enqueuedAt.Before(requests[j].enqueuedAt)
	})
	return requests
}

func (r *lockRegistry) expired(now time.Time) []int64 {
	var ids []int64
	for id, lock := range r.byID {
		if !r.reserved[id] && lock.IsExpired(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *lockRegistry) snapshot() map[model.ResourceKey][]model.Lock {
	result := make(map[model.ResourceKey][]model.Lock, len(r.held))
	for key, locks := range r.held {
		copied := make([]model.Lock, 0, len(locks))
		for _, lock := range locks {
			if !r.reserved[lock.LockID] {
				copied = append(copied, *lock)
			}
		}
		if len(copied) > 0 {
			result[key] = copied
		}
	}
	return result
}

func (r *lockRegistry) waiting() int {
	count := 0
	for _, queue := range r.queues {
		count += len(queue)
	}
	return count
}
