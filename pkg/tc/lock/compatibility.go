package lock

import (
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

// IsCompatible reports whether requested can be granted next to held. Only
// SHARED next to SHARED is compatible.
func IsCompatible(requested, held model.LockType) bool {
	return requested == model.Shared && held == model.Shared
}

// CanAcquire reports whether requested is compatible with every ACQUIRED
// lock in held. Locks in any other status are ignored.
func CanAcquire(requested model.LockType, held []*model.Lock) bool {
	for _, lock := range held {
		if lock.Status != model.Acquired {
			continue
		}
		if !IsCompatible(requested, lock.LockType) {
			return false
		}
	}
	return true
}
