package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LockType is the mode a lock is held in.
type LockType int32

const (
	Shared LockType = iota
	Exclusive
)

var lockTypeNames = []string{"SHARED", "EXCLUSIVE"}

func (t LockType) String() string {
	if t >= 0 && int(t) < len(lockTypeNames) {
		return lockTypeNames[t]
	}
	return fmt.Sprintf("LockType(%d)", int32(t))
}

// ParseLockType accepts the String form, case-insensitively.
func ParseLockType(s string) (LockType, error) {
	for i, name := range lockTypeNames {
		if strings.EqualFold(s, name) {
			return LockType(i), nil
		}
	}
	return 0, errors.Errorf("unknown lock type %q", s)
}

func (t *LockType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLockType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// LockGranularity is the scope a lock protects, ordered from fine to coarse.
// It is descriptive except for TABLE, which also takes the storage engine's
// native table lock, and OBJECT, which never queues.
type LockGranularity int32

const (
	Row LockGranularity = iota
	Object
	Aggregate
	Table
	Database
)

var granularityNames = []string{"ROW", "OBJECT", "AGGREGATE", "TABLE", "DATABASE"}

func (g LockGranularity) String() string {
	if g >= 0 && int(g) < len(granularityNames) {
		return granularityNames[g]
	}
	return fmt.Sprintf("LockGranularity(%d)", int32(g))
}

// Coarser reports whether g protects a wider scope than other.
func (g LockGranularity) Coarser(other LockGranularity) bool {
	return g > other
}

// ParseLockGranularity accepts the String form, case-insensitively.
func ParseLockGranularity(s string) (LockGranularity, error) {
	for i, name := range granularityNames {
		if strings.EqualFold(s, name) {
			return LockGranularity(i), nil
		}
	}
	return 0, errors.Errorf("unknown lock granularity %q", s)
}

func (g *LockGranularity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseLockGranularity(s)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}

// LockStatus ...
type LockStatus int32

const (
	Acquired LockStatus = iota
	Waiting
	Timeout
	DeadlockAborted
)

var lockStatusNames = []string{"ACQUIRED", "WAITING", "TIMEOUT", "DEADLOCK"}

func (s LockStatus) String() string {
	if s >= 0 && int(s) < len(lockStatusNames) {
		return lockStatusNames[s]
	}
	return fmt.Sprintf("LockStatus(%d)", int32(s))
}

// ResourceKey groups competing lock requests. The same resource id at two
// granularities is two different keys.
type ResourceKey struct {
	Granularity LockGranularity
	ResourceID  string
}

// NewResourceKey ...
func NewResourceKey(granularity LockGranularity, resourceID string) ResourceKey {
	return ResourceKey{Granularity: granularity, ResourceID: resourceID}
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s(%s)", k.Granularity, k.ResourceID)
}

// Lock is one grant held by one session.
type Lock struct {
	LockID      int64
	ResourceID  string
	SessionID   string
	LockType    LockType
	Granularity LockGranularity
	Status      LockStatus
	AcquiredAt  time.Time
	// zero means the lock never expires
	ExpiresAt time.Time
}

// Key returns the resource key the lock is registered under.
func (l *Lock) Key() ResourceKey {
	return NewResourceKey(l.Granularity, l.ResourceID)
}

// IsExpired reports whether the lock has an expiry that is not after now.
func (l *Lock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// RowLock identifies a single row for the storage engine's row lock
// primitive.
type RowLock struct {
	SessionID string
	TableName string
	PK        string
	RowKey    string
}
