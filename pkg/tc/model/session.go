package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// IsolationLevel is recorded on the session for the business layer, the
// lock manager does not interpret it.
type IsolationLevel int32

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

var isolationLevelNames = []string{"READ_UNCOMMITTED", "READ_COMMITTED", "REPEATABLE_READ", "SERIALIZABLE"}

func (l IsolationLevel) String() string {
	if l >= 0 && int(l) < len(isolationLevelNames) {
		return isolationLevelNames[l]
	}
	return fmt.Sprintf("IsolationLevel(%d)", int32(l))
}

// ParseIsolationLevel accepts "READ_COMMITTED", "read committed" and the like.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	normalized := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
	for i, name := range isolationLevelNames {
		if normalized == name {
			return IsolationLevel(i), nil
		}
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}

// Session is a logical business session that owns locks.
type Session struct {
	SessionID      string
	OwnerID        string
	IsolationLevel IsolationLevel
	CreatedAt      time.Time
	LastActivity   time.Time
	Active         bool
}

// IdleFor returns how long the session has been inactive at now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}
