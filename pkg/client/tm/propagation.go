package tm

import (
	"fmt"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

// Propagation decides how a business call relates to the session already
// present in its context.
type Propagation int8

const (
	// Required joins the current session or opens a new one.
	Required Propagation = iota
	// RequiresNew always opens a new session, the current one is suspended.
	RequiresNew
	// NotSupported runs without a session, the current one is suspended.
	NotSupported
	// Supports joins the current session, or runs without one.
	Supports
	// Never fails when a session exists.
	Never
	// Mandatory fails when no session exists.
	Mandatory
)

func (p Propagation) String() string {
	switch p {
	case Required:
		return "REQUIRED"
	case RequiresNew:
		return "REQUIRES_NEW"
	case NotSupported:
		return "NOT_SUPPORTED"
	case Supports:
		return "SUPPORTS"
	case Never:
		return "NEVER"
	case Mandatory:
		return "MANDATORY"
	default:
		return fmt.Sprintf("Propagation(%d)", int8(p))
	}
}

// SessionInfo describes the session a business call runs in.
type SessionInfo struct {
	OwnerID        string
	IsolationLevel model.IsolationLevel
	Propagation    Propagation
}
