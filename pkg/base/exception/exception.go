package exception

import (
	"fmt"

	"github.com/pkg/errors"
)

// ExceptionCode classifies a LockException.
type ExceptionCode int32

const (
	// Unknown is the code of errors that are not a LockException.
	Unknown ExceptionCode = iota
	// LockTimeout: a queued request exceeded its timeout.
	LockTimeout
	// LockConflict: a business-process (OBJECT) lock was rejected without queueing.
	LockConflict
	// Deadlock: the request closed a cycle in the wait-for graph.
	Deadlock
	// UnknownPolicy: no lock policy is registered for an entity type.
	UnknownPolicy
	// NativeLock: the storage engine's table or row lock primitive failed.
	NativeLock
	// RetryExhausted: the implicit layer ran out of attempts.
	RetryExhausted
	// SessionClosed: the session was torn down while the request was pending.
	SessionClosed
	// SessionNotFound: the session id is unknown or inactive.
	SessionNotFound
	// InvalidArgument ...
	InvalidArgument
)

var exceptionCodeNames = map[ExceptionCode]string{
	Unknown:         "UNKNOWN",
	LockTimeout:     "LOCK_TIMEOUT",
	LockConflict:    "LOCK_CONFLICT",
	Deadlock:        "DEADLOCK",
	UnknownPolicy:   "UNKNOWN_POLICY",
	NativeLock:      "NATIVE_LOCK",
	RetryExhausted:  "RETRY_EXHAUSTED",
	SessionClosed:   "SESSION_CLOSED",
	SessionNotFound: "SESSION_NOT_FOUND",
	InvalidArgument: "INVALID_ARGUMENT",
}

func (c ExceptionCode) String() string {
	if name, ok := exceptionCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ExceptionCode(%d)", int32(c))
}

// LockException is the error type surfaced by every locking operation.
type LockException struct {
	Code    ExceptionCode
	Message string
	Err     error
}

func (e *LockException) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LockException) Unwrap() error {
	return e.Err
}

// New builds a LockException with a formatted message.
func New(code ExceptionCode, format string, args ...interface{}) *LockException {
	return &LockException{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a LockException around cause.
func Wrap(cause error, code ExceptionCode, format string, args ...interface{}) *LockException {
	return &LockException{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Code returns the code of the outermost LockException in err's chain.
func Code(err error) ExceptionCode {
	var le *LockException
	if errors.As(err, &le) {
		return le.Code
	}
	return Unknown
}

// Is reports whether err carries the given code.
func Is(err error, code ExceptionCode) bool {
	return err != nil && Code(err) == code
}

// IsRetryable reports whether err belongs to the deadlock / lock-wait-timeout
// class the implicit layer retries.
func IsRetryable(err error) bool {
	switch Code(err) {
	case Deadlock, LockTimeout:
		return true
	default:
		return false
	}
}
