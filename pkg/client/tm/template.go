package tm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
)

// SessionCoordinator opens and closes sessions. Closing must also release
// the session's locks.
type SessionCoordinator interface {
	CreateSession(ownerID string, isolation model.IsolationLevel) (string, error)
	CloseSession(ctx context.Context, sessionID string) error
}

// BusinessFunc is the work run inside a session, the session id is in ctx.
type BusinessFunc func(ctx context.Context) error

// SessionTemplate runs business functions with session propagation.
type SessionTemplate struct {
	coordinator SessionCoordinator
}

func NewSessionTemplate(coordinator SessionCoordinator) *SessionTemplate {
	return &SessionTemplate{coordinator: coordinator}
}

// Execute runs business according to info.Propagation. A session opened
// here is closed, and its locks released, when business returns.
func (template *SessionTemplate) Execute(ctx context.Context, info *SessionInfo, business BusinessFunc) error {
	if info == nil {
		return errors.New("session info must not be nil")
	}

	switch info.Propagation {
	case Required:
		if InSession(ctx) {
			return business(ctx)
		}
	case RequiresNew:
	case NotSupported:
		return business(WithSessionID(ctx, ""))
	case Supports:
		return business(ctx)
	case Never:
		if InSession(ctx) {
			return errors.Errorf("existing session found for propagation 'never', session = %s", SessionID(ctx))
		}
		return business(ctx)
	case Mandatory:
		if !InSession(ctx) {
			return errors.New("no existing session found for propagation 'mandatory'")
		}
		return business(ctx)
	default:
		return errors.Errorf("not supported propagation: %s", info.Propagation)
	}

	return template.executeInNewSession(ctx, info, business)
}

func (template *SessionTemplate) executeInNewSession(ctx context.Context, info *SessionInfo, business BusinessFunc) (err error) {
	sessionID, err := template.coordinator.CreateSession(info.OwnerID, info.IsolationLevel)
	if err != nil {
		return errors.WithStack(err)
	}
	if suspended := SessionID(ctx); suspended != "" {
		log.Debugf("session %s suspended by new session %s", suspended, sessionID)
	}

	defer func() {
		closeErr := template.coordinator.CloseSession(context.Background(), sessionID)
		if closeErr == nil {
			return
		}
		if err == nil {
			err = errors.WithStack(closeErr)
			return
		}
		log.Errorf("close session %s: %v", sessionID, closeErr)
	}()
	return business(WithSessionID(ctx, sessionID))
}
