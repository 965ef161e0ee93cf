package holder

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/metrics"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/storage"
	"github.com/opentrx/lock-coordinator/pkg/util/common"
	"github.com/opentrx/lock-coordinator/pkg/util/log"
	"github.com/opentrx/lock-coordinator/pkg/util/uuid"
)

// SessionHolder creates and tracks logical sessions. It knows nothing about
// locks: whoever closes a session must also release its locks through the
// lock manager.
type SessionHolder struct {
	manager    storage.SessionManager
	addressing string
	idWorker   *uuid.IDWorker
	clock      clockwork.Clock
	active     *atomic.Int64
}

func NewSessionHolder(manager storage.SessionManager, addressing string,
	idWorker *uuid.IDWorker, clock clockwork.Clock) *SessionHolder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionHolder{
		manager:    manager,
		addressing: addressing,
		idWorker:   idWorker,
		clock:      clock,
		active:     atomic.NewInt64(int64(len(manager.AllSessions()))),
	}
}

// CreateSession registers an active session for ownerID and returns its id.
func (holder *SessionHolder) CreateSession(ownerID string, isolation model.IsolationLevel) (string, error) {
	now := holder.clock.Now()
	session := &model.Session{
		SessionID:      common.GenerateSessionID(holder.addressing, holder.idWorker.NextID()),
		OwnerID:        ownerID,
		IsolationLevel: isolation,
		CreatedAt:      now,
		LastActivity:   now,
		Active:         true,
	}
	if err := holder.manager.AddSession(session); err != nil {
		return "", err
	}
	metrics.SessionsActive.Set(float64(holder.active.Inc()))
	log.Debugf("session %s created for %s with %s", session.SessionID, ownerID, isolation)
	return session.SessionID, nil
}

func (holder *SessionHolder) GetSession(sessionID string) *model.Session {
	return holder.manager.FindSession(sessionID)
}

// Touch moves the session's last activity to now so the idle sweep skips it.
func (holder *SessionHolder) Touch(sessionID string) error {
	session := holder.manager.FindSession(sessionID)
	if session == nil || !session.Active {
		return exception.New(exception.SessionNotFound, "session %s not found", sessionID)
	}
	session.LastActivity = holder.clock.Now()
	return holder.manager.UpdateSession(session)
}

// CloseSession marks the session inactive and forgets it. Its locks are not
// released here.
func (holder *SessionHolder) CloseSession(sessionID string) error {
	session := holder.manager.FindSession(sessionID)
	if session == nil {
		return exception.New(exception.SessionNotFound, "session %s not found", sessionID)
	}
	session.Active = false
	if err := holder.manager.UpdateSession(session); err != nil {
		return err
	}
	removed, err := holder.manager.RemoveSession(sessionID)
	if err != nil {
		return err
	}
	if !removed {
		// closed concurrently
		return exception.New(exception.SessionNotFound, "session %s not found", sessionID)
	}
	metrics.SessionsActive.Set(float64(holder.active.Dec()))
	log.Debugf("session %s closed", sessionID)
	return nil
}

// SweepIdle closes every session idle for longer than maxIdle and returns
// their ids. Failures are logged and skipped.
func (holder *SessionHolder) SweepIdle(maxIdle time.Duration) []string {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("idle session sweep panicked: %v", r)
		}
	}()

	now := holder.clock.Now()
	var closed []string
	for _, session := range holder.manager.AllSessions() {
		if session.IdleFor(now) <= maxIdle {
			continue
		}
		if err := holder.CloseSession(session.SessionID); err != nil {
			log.Warnf("close idle session %s: %v", session.SessionID, err)
			continue
		}
		log.Infof("session %s of %s closed after %s idle", session.SessionID, session.OwnerID, session.IdleFor(now))
		closed = append(closed, session.SessionID)
	}
	return closed
}

// ActiveSessions returns the active sessions, oldest first.
func (holder *SessionHolder) ActiveSessions() []*model.Session {
	sessions := holder.manager.AllSessions()
	active := sessions[:0]
	for _, session := range sessions {
		if session.Active {
			active = append(active, session)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

func (holder *SessionHolder) ActiveCount() int {
	return int(holder.active.Load())
}
