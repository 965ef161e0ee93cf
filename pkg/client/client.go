package client

import (
	"context"
	"time"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/client/tm"
	"github.com/opentrx/lock-coordinator/pkg/tc/implicit"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/server"
)

// Client is the business side view of a coordinator: session templates and
// explicit or implicit locking with the session taken from the context.
type Client struct {
	coordinator *server.TransactionCoordinator
	template    *tm.SessionTemplate
}

func NewClient(coordinator *server.TransactionCoordinator) *Client {
	return &Client{
		coordinator: coordinator,
		template:    tm.NewSessionTemplate(coordinator),
	}
}

// Execute runs business in a session chosen by info.Propagation.
func (c *Client) Execute(ctx context.Context, info *tm.SessionInfo, business tm.BusinessFunc) error {
	return c.template.Execute(ctx, info, business)
}

// RunWithImplicitLock runs op under the policy lock of entityType for the
// session in ctx.
func (c *Client) RunWithImplicitLock(ctx context.Context, entityType, entityID string,
	op implicit.Operation) (interface{}, error) {
	sessionID, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	return c.coordinator.Implicit().RunWithImplicitLock(ctx, entityType, entityID, sessionID, op)
}

// AcquireLock takes an explicit lock for the session in ctx.
func (c *Client) AcquireLock(ctx context.Context, resourceID string, lockType model.LockType,
	granularity model.LockGranularity, timeout time.Duration) (int64, error) {
	sessionID, err := sessionFrom(ctx)
	if err != nil {
		return 0, err
	}
	return c.coordinator.Locks().AcquireLock(ctx, resourceID, sessionID, lockType, granularity, timeout)
}

func (c *Client) ReleaseLock(ctx context.Context, lockID int64) (bool, error) {
	return c.coordinator.Locks().ReleaseLock(ctx, lockID)
}

func sessionFrom(ctx context.Context) (string, error) {
	sessionID := tm.SessionID(ctx)
	if sessionID == "" {
		return "", exception.New(exception.SessionNotFound, "no session in context")
	}
	return sessionID, nil
}
