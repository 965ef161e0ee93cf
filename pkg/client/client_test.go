package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/client/tm"
	"github.com/opentrx/lock-coordinator/pkg/tc/config"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
	"github.com/opentrx/lock-coordinator/pkg/tc/server"
)

func newClient(t *testing.T) (*Client, *server.TransactionCoordinator) {
	conf := config.GetDefaultConfig()
	conf.Addressing = "127.0.0.1:8091"
	conf.ServerNode = 9
	conf.Lock.BackoffBase = time.Millisecond
	coordinator, err := server.NewTransactionCoordinator(conf)
	require.NoError(t, err)
	return NewClient(coordinator), coordinator
}

func TestSessionLocksAreReleasedWithTheSession(t *testing.T) {
	c, coordinator := newClient(t)

	err := c.Execute(context.Background(), &tm.SessionInfo{OwnerID: "alice"}, func(ctx context.Context) error {
		_, err := c.AcquireLock(ctx, "order-1", model.Exclusive, model.Aggregate, time.Second)
		require.NoError(t, err)

		result, err := c.RunWithImplicitLock(ctx, "Order", "order-2", func(ctx context.Context) (interface{}, error) {
			return len(coordinator.Locks().GetLockStatus()), nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, result)
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, coordinator.Locks().GetLockStatus())
	assert.Equal(t, 0, coordinator.Sessions().ActiveCount())
}

func TestLockingNeedsASession(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.AcquireLock(context.Background(), "order-1", model.Shared, model.Aggregate, time.Second)
	assert.Equal(t, exception.SessionNotFound, exception.Code(err))

	_, err = c.RunWithImplicitLock(context.Background(), "Order", "order-1", nil)
	assert.Equal(t, exception.SessionNotFound, exception.Code(err))
}
