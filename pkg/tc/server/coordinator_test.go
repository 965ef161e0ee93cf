package server

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrx/lock-coordinator/pkg/base/exception"
	"github.com/opentrx/lock-coordinator/pkg/tc/config"
	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

func newTestCoordinator(t *testing.T) (*TransactionCoordinator, clockwork.FakeClock) {
	conf := config.GetDefaultConfig()
	conf.Addressing = "127.0.0.1:8091"
	conf.ServerNode = 3
	conf.Session.MaxIdle = time.Minute
	conf.Policies = map[string]model.LockPolicy{
		"Shipment": {LockType: model.Exclusive, Granularity: model.Aggregate, MaxRetries: 1},
	}
	clock := clockwork.NewFakeClock()
	tc, err := newTransactionCoordinator(conf, clock)
	require.NoError(t, err)
	return tc, clock
}

func TestCloseSessionReleasesLocks(t *testing.T) {
	tc, _ := newTestCoordinator(t)
	ctx := context.Background()

	s1, err := tc.CreateSession("alice", model.ReadCommitted)
	require.NoError(t, err)
	_, err = tc.Locks().AcquireLock(ctx, "order-1", s1, model.Exclusive, model.Aggregate, time.Second)
	require.NoError(t, err)

	require.NoError(t, tc.CloseSession(ctx, s1))
	assert.Empty(t, tc.Locks().GetLockStatus())
	assert.Nil(t, tc.Sessions().GetSession(s1))

	err = tc.CloseSession(ctx, s1)
	assert.Equal(t, exception.SessionNotFound, exception.Code(err))
}

func TestIdleSweepReleasesLocks(t *testing.T) {
	tc, clock := newTestCoordinator(t)
	ctx := context.Background()

	idle, err := tc.CreateSession("alice", model.ReadCommitted)
	require.NoError(t, err)
	busy, err := tc.CreateSession("bob", model.ReadCommitted)
	require.NoError(t, err)

	_, err = tc.Locks().AcquireLock(ctx, "order-1", idle, model.Exclusive, model.Aggregate, time.Second)
	require.NoError(t, err)
	_, err = tc.Locks().AcquireLock(ctx, "order-2", busy, model.Exclusive, model.Aggregate, time.Second)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	require.NoError(t, tc.Touch(busy))
	clock.Advance(20 * time.Second)

	tc.sweepIdleSessions(ctx)

	status := tc.Locks().GetLockStatus()
	assert.Len(t, status, 1)
	assert.Len(t, status[model.NewResourceKey(model.Aggregate, "order-2")], 1)
	assert.Nil(t, tc.Sessions().GetSession(idle))
	assert.NotNil(t, tc.Sessions().GetSession(busy))
}

func TestConfiguredPoliciesAreRegistered(t *testing.T) {
	tc, _ := newTestCoordinator(t)

	policy, ok := tc.Implicit().Policy("Shipment")
	require.True(t, ok)
	assert.Equal(t, model.Aggregate, policy.Granularity)

	_, ok = tc.Implicit().Policy("Order")
	assert.True(t, ok)
}

func TestStartStop(t *testing.T) {
	tc, _ := newTestCoordinator(t)
	tc.Start(context.Background())
	assert.NoError(t, tc.Stop())
}

func TestRejectsInvalidConfig(t *testing.T) {
	conf := config.GetDefaultConfig()
	conf.Storage.Driver = "redis"
	_, err := NewTransactionCoordinator(conf)
	assert.Error(t, err)
}
