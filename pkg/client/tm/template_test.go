package tm

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrx/lock-coordinator/pkg/tc/model"
)

type fakeCoordinator struct {
	seq      int
	open     map[string]bool
	closed   []string
	closeErr error
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{open: make(map[string]bool)}
}

func (c *fakeCoordinator) CreateSession(ownerID string, isolation model.IsolationLevel) (string, error) {
	c.seq++
	id := fmt.Sprintf("%s:%d", ownerID, c.seq)
	c.open[id] = true
	return id, nil
}

func (c *fakeCoordinator) CloseSession(ctx context.Context, sessionID string) error {
	delete(c.open, sessionID)
	c.closed = append(c.closed, sessionID)
	return c.closeErr
}

func TestRequiredOpensAndClosesSession(t *testing.T) {
	coordinator := newFakeCoordinator()
	template := NewSessionTemplate(coordinator)

	var seen string
	err := template.Execute(context.Background(), &SessionInfo{OwnerID: "alice"}, func(ctx context.Context) error {
		seen = SessionID(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice:1", seen)
	assert.Equal(t, []string{"alice:1"}, coordinator.closed)
	assert.Empty(t, coordinator.open)
}

func TestRequiredJoinsCurrentSession(t *testing.T) {
	coordinator := newFakeCoordinator()
	template := NewSessionTemplate(coordinator)
	ctx := WithSessionID(context.Background(), "outer")

	err := template.Execute(ctx, &SessionInfo{OwnerID: "alice", Propagation: Required}, func(ctx context.Context) error {
		assert.Equal(t, "outer", SessionID(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, coordinator.closed)
}

func TestRequiresNewSuspendsCurrentSession(t *testing.T) {
	coordinator := newFakeCoordinator()
	template := NewSessionTemplate(coordinator)
	ctx := WithSessionID(context.Background(), "outer")

	businessErr := errors.New("out of stock")
	err := template.Execute(ctx, &SessionInfo{OwnerID: "bob", Propagation: RequiresNew}, func(inner context.Context) error {
		assert.Equal(t, "bob:1", SessionID(inner))
		return businessErr
	})
	assert.Equal(t, businessErr, err)
	assert.Equal(t, []string{"bob:1"}, coordinator.closed)
	assert.Equal(t, "outer", SessionID(ctx))
}

func TestCloseFailureIsReported(t *testing.T) {
	coordinator := newFakeCoordinator()
	coordinator.closeErr = errors.New("native unlock failed")
	template := NewSessionTemplate(coordinator)

	err := template.Execute(context.Background(), &SessionInfo{OwnerID: "alice"}, func(ctx context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "native unlock failed")
}

func TestNotSupportedAndSupports(t *testing.T) {
	coordinator := newFakeCoordinator()
	template := NewSessionTemplate(coordinator)
	ctx := WithSessionID(context.Background(), "outer")

	err := template.Execute(ctx, &SessionInfo{Propagation: NotSupported}, func(ctx context.Context) error {
		assert.False(t, InSession(ctx))
		return nil
	})
	require.NoError(t, err)

	err = template.Execute(ctx, &SessionInfo{Propagation: Supports}, func(ctx context.Context) error {
		assert.Equal(t, "outer", SessionID(ctx))
		return nil
	})
	require.NoError(t, err)

	err = template.Execute(context.Background(), &SessionInfo{Propagation: Supports}, func(ctx context.Context) error {
		assert.False(t, InSession(ctx))
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, coordinator.seq)
}

func TestNeverAndMandatory(t *testing.T) {
	coordinator := newFakeCoordinator()
	template := NewSessionTemplate(coordinator)
	inSession := WithSessionID(context.Background(), "outer")
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, template.Execute(inSession, &SessionInfo{Propagation: Never}, noop))
	assert.NoError(t, template.Execute(context.Background(), &SessionInfo{Propagation: Never}, noop))

	assert.Error(t, template.Execute(context.Background(), &SessionInfo{Propagation: Mandatory}, noop))
	assert.NoError(t, template.Execute(inSession, &SessionInfo{Propagation: Mandatory}, noop))

	assert.Error(t, template.Execute(inSession, &SessionInfo{Propagation: Propagation(42)}, noop))
	assert.Error(t, template.Execute(inSession, nil, noop))
	assert.Zero(t, coordinator.seq)
}
