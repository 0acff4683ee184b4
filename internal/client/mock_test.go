package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMock_LoginFlow(t *testing.T) {
	rec := &eventRecorder{}
	m := NewMock(Options{SessionKey: "demo"}, rec.handle)
	ctx := context.Background()

	state, err := m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnlaunched, state)

	require.NoError(t, m.Initialize(ctx))
	require.Equal(t, []EventKind{EventQR}, rec.kinds())
	assert.True(t, strings.HasPrefix(rec.first().Token, "demo@"))

	state, _ = m.State(ctx)
	assert.Equal(t, StateUnpaired, state)

	m.Pair()
	assert.Equal(t, []EventKind{EventQR, EventAuthenticated, EventReady}, rec.kinds())

	state, _ = m.State(ctx)
	assert.Equal(t, StateConnected, state)
}

func TestMock_OperationsRequirePairing(t *testing.T) {
	m := NewMock(Options{SessionKey: "demo"}, nil)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))

	_, err := m.SendMessage(ctx, "bob", "hi")
	assert.ErrorIs(t, err, ErrNotStarted)

	m.Pair()
	receipt, err := m.SendMessage(ctx, "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "bob", receipt.To)

	convs, err := m.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "bob", convs[0].ID)
}

func TestMock_DestroyClosesExited(t *testing.T) {
	m := NewMock(Options{}, nil)
	require.NoError(t, m.Destroy(context.Background()))
	require.NoError(t, m.Destroy(context.Background()))

	select {
	case <-m.Exited():
	default:
		t.Fatal("expected Exited to be closed")
	}

	assert.ErrorIs(t, m.Initialize(context.Background()), ErrClosed)
	_, err := m.State(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMock_Disconnect(t *testing.T) {
	rec := &eventRecorder{}
	m := NewMock(Options{}, rec.handle)
	require.NoError(t, m.Initialize(context.Background()))
	m.Pair()

	m.Disconnect("NAVIGATION")
	kinds := rec.kinds()
	assert.Equal(t, EventDisconnected, kinds[len(kinds)-1])
}

func TestNewMockFactory_AutoPair(t *testing.T) {
	rec := &eventRecorder{}
	c, err := NewMockFactory(10*time.Millisecond)(Options{SessionKey: "demo"}, rec.handle)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))

	assert.Eventually(t, func() bool {
		state, _ := c.State(context.Background())
		return state == StateConnected
	}, time.Second, 5*time.Millisecond)
}
