package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/transport/mem"
)

// star builds a hub that knows every leaf, and leaves that know the hub.
func star(t *testing.T, names ...string) (*Pool, map[string]*Pool) {
	t.Helper()
	ctx := context.Background()
	network := mem.NewNetwork()
	newPool := func() *Pool {
		p, err := New(WithLogger(zap.NewNop()), WithTransport(network.Transport("127.0.0.1", nil)))
		require.NoError(t, err)
		shutdown(t, p)
		require.NoError(t, p.StartServer(ctx, "127.0.0.1", 0))
		return p
	}
	hub := newPool()
	leaves := make(map[string]*Pool, len(names))
	for _, n := range names {
		leaf := newPool()
		require.NoError(t, hub.AddClient(ctx, n, "127.0.0.1", portOf(t, leaf), nil))
		require.NoError(t, leaf.AddClient(ctx, "hub", "127.0.0.1", portOf(t, hub), nil))
		leaves[n] = leaf
	}
	return hub, leaves
}

func TestBroadcastAndReceiveAll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, leaves := star(t, "p1", "p2", "p3")

	ids, err := hub.Broadcast(ctx, "round-1", "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "r1", "p2": "r1", "p3": "r1"}, ids)

	for name, leaf := range leaves {
		v, err := leaf.Receive(ctx, "hub", MessageID("r1"))
		require.NoError(t, err)
		assert.Equal(t, "round-1", v)
		_, err = leaf.Send(ctx, "hub", name+"-share", MessageID("r1"))
		require.NoError(t, err)
	}

	got, err := hub.ReceiveAll(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"p1": "p1-share", "p2": "p2-share", "p3": "p3-share"}, got)
}

func TestBroadcastCollectsFailures(t *testing.T) {
	ctx := context.Background()
	hub, leaves := star(t, "p1", "p2")
	require.NoError(t, leaves["p2"].Shutdown(ctx))

	ids, err := hub.Broadcast(ctx, 7, "", "p1", "p2", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTransport)
	assert.ErrorIs(t, err, errs.ErrUnknownPeer)
	assert.Equal(t, map[string]string{"p1": "0"}, ids)
}

func TestABroadcastAndNextUnread(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, leaves := star(t, "p1", "p2")

	ids, err := hub.ABroadcast([]any{1, "two"}, "")
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	for _, leaf := range leaves {
		v, err := leaf.Receive(ctx, "hub")
		require.NoError(t, err)
		assert.Equal(t, []any{1, "two"}, v)
	}
}

func TestReceiveAllStopsOnFirstFailure(t *testing.T) {
	hub, _ := star(t, "p1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := hub.ReceiveAll(ctx, "", "p1", "ghost")
	require.Error(t, err)
	waiting, _ := hub.Pending()
	assert.Zero(t, waiting)
}
