package correlation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TNO-MPC/communication/pkg/errs"
)

func receive(t *testing.T, s *Store, peer, id string) any {
	t.Helper()
	p, err := s.RequestReceive(peer, id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestOrderingIndependentOfInterleaving(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Deliver("A", "1", "x"))
	require.NoError(t, s.Deliver("A", "2", "y"))
	assert.Equal(t, "y", receive(t, s, "A", "2"))
	assert.Equal(t, "x", receive(t, s, "A", "1"))

	p1, err := s.RequestReceive("A", "1")
	require.NoError(t, err)
	p2, err := s.RequestReceive("A", "2")
	require.NoError(t, err)
	require.NoError(t, s.Deliver("A", "2", "y"))
	require.NoError(t, s.Deliver("A", "1", "x"))
	v1, err := p1.Wait(context.Background())
	require.NoError(t, err)
	v2, err := p2.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", v1)
	assert.Equal(t, "y", v2)
}

func TestBufferedReceiveDoesNotBlock(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Deliver("A", "m", 42))
	p, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	select {
	case <-p.Done():
	default:
		t.Fatal("buffered receive should be resolved")
	}
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	w, b := s.Len()
	assert.Zero(t, w)
	assert.Zero(t, b)
}

func TestSuspensionResolvesOnlyAfterDeliver(t *testing.T) {
	s := New(nil)
	p, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	select {
	case <-p.Done():
		t.Fatal("resolved before delivery")
	case <-time.After(20 * time.Millisecond):
	}
	require.NoError(t, s.Deliver("A", "m", "x"))
	v, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Equal(t, "m", p.MessageID())
}

func TestDuplicateMessageIDKeepsFirst(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Deliver("A", "m", "x"))
	err := s.Deliver("A", "m", "y")
	require.ErrorIs(t, err, errs.ErrDuplicateMessageID)
	assert.Equal(t, "x", receive(t, s, "A", "m"))

	// Once consumed, the id may be used again.
	require.NoError(t, s.Deliver("A", "m", "z"))
	assert.Equal(t, "z", receive(t, s, "A", "m"))
}

func TestSameIDDifferentPeers(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Deliver("A", "m", "a"))
	require.NoError(t, s.Deliver("B", "m", "b"))
	assert.Equal(t, "b", receive(t, s, "B", "m"))
	assert.Equal(t, "a", receive(t, s, "A", "m"))
}

func TestDuplicateReceiveRequest(t *testing.T) {
	s := New(nil)
	_, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	_, err = s.RequestReceive("A", "m")
	require.ErrorIs(t, err, errs.ErrDuplicateReceiveRequest)
}

func TestCancelledReceiveDoesNotLeak(t *testing.T) {
	s := New(nil)
	p, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Deliver("A", "m", "x"))
	assert.Equal(t, "x", receive(t, s, "A", "m"))
}

func TestExplicitCancel(t *testing.T) {
	s := New(nil)
	p, err := s.RequestNext("A")
	require.NoError(t, err)
	p.Cancel()
	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Deliver("A", "1", "x"))
	assert.Equal(t, []string{"1"}, s.Buffered("A"))
}

func TestDeliveryWinsRaceWithCancellation(t *testing.T) {
	s := New(nil)
	p, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	require.NoError(t, s.Deliver("A", "m", "x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := p.Wait(ctx)
	// Either branch of the select may be taken; the value is never lost.
	require.NoError(t, err)
	assert.Equal(t, "x", v)
	assert.Empty(t, s.Buffered("A"))
}

func TestNextUnreadFollowsArrivalOrder(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Deliver("A", "b", 1))
	require.NoError(t, s.Deliver("A", "a", 2))
	require.NoError(t, s.Deliver("A", "c", 3))
	assert.Equal(t, []string{"b", "a", "c"}, s.Buffered("A"))

	// An id-addressed receive takes its message out of the arrival queue.
	assert.Equal(t, 2, receive(t, s, "A", "a"))

	for _, want := range []struct {
		id string
		v  int
	}{{"b", 1}, {"c", 3}} {
		p, err := s.RequestNext("A")
		require.NoError(t, err)
		v, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want.v, v)
		assert.Equal(t, want.id, p.MessageID())
	}
}

func TestNextUnreadWaitersServedInRequestOrder(t *testing.T) {
	s := New(nil)
	var ps []*Pending
	for i := 0; i < 3; i++ {
		p, err := s.RequestNext("A")
		require.NoError(t, err)
		ps = append(ps, p)
	}
	w, _ := s.Len()
	assert.Equal(t, 3, w)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Deliver("A", fmt.Sprint(i), i))
	}
	for i, p := range ps {
		v, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestIDWaiterTakesPrecedenceOverNextWaiter(t *testing.T) {
	s := New(nil)
	next, err := s.RequestNext("A")
	require.NoError(t, err)
	byID, err := s.RequestReceive("A", "7")
	require.NoError(t, err)

	require.NoError(t, s.Deliver("A", "7", "seven"))
	v, err := byID.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "seven", v)
	select {
	case <-next.Done():
		t.Fatal("next-unread receive took an addressed message")
	default:
	}
	require.NoError(t, s.Deliver("A", "8", "eight"))
	v, err = next.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eight", v)
}

func TestCloseFailsWaiters(t *testing.T) {
	s := New(nil)
	p1, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	p2, err := s.RequestNext("B")
	require.NoError(t, err)
	require.NoError(t, s.Deliver("C", "x", 1))

	s.Close()
	_, err = p1.Wait(context.Background())
	require.ErrorIs(t, err, errs.ErrPoolClosed)
	_, err = p2.Wait(context.Background())
	require.ErrorIs(t, err, errs.ErrPoolClosed)

	_, err = s.RequestReceive("C", "x")
	require.ErrorIs(t, err, errs.ErrPoolClosed)
	require.ErrorIs(t, s.Deliver("C", "y", 1), errs.ErrPoolClosed)
	s.Close()
}

func TestDropPeer(t *testing.T) {
	s := New(nil)
	p, err := s.RequestReceive("A", "m")
	require.NoError(t, err)
	require.NoError(t, s.Deliver("A", "z", 1))
	require.NoError(t, s.Deliver("B", "z", 2))

	s.Drop("A", errs.ErrUnknownPeer)
	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, errs.ErrUnknownPeer)
	assert.Empty(t, s.Buffered("A"))
	assert.Equal(t, []string{"z"}, s.Buffered("B"))
}

func TestConcurrentDeliverAndReceive(t *testing.T) {
	s := New(nil)
	const n = 200
	var wg sync.WaitGroup
	got := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Deliver("A", fmt.Sprint(i), i))
		}(i)
		go func(i int) {
			defer wg.Done()
			p, err := s.RequestReceive("A", fmt.Sprint(i))
			if !assert.NoError(t, err) {
				return
			}
			got[i], err = p.Wait(context.Background())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, got[i])
	}
	w, b := s.Len()
	assert.Zero(t, w)
	assert.Zero(t, b)
}
