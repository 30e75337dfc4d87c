package peers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/memkv"
)

func newStore() *Store { return NewStore(memkv.New(memkv.Options{Shards: 8}), nil) }

var bob = Peer{Name: "bob", Address: "10.0.0.2", Port: 8081, IdentityKey: "10.0.0.2:8081"}

func TestAddAndLookup(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(bob))
	require.NoError(t, s.Add(bob))

	got, ok := s.Get("bob")
	require.True(t, ok)
	assert.Equal(t, bob, got)

	got, ok = s.ByKey("10.0.0.2:8081")
	require.True(t, ok)
	assert.Equal(t, "bob", got.Name)
	assert.Equal(t, "10.0.0.2:8081", got.Endpoint().HostPort())
	assert.Equal(t, []string{"bob"}, s.Names())
}

func TestAddConflicts(t *testing.T) {
	s := newStore()
	require.NoError(t, s.Add(bob))

	moved := bob
	moved.Port = 9999
	moved.IdentityKey = "10.0.0.2:9999"
	require.ErrorIs(t, s.Add(moved), errs.ErrConflictingPeer)

	impostor := bob
	impostor.Name = "mallory"
	require.ErrorIs(t, s.Add(impostor), errs.ErrConflictingPeer)

	require.ErrorIs(t, s.Add(Peer{Name: "x"}), errs.ErrInvalidConfig)

	require.True(t, s.Remove("bob"))
	require.False(t, s.Remove("bob"))
	require.NoError(t, s.Add(impostor))
}

func TestTrafficCounters(t *testing.T) {
	s := newStore()
	s.nowFn = func() time.Time { return time.UnixMilli(1234) }
	require.NoError(t, s.Add(bob))
	alice := Peer{Name: "alice", Address: "10.0.0.1", Port: 8080, IdentityKey: "10.0.0.1:8080"}
	require.NoError(t, s.Add(alice))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RecordSent("bob", 100)
			s.RecordReceived("bob", 10)
		}()
	}
	wg.Wait()
	s.RecordSent("alice", 1)
	s.RecordSent("nobody", 1)

	r, ok := s.Lookup("bob")
	require.True(t, ok)
	assert.Equal(t, Stats{MsgsIn: 10, MsgsOut: 10, BytesIn: 100, BytesOut: 1000, LastSeen: 1234}, r.Stats)
	assert.Equal(t, int64(1234), r.AddedAt)

	tot := s.Totals()
	assert.Equal(t, uint64(11), tot.MsgsOut)
	assert.Equal(t, uint64(1001), tot.BytesOut)
}

func TestLogTotals(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewStore(memkv.New(memkv.Options{}), zap.New(core))
	require.NoError(t, s.Add(bob))
	s.RecordSent("bob", 42)
	s.LogTotals()

	entries := logs.FilterMessage("peer traffic").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "bob", fields["peer"])
	assert.Equal(t, uint64(42), fields["bytes_out"])

	usage := logs.FilterMessage("peer store").All()
	require.Len(t, usage, 1)
	assert.Equal(t, uint64(2), usage[0].ContextMap()["keys"], "record and identity key")
	assert.Equal(t, uint64(1), usage[0].ContextMap()["updates"])
}

func TestAddFailsWhenStoreIsFull(t *testing.T) {
	s := NewStore(memkv.New(memkv.Options{MaxBytes: 16}), nil)
	err := s.Add(bob)
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
	_, ok := s.ByKey(bob.IdentityKey)
	assert.False(t, ok, "identity key must be released")
	assert.Empty(t, s.Names())
}
