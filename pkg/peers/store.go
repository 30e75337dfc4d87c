// Package peers keeps the registered peers of a pool and their traffic
// counters. Records are JSON documents in a memkv store, keyed by peer name,
// with a second key indexing the identity key so that one identity maps to
// at most one peer.
package peers

import (
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/memkv"
	"github.com/TNO-MPC/communication/pkg/protocol/codec"
	"github.com/TNO-MPC/communication/pkg/transport"
)

// Peer is a named remote participant. Immutable once added.
type Peer struct {
	Name        string           `json:"name"`
	Address     string           `json:"address"`
	Port        int              `json:"port"`
	IdentityKey transport.PeerID `json:"identity_key"`
}

// Endpoint is where the peer listens.
func (p Peer) Endpoint() transport.Endpoint {
	return transport.Endpoint{Address: p.Address, Port: p.Port}
}

// Stats counts the traffic exchanged with one peer.
type Stats struct {
	MsgsIn   uint64 `json:"msgs_in"`
	MsgsOut  uint64 `json:"msgs_out"`
	BytesIn  uint64 `json:"bytes_in"`
	BytesOut uint64 `json:"bytes_out"`
	LastSeen int64  `json:"last_seen_unix_ms"`
}

// Record is the stored document.
type Record struct {
	Peer
	Stats   Stats `json:"stats"`
	AddedAt int64 `json:"added_unix_ms"`
}

const (
	prefixPeer = "peer:"
	prefixKey  = "key:"
)

func keyPeer(name string) string             { return prefixPeer + name }
func keyIdentity(id transport.PeerID) string { return prefixKey + string(id) }

type Store struct {
	kv    *memkv.Store
	codec codec.Codec
	log   *zap.Logger
	nowFn func() time.Time

	// guards the name and identity keys together on Add and Remove
	mu sync.Mutex
}

func NewStore(kv *memkv.Store, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: kv, codec: codec.JSON(), log: log.Named("peers"), nowFn: time.Now}
}

// Add registers p. Adding an identical peer again is a no-op. A different
// peer under the same name, or another peer with the same identity key,
// fails with ErrConflictingPeer.
func (s *Store) Add(p Peer) error {
	if p.Name == "" || p.IdentityKey == "" {
		return errs.From(errs.ErrInvalidConfig).Op("add peer").Peer(p.Name).Detail("name and identity key are required").Build()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.get(p.Name); ok {
		if cur.Peer == p {
			return nil
		}
		return errs.From(errs.ErrConflictingPeer).Op("add peer").Peer(p.Name).
			Detail("already registered at %s:%d as %s", cur.Address, cur.Port, cur.IdentityKey).Build()
	}
	b, err := s.codec.Marshal(Record{Peer: p, AddedAt: s.nowFn().UnixMilli()})
	if err != nil {
		return errs.From(errs.ErrInvalidConfig).Op("add peer").Peer(p.Name).Cause(err).Build()
	}
	if !s.kv.SetNX(keyIdentity(p.IdentityKey), []byte(p.Name)) {
		owner, ok := s.kv.Get(keyIdentity(p.IdentityKey))
		if !ok {
			return errs.From(errs.ErrInvalidConfig).Op("add peer").Peer(p.Name).Detail("peer store is full").Build()
		}
		return errs.From(errs.ErrConflictingPeer).Op("add peer").Peer(p.Name).
			Detail("identity %s already belongs to %q", p.IdentityKey, owner).Build()
	}
	if !s.kv.SetNX(keyPeer(p.Name), b) {
		s.kv.Delete(keyIdentity(p.IdentityKey))
		return errs.From(errs.ErrInvalidConfig).Op("add peer").Peer(p.Name).Detail("peer store is full").Build()
	}
	s.log.Debug("peer added", zap.String("peer", p.Name), zap.String("addr", p.Endpoint().HostPort()), zap.String("key", string(p.IdentityKey)))
	return nil
}

func (s *Store) get(name string) (Record, bool) {
	b, ok := s.kv.Get(keyPeer(name))
	if !ok {
		return Record{}, false
	}
	var r Record
	if err := s.codec.Unmarshal(b, &r); err != nil {
		s.log.Warn("corrupt peer record", zap.String("peer", name), zap.Error(err))
		return Record{}, false
	}
	return r, true
}

// Get returns the peer called name.
func (s *Store) Get(name string) (Peer, bool) {
	r, ok := s.get(name)
	return r.Peer, ok
}

// Lookup returns the full record of name, statistics included.
func (s *Store) Lookup(name string) (Record, bool) { return s.get(name) }

// ByKey returns the peer owning an identity key.
func (s *Store) ByKey(id transport.PeerID) (Peer, bool) {
	name, ok := s.kv.Get(keyIdentity(id))
	if !ok {
		return Peer{}, false
	}
	return s.Get(string(name))
}

// Remove forgets name and its identity key.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.get(name)
	if !ok {
		return false
	}
	s.kv.Delete(keyPeer(name))
	s.kv.Delete(keyIdentity(r.IdentityKey))
	s.log.Debug("peer removed", zap.String("peer", name))
	return true
}

// Names lists the registered peer names, sorted.
func (s *Store) Names() []string {
	keys := s.kv.Keys(prefixPeer)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.TrimPrefix(k, prefixPeer)
	}
	return out
}

// Records returns every record, sorted by name.
func (s *Store) Records() []Record {
	var out []Record
	for _, n := range s.Names() {
		if r, ok := s.get(n); ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RecordSent counts one outbound message of n bytes.
func (s *Store) RecordSent(name string, n int) { s.record(name, 0, uint64(n), 0, 1) }

// RecordReceived counts one inbound message of n bytes.
func (s *Store) RecordReceived(name string, n int) { s.record(name, uint64(n), 0, 1, 0) }

func (s *Store) record(name string, inBytes, outBytes, inMsgs, outMsgs uint64) {
	now := s.nowFn().UnixMilli()
	ok := s.kv.Update(keyPeer(name), func(old []byte) []byte {
		var r Record
		if err := s.codec.Unmarshal(old, &r); err != nil {
			return old
		}
		r.Stats.MsgsIn += inMsgs
		r.Stats.MsgsOut += outMsgs
		r.Stats.BytesIn += inBytes
		r.Stats.BytesOut += outBytes
		if inMsgs > 0 {
			r.Stats.LastSeen = now
		}
		b, err := s.codec.Marshal(r)
		if err != nil {
			return old
		}
		return b
	})
	if !ok {
		s.log.Debug("traffic for unknown peer", zap.String("peer", name))
	}
}

// Totals sums the statistics of all peers.
func (s *Store) Totals() Stats {
	var t Stats
	for _, r := range s.Records() {
		t.MsgsIn += r.Stats.MsgsIn
		t.MsgsOut += r.Stats.MsgsOut
		t.BytesIn += r.Stats.BytesIn
		t.BytesOut += r.Stats.BytesOut
		if r.Stats.LastSeen > t.LastSeen {
			t.LastSeen = r.Stats.LastSeen
		}
	}
	return t
}

// LogTotals writes one line per peer with its traffic counters, then one
// line with the size of the store.
func (s *Store) LogTotals() {
	defer func() {
		m := s.kv.Metrics()
		s.log.Info("peer store",
			zap.Uint64("keys", m.Keys),
			zap.Uint64("bytes", m.Bytes),
			zap.Uint64("updates", m.Updates))
	}()
	for _, r := range s.Records() {
		s.log.Info("peer traffic",
			zap.String("peer", r.Name),
			zap.Uint64("msgs_out", r.Stats.MsgsOut),
			zap.Uint64("bytes_out", r.Stats.BytesOut),
			zap.Uint64("msgs_in", r.Stats.MsgsIn),
			zap.Uint64("bytes_in", r.Stats.BytesIn))
	}
}
