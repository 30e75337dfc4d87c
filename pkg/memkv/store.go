package memkv

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type Options struct {
	Shards   int    // number of shards, 256 when zero
	MaxBytes uint64 // cap on the total size of values, 0 = unlimited
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 256
	}
	return o
}

type Store struct {
	opts   Options
	shards []shard

	mKeys    atomic.Uint64
	mBytes   atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mUpdates atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{opts: opts, shards: make([]shard, opts.Shards)}
	for i := range s.shards {
		s.shards[i].m = make(map[string][]byte)
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// tryAddBytes reserves delta bytes; false if the cap would be exceeded.
func (s *Store) tryAddBytes(delta uint64) bool {
	if s.opts.MaxBytes == 0 {
		s.mBytes.Add(delta)
		return true
	}
	for {
		cur := s.mBytes.Load()
		next := cur + delta
		if next > s.opts.MaxBytes {
			return false
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (s *Store) subBytes(n uint64) {
	for {
		cur := s.mBytes.Load()
		next := uint64(0)
		if n < cur {
			next = cur - n
		}
		if s.mBytes.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Set stores val under key. It returns false if the size cap rejected the
// write.
func (s *Store) Set(key string, val []byte) bool {
	v := clone(val)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, existed := sh.m[key]
	if !s.resize(len(prev), len(v)) {
		return false
	}
	sh.m[key] = v
	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	return true
}

// SetNX stores val only if key is absent. It reports whether it did.
func (s *Store) SetNX(key string, val []byte) bool {
	v := clone(val)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[key]; ok {
		return false
	}
	if !s.tryAddBytes(uint64(len(v))) {
		return false
	}
	sh.m[key] = v
	s.mKeys.Add(1)
	s.mSets.Add(1)
	return true
}

func (s *Store) resize(oldLen, newLen int) bool {
	switch delta := newLen - oldLen; {
	case delta > 0:
		return s.tryAddBytes(uint64(delta))
	case delta < 0:
		s.subBytes(uint64(-delta))
	}
	return true
}

// Get returns a copy of the value stored under key.
func (s *Store) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	v, ok := sh.m[key]
	var out []byte
	if ok {
		out = clone(v)
	}
	sh.mu.RUnlock()
	s.mGets.Add(1)
	if !ok {
		s.mMisses.Add(1)
		return nil, false
	}
	s.mHits.Add(1)
	return out, true
}

// Update replaces the value of an existing key with fn(old) under the shard
// lock. It returns false if the key is missing or the cap rejected the new
// value. fn must not call back into the store.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	old, ok := sh.m[key]
	if !ok {
		return false
	}
	nv := clone(fn(old))
	if !s.resize(len(old), len(nv)) {
		return false
	}
	sh.m[key] = nv
	s.mUpdates.Add(1)
	return true
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	v, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		s.mDels.Add(1)
		s.mKeys.Add(^uint64(0))
		s.subBytes(uint64(len(v)))
	}
	return ok
}

// Keys lists the keys starting with prefix, sorted. It takes each shard lock
// in turn, so the result is not a snapshot under concurrent writes.
func (s *Store) Keys(prefix string) []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for k := range sh.m {
			if strings.HasPrefix(k, prefix) {
				out = append(out, k)
			}
		}
		sh.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Stats is a snapshot of the counters.
type Stats struct {
	Keys    uint64
	Bytes   uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Updates uint64
}

// Metrics reads the counters without taking shard locks.
func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Bytes:   s.mBytes.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Updates: s.mUpdates.Load(),
	}
}
