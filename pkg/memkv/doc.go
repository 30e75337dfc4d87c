// Package memkv is a sharded, thread-safe in-memory byte store.
//
// Properties:
//   - sharded map with one RW mutex per shard (256 shards by default)
//   - values are copied on Set and Get, so callers may reuse their buffers
//   - optional cap on the total size of stored values (Options.MaxBytes)
//   - counters on atomics, readable without blocking writers
//
// The pool keeps its peer records here; see package peers.
package memkv
