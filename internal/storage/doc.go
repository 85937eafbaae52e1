// Package storage provides the document stores that back a shard.
//
// A Store maps document ids to their latest source. It holds no history: the
// shard engine keeps the sequenced operation log and applies each operation
// to its Store, so a store only ever reflects the outcome of the operations
// applied so far.
//
// Two implementations are provided:
//
//   - MemoryStore keeps everything in a map guarded by an RWMutex. It is the
//     default for tests and ephemeral nodes.
//   - BoltStore persists documents in a single bbolt file per shard. Values
//     returned by Get are copied out of the read transaction.
//
// Both return ErrKeyNotFound from Get for unknown ids, treat Delete of an
// unknown id as a no-op, and copy values on the way in and out so callers may
// reuse their buffers.
package storage
