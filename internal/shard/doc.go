// Package shard implements the engine of one index shard: a document store,
// the sequenced history of operations applied to it, its checkpoints and the
// retention leases that keep history around for followers.
//
// Every write gets a sequence number. The local checkpoint is the highest
// seq no below which every operation has been applied; with a single copy per
// shard it is also the global checkpoint. A follower replays the leader's
// operations with Apply, which tolerates duplicates and gaps, so the same
// batch can be delivered more than once.
//
// Each shard carries a history UUID generated when the shard is created. Both
// Changes (leader side) and Apply (follower side) are scoped to a history
// UUID and fail with KindHistoryMismatch when it no longer matches, since a
// recreated shard has a history unrelated to the one a cursor was built on.
//
// Retention leases pin history: TrimHistory only discards operations below
// every lease's retaining seq no. Leases are identified by a string id, can
// only move forward, and are added, renewed and removed independently.
//
// A closed shard rejects reads and writes with KindIndexClosed and reports
// nil commit and seq no stats.
package shard
