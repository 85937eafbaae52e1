// Package cluster holds the data model shared by every component that follows
// shards across clusters: node identities and roles, index and shard
// identities, the routing table, index metadata (mapping, settings, aliases
// and their version counters) and the immutable cluster-state snapshot.
//
// # Overview
//
// A follower cluster replicates a leader index shard by shard. Both sides
// describe their indices with the same types:
//
//	State
//	├── Nodes         []NodeInfo          (id, addr, roles)
//	├── Metadata
//	│   └── Indices   name → IndexMetadata
//	│       ├── Settings        flat key → value
//	│       ├── Mapping         full mapping source
//	│       ├── Aliases         name → AliasMetadata
//	│       ├── MappingVersion / SettingsVersion / AliasesVersion
//	│       └── Custom          namespaced key → value (e.g. "ccr")
//	└── Routing       []ShardRouting      (shard, node, primary, state)
//
// A State is published once and never mutated. Components that need a
// modified copy call IndexMetadata.Clone.
//
// # Errors
//
// Failures are classified with a Kind rather than by type so that the
// classification survives the HTTP transport: the server writes
// {"kind": "...", "message": "..."} and PostJSON turns it back into *Error.
// Callers branch with KindOf or IsKind:
//
//	switch cluster.KindOf(err) {
//	case cluster.KindRetentionLeaseNotFound:
//	    // re-add the lease
//	case cluster.KindInvalidRetainingSeqNo:
//	    // wait for the next tick
//	}
//
// Transport-level failures are mapped to KindConnect and KindTimeout so that
// retry policies can treat an unreachable remote like any other transient
// failure.
//
// # Concurrency
//
// The types in this package carry no locks. Snapshots are safe to share
// because nobody mutates them after publication.
package cluster
