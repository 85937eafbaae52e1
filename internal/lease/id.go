// Package lease manages the retention lease a follower shard holds on its
// leader shard.
//
// The lease keeps the leader from discarding operation history the follower
// has not replicated yet. Its id is derived from the follow relationship
// alone, so it is stable across restarts and a restarted task renews the
// lease it created before.
package lease

import (
	"fmt"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// Source is recorded on every lease this package adds.
const Source = "ccr"

// ID returns the retention lease id for a follower index following a leader
// index on the remote cluster alias.
//
// Example:
//
//	ID("local", cluster.Index{Name: "f", UUID: "fu"}, "remote", cluster.Index{Name: "l", UUID: "lu"})
//	// "local/f/fu-following-remote/l/lu"
func ID(localCluster string, follower cluster.Index, remoteCluster string, leader cluster.Index) string {
	return fmt.Sprintf("%s/%s/%s-following-%s/%s/%s",
		localCluster, follower.Name, follower.UUID, remoteCluster, leader.Name, leader.UUID)
}
