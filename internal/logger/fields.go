package logger

import (
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// NodeID tags an entry with the local node.
func NodeID(v string) zap.Field {
	return zap.String("node_id", v)
}

// ShardID tags an entry with a shard, rendered as [index][n].
func ShardID(key string, v cluster.ShardID) zap.Field {
	return zap.Stringer(key, v)
}

// LeaseID tags an entry with a retention lease id.
func LeaseID(v string) zap.Field {
	return zap.String("lease_id", v)
}

// RemoteCluster tags an entry with a remote cluster alias.
func RemoteCluster(v string) zap.Field {
	return zap.String("remote_cluster", v)
}

// Action tags an entry with a transport action name.
func Action(v string) zap.Field {
	return zap.String("action", v)
}

// Component tags an entry with the emitting subsystem.
func Component(v string) zap.Field {
	return zap.String("component", v)
}
