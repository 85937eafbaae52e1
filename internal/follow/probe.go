package follow

import (
	"context"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
)

// StatsClient fetches index statistics from the local cluster.
type StatsClient interface {
	IndicesStats(ctx context.Context, req *action.IndicesStatsRequest) (*action.IndicesStatsResponse, error)
}

// IndexLookup reads index metadata from the local cluster state.
type IndexLookup interface {
	Index(idx cluster.Index) (*cluster.IndexMetadata, error)
}

// ShardInfo is what the probe learns about the follower shard.
type ShardInfo struct {
	HistoryUUID      string
	GlobalCheckpoint int64
	MaxSeqNo         int64
}

// Probe reads the history id, global checkpoint and max seq no of the primary
// copy of shardID.
//
// Failures:
//   - no stats for the index and no index metadata: KindIndexNotFound
//   - no stats for the index, or no primary stats: KindShardNotFound
//   - commit or seq no stats missing: KindAlreadyClosed (engine mid-close)
func Probe(ctx context.Context, stats StatsClient, local IndexLookup, shardID cluster.ShardID) (ShardInfo, error) {
	resp, err := stats.IndicesStats(ctx, &action.IndicesStatsRequest{Indices: []string{shardID.IndexName()}})
	if err != nil {
		return ShardInfo{}, err
	}
	indexStats, ok := resp.Indices[shardID.IndexName()]
	if !ok {
		if md, err := local.Index(shardID.Index); err == nil && md != nil {
			return ShardInfo{}, cluster.Errorf(cluster.KindShardNotFound, "no stats for shard %s", shardID)
		}
		return ShardInfo{}, cluster.Errorf(cluster.KindIndexNotFound, "no such index %s", shardID.Index)
	}

	for _, s := range indexStats.Shards {
		if !s.Routing.Primary || !sameShard(s.Routing.ShardID, shardID) {
			continue
		}
		if s.Commit == nil {
			return ShardInfo{}, cluster.Errorf(cluster.KindAlreadyClosed, "commit stats for %s are unavailable", shardID)
		}
		if s.SeqNo == nil {
			return ShardInfo{}, cluster.Errorf(cluster.KindAlreadyClosed, "seq no stats for %s are unavailable", shardID)
		}
		return ShardInfo{
			HistoryUUID:      s.Commit.UserData[action.HistoryUUIDKey],
			GlobalCheckpoint: s.SeqNo.GlobalCheckpoint,
			MaxSeqNo:         s.SeqNo.MaxSeqNo,
		}, nil
	}
	return ShardInfo{}, cluster.Errorf(cluster.KindShardNotFound, "no primary stats for shard %s", shardID)
}

// sameShard compares shard ids, ignoring the index uuid when either side
// does not carry one.
func sameShard(a, b cluster.ShardID) bool {
	if a.ID != b.ID || a.Index.Name != b.Index.Name {
		return false
	}
	return a.Index.UUID == "" || b.Index.UUID == "" || a.Index.UUID == b.Index.UUID
}
