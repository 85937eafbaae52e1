package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/config"
	"github.com/dreamware/shardfollow/internal/follow"
	"github.com/dreamware/shardfollow/internal/lease"
	"github.com/dreamware/shardfollow/internal/metadata"
	"github.com/dreamware/shardfollow/internal/settings"
)

const (
	followAttempts   = 10
	followRetryDelay = 400 * time.Millisecond
)

// followIndex creates the follower index described by f, unless it already
// exists, and starts one follow task per shard. Transient failures such as
// an unreachable remote are retried a bounded number of times.
func (a *App) followIndex(ctx context.Context, f config.Follow) error {
	var lastErr error
	for i := 0; i < followAttempts; i++ {
		lastErr = a.startFollowing(ctx, f)
		if lastErr == nil || !follow.ShouldRetry(lastErr) {
			return lastErr
		}
		a.logger.Info("follow retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(followRetryDelay):
		}
	}
	return lastErr
}

func (a *App) startFollowing(ctx context.Context, f config.Follow) error {
	rc, err := a.resolver.Remote(f.Remote, nil)
	if err != nil {
		return err
	}
	leader, follower, err := a.ensureFollowerIndex(ctx, rc, f)
	if err != nil {
		return err
	}
	for i := 0; i < follower.NumberOfShards; i++ {
		params := f.Params(
			cluster.ShardID{Index: follower.Index, ID: i},
			cluster.ShardID{Index: leader, ID: i},
		)
		if t, ok := a.executor.Task(params.TaskID()); ok && !t.IsStopped() {
			continue
		}
		if err := a.addLeaderLease(ctx, rc, params); err != nil {
			return err
		}
		if _, err := a.executor.StartTask(params); err != nil {
			return fmt.Errorf("start follow task %s: %w", params.TaskID(), err)
		}
	}
	return nil
}

// addLeaderLease makes the leader retain every operation the follower shard
// has not applied yet, before its task starts reading. The task's renewer
// only takes over one renew interval later. A lease left by an earlier run
// is kept as it is.
func (a *App) addLeaderLease(ctx context.Context, rc *action.Client, params follow.Params) error {
	s, err := a.node.Shard(params.FollowShardID)
	if err != nil {
		return err
	}
	id := lease.ID(a.cfg.Node.ClusterName, params.FollowShardID.Index, params.RemoteCluster, params.LeaderShardID.Index)
	err = rc.System().AddRetentionLease(ctx, &action.RetentionLeaseRequest{
		ShardID:        params.LeaderShardID,
		ID:             id,
		RetainingSeqNo: s.GlobalCheckpoint() + 1,
		Source:         lease.Source,
	})
	if err != nil && !cluster.IsKind(err, cluster.KindRetentionLeaseAlreadyExists) {
		return fmt.Errorf("add retention lease %s: %w", id, err)
	}
	return nil
}

// ensureFollowerIndex returns the leader index and the local follower index
// metadata, creating the follower with the leader's shard count, mapping,
// replicable settings and shard history uuids when missing. Existing
// follower indices are reused as they are.
func (a *App) ensureFollowerIndex(ctx context.Context, rc *action.Client, f config.Follow) (cluster.Index, *cluster.IndexMetadata, error) {
	resp, err := rc.GetIndexMetadata(ctx, &action.GetIndexMetadataRequest{Index: cluster.Index{Name: f.LeaderIndex}})
	if err != nil {
		return cluster.Index{}, nil, fmt.Errorf("fetch leader index %s: %w", f.LeaderIndex, err)
	}
	leader := resp.Metadata

	if md, err := a.node.Metadata().IndexByName(f.FollowerIndex); err == nil {
		return leader.Index, md, nil
	}

	uuids, err := leaderHistoryUUIDs(ctx, rc, leader)
	if err != nil {
		return cluster.Index{}, nil, err
	}
	indexSettings := a.settings.Filter(leader.Settings)
	indexSettings[settings.FollowingIndex] = "true"
	md, err := a.node.CreateIndex(metadata.CreateIndexRequest{
		Name:           f.FollowerIndex,
		NumberOfShards: leader.NumberOfShards,
		Settings:       indexSettings,
		Mapping:        leader.Mapping,
		Custom: map[string]map[string]string{
			follow.CustomKey: {follow.LeaderShardHistoryUUIDsKey: strings.Join(uuids, ",")},
		},
	})
	if err != nil {
		return cluster.Index{}, nil, err
	}
	a.logger.Info("created follower index",
		zap.Stringer("follower_index", md.Index),
		zap.Stringer("leader_index", leader.Index),
		zap.Int("shards", md.NumberOfShards))
	return leader.Index, md, nil
}

// leaderHistoryUUIDs reads the history uuid of every leader primary, ordered
// by shard number.
func leaderHistoryUUIDs(ctx context.Context, rc *action.Client, leader *cluster.IndexMetadata) ([]string, error) {
	stats, err := rc.IndicesStats(ctx, &action.IndicesStatsRequest{Indices: []string{leader.Index.Name}})
	if err != nil {
		return nil, fmt.Errorf("fetch leader shard stats: %w", err)
	}
	uuids := make([]string, leader.NumberOfShards)
	for _, s := range stats.Indices[leader.Index.Name].Shards {
		id := s.Routing.ShardID.ID
		if !s.Routing.Primary || s.Commit == nil || id < 0 || id >= len(uuids) {
			continue
		}
		uuids[id] = s.Commit.UserData[action.HistoryUUIDKey]
	}
	for i, u := range uuids {
		if u == "" {
			return nil, cluster.Errorf(cluster.KindShardNotFound,
				"no history uuid for leader shard [%s][%d]", leader.Index.Name, i)
		}
	}
	return uuids, nil
}
