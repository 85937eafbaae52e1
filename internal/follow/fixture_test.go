package follow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/metadata"
	"github.com/dreamware/shardfollow/internal/node"
	"github.com/dreamware/shardfollow/internal/remote"
	"github.com/dreamware/shardfollow/internal/settings"
)

var followerRoles = []cluster.Role{cluster.RoleData, cluster.RoleRemoteClusterClient}

// fixture is a leader cluster and a follower cluster, one node each, with a
// leader index and a follower index already set up for following.
type fixture struct {
	t        *testing.T
	leader   *node.Node
	follower *node.Node
	resolver *remote.Resolver

	leaderIndex   cluster.Index
	followerIndex cluster.Index
}

func newNode(t *testing.T, clusterName string, cfg node.Config) *node.Node {
	t.Helper()
	log := zaptest.NewLogger(t)
	meta, err := metadata.NewService(clusterName, settings.DefaultRegistry(), nil, log)
	require.NoError(t, err)
	n, err := node.New(cfg, meta, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

// newFixture connects the follower to the leader in-process; dial may
// replace the executor used to reach the leader.
func newFixture(t *testing.T, dial remote.Dialer) *fixture {
	t.Helper()
	f := &fixture{t: t}
	f.leader = newNode(t, "leader-cluster", node.Config{
		Info:                cluster.NodeInfo{ID: "l1", Roles: followerRoles},
		RequireSystemLeases: true,
	})
	f.follower = newNode(t, "follower-cluster", node.Config{
		Info: cluster.NodeInfo{ID: "f1", Roles: followerRoles},
	})

	lmd, err := f.leader.CreateIndex(metadata.CreateIndexRequest{Name: "logs"})
	require.NoError(t, err)
	f.leaderIndex = lmd.Index
	ls, err := f.leader.Shard(cluster.ShardID{Index: lmd.Index})
	require.NoError(t, err)

	fmd, err := f.follower.CreateIndex(metadata.CreateIndexRequest{
		Name:     "logs-follower",
		Settings: cluster.Settings{settings.FollowingIndex: "true"},
		Custom: map[string]map[string]string{
			CustomKey: {LeaderShardHistoryUUIDsKey: ls.HistoryUUID()},
		},
	})
	require.NoError(t, err)
	f.followerIndex = fmd.Index

	if dial == nil {
		dial = func(string, []string) (action.Executor, error) { return f.leader.Registry(), nil }
	}
	f.resolver = remote.NewResolver(f.follower.Registry(), dial, time.Minute, zaptest.NewLogger(t))
	f.resolver.SetRemote("leader", []string{"in-process"})
	return f
}

func (f *fixture) params() Params {
	p := NewParams("leader",
		cluster.ShardID{Index: f.followerIndex},
		cluster.ShardID{Index: f.leaderIndex})
	p.MaxRetryDelay = 10 * time.Millisecond
	p.ReadPollTimeout = 20 * time.Millisecond
	return p
}

func (f *fixture) executor(modify func(*Config)) *Executor {
	cfg := Config{
		NodeID:                      "f1",
		ClusterName:                 "follower-cluster",
		Resolver:                    f.resolver,
		Local:                       f.follower.Metadata(),
		RetentionLeaseRenewInterval: 10 * time.Millisecond,
		Logger:                      zaptest.NewLogger(f.t),
	}
	if modify != nil {
		modify(&cfg)
	}
	e := NewExecutor(cfg)
	f.t.Cleanup(e.Close)
	return e
}

func (f *fixture) followerShardID() cluster.ShardID {
	return cluster.ShardID{Index: f.followerIndex}
}

func (f *fixture) leaderShardID() cluster.ShardID {
	return cluster.ShardID{Index: f.leaderIndex}
}
