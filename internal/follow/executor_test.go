package follow

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/lease"
	"github.com/dreamware/shardfollow/internal/metadata"
	"github.com/dreamware/shardfollow/internal/placement"
	"github.com/dreamware/shardfollow/internal/settings"
)

func TestValidate(t *testing.T) {
	e := NewExecutor(Config{})
	sid := cluster.ShardID{Index: cluster.Index{Name: "f", UUID: "fu"}}
	params := NewParams("remote", sid, cluster.ShardID{Index: cluster.Index{Name: "l", UUID: "lu"}})
	state := func(st cluster.ShardRoutingState) *cluster.State {
		return &cluster.State{Routing: cluster.RoutingTable{Shards: []cluster.ShardRouting{
			{ShardID: sid, NodeID: "n1", Primary: true, State: st},
		}}}
	}

	assert.NoError(t, e.Validate(params, state(cluster.ShardStarted)))
	assert.NoError(t, e.Validate(params, state(cluster.ShardRelocating)))

	err := e.Validate(params, state(cluster.ShardInitializing))
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err))
	err = e.Validate(params, &cluster.State{})
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err))
}

func TestAssignment(t *testing.T) {
	reg := placement.NewRegistry()
	e := NewExecutor(Config{Placement: reg})
	params := NewParams("remote", cluster.ShardID{Index: cluster.Index{Name: "f"}}, cluster.ShardID{Index: cluster.Index{Name: "l"}})

	dataOnly := cluster.NodeInfo{ID: "d1", Roles: []cluster.Role{cluster.RoleData}}
	clientOnly := cluster.NodeInfo{ID: "c1", Roles: []cluster.Role{cluster.RoleRemoteClusterClient}}
	both1 := cluster.NodeInfo{ID: "b1", Roles: followerRoles}
	both2 := cluster.NodeInfo{ID: "b2", Roles: followerRoles}

	a := e.Assignment(params, []cluster.NodeInfo{dataOnly, clientOnly})
	assert.False(t, a.IsAssigned())
	assert.Equal(t, NoAssignment, a)
	assert.Equal(t, "no nodes found with data and remote cluster client roles", a.Explanation)

	a = e.Assignment(params, []cluster.NodeInfo{dataOnly, both2, both1})
	assert.Equal(t, "b1", a.NodeID)

	require.NoError(t, reg.Assign("[other][0]", "b1"))
	a = e.Assignment(params, []cluster.NodeInfo{dataOnly, both2, both1})
	assert.Equal(t, "b2", a.NodeID, "least loaded node wins")
}

func TestCreateTaskPinsLeaderHistory(t *testing.T) {
	f := newFixture(t, nil)
	e := f.executor(nil)

	task, err := e.CreateTask(f.params())
	require.NoError(t, err)
	ls, err := f.leader.Shard(f.leaderShardID())
	require.NoError(t, err)

	st := task.Status()
	assert.Equal(t, ls.HistoryUUID(), st.Cursor.LeaderHistoryUUID)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, lease.ID("follower-cluster", f.followerIndex, "leader", f.leaderIndex), task.LeaseID())

	p := f.params()
	p.FollowShardID.Index = cluster.Index{Name: "missing"}
	_, err = e.CreateTask(p)
	assert.Equal(t, cluster.KindIndexNotFound, cluster.KindOf(err))
}

func TestWaitForMetadataTimeout(t *testing.T) {
	f := newFixture(t, nil)
	e := f.executor(func(c *Config) { c.WaitForMetadataTimeout = 3 * time.Second })
	task, err := e.CreateTask(f.params())
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, task.waitTimeout())
	e.SetWaitForMetadataTimeout(7 * time.Second)
	assert.Equal(t, 7*time.Second, e.WaitForMetadataTimeout())
	assert.Equal(t, 7*time.Second, task.waitTimeout())

	task.Cancel()
	assert.Equal(t, time.Duration(-1), task.waitTimeout(), "stopped tasks never wait on the leader")
	assert.Equal(t, TaskCancelled, task.State())
}

func TestNodeOperationRetriesClosedShard(t *testing.T) {
	f := newFixture(t, nil)
	e := f.executor(nil)
	local := f.resolver.Local(nil)
	ctx := context.Background()
	require.NoError(t, local.CloseIndex(ctx, &action.IndexRequest{Index: f.followerIndex}))

	task, err := e.CreateTask(f.params())
	require.NoError(t, err)
	e.NodeOperation(task)

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, task.Status().Cursor.FollowerHistoryUUID, "probe keeps failing while the shard is closed")
	assert.False(t, task.IsStopped())

	require.NoError(t, local.OpenIndex(ctx, &action.IndexRequest{Index: f.followerIndex}))
	fs, err := f.follower.Shard(f.followerShardID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return task.Status().Cursor.FollowerHistoryUUID == fs.HistoryUUID()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNodeOperationRejectedRetryIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	e := f.executor(nil)
	local := f.resolver.Local(nil)
	require.NoError(t, local.CloseIndex(context.Background(), &action.IndexRequest{Index: f.followerIndex}))

	task, err := e.CreateTask(f.params())
	require.NoError(t, err)
	e.Scheduler().Close()
	e.NodeOperation(task)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fail")
	}
	assert.Equal(t, TaskFailed, task.State())
	assert.Equal(t, cluster.KindRejectedExecution, cluster.KindOf(task.Err()))
	var kinds []cluster.Kind
	for _, err := range multierr.Errors(task.Err()) {
		kinds = append(kinds, cluster.KindOf(err))
	}
	assert.Equal(t, []cluster.Kind{cluster.KindRejectedExecution, cluster.KindAlreadyClosed}, kinds)
	assert.NotEmpty(t, task.Status().FatalError)
}

func TestStartTaskReplicates(t *testing.T) {
	f := newFixture(t, nil)
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	e := f.executor(func(c *Config) { c.Metrics = metrics })

	for _, id := range []string{"a", "b", "c"} {
		_, err := f.leader.IndexDoc("logs", id, []byte(`{"v":"`+id+`"}`))
		require.NoError(t, err)
	}

	task, err := e.StartTask(f.params())
	require.NoError(t, err)
	assert.Len(t, e.Tasks(), 1)

	_, err = e.StartTask(f.params())
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err), "one task per follower shard")

	require.Eventually(t, func() bool {
		_, err := f.follower.GetDoc("logs-follower", "c")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.leader.DeleteDoc("logs", "a")
	require.NoError(t, err)
	_, err = f.leader.IndexDoc("logs", "d", []byte(`{"v":"d"}`))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, errD := f.follower.GetDoc("logs-follower", "d")
		_, errA := f.follower.GetDoc("logs-follower", "a")
		return errD == nil && errA != nil && task.GlobalCheckpoint() == 4
	}, 2*time.Second, 5*time.Millisecond)

	ls, err := f.leader.Shard(f.leaderShardID())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, l := range ls.RetentionLeases() {
			if l.ID == task.LeaseID() && l.RetainingSeqNo == task.GlobalCheckpoint()+1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "lease is added under the system identity and tracks the checkpoint")

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.OperationsApplied.WithLabelValues("logs-follower")) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ActiveTasks))

	task.Cancel()
	task.Wait()
	assert.Equal(t, "cancelled", task.Status().State)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.ActiveTasks))

	again, err := e.StartTask(f.params())
	require.NoError(t, err, "a stopped task can be replaced")
	again.Cancel()
}

func TestStartTaskSyncsMetadata(t *testing.T) {
	f := newFixture(t, nil)
	e := f.executor(nil)
	_, err := e.StartTask(f.params())
	require.NoError(t, err)

	lmeta := f.leader.Metadata()
	mapping := &cluster.MappingMetadata{Source: map[string]any{"properties": map[string]any{
		"message": map[string]any{"type": "text"},
	}}}
	require.NoError(t, lmeta.PutMapping(f.leaderIndex, mapping))
	require.NoError(t, lmeta.UpdateSettings(f.leaderIndex, cluster.Settings{settings.RefreshInterval: "5s"}))
	yes := true
	require.NoError(t, lmeta.UpdateAliases([]metadata.AliasAction{
		{Index: "logs", Alias: cluster.AliasMetadata{Alias: "all-logs", WriteIndex: &yes}},
	}))

	fmeta := f.follower.Metadata()
	require.Eventually(t, func() bool {
		md, err := fmeta.Index(f.followerIndex)
		if err != nil {
			return false
		}
		a, ok := md.Aliases["all-logs"]
		return cluster.MappingEqual(mapping, md.Mapping) &&
			md.Settings[settings.RefreshInterval] == "5s" &&
			ok && a.WriteIndex != nil && !*a.WriteIndex
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartTaskRejections(t *testing.T) {
	f := newFixture(t, nil)

	e := f.executor(func(c *Config) { c.NodeID = "elsewhere" })
	_, err := e.StartTask(f.params())
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err))

	e = f.executor(nil)
	p := f.params()
	p.MaxReadRequestOperationCount = 0
	_, err = e.StartTask(p)
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err))
}

func TestUnknownRemoteIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	e := f.executor(nil)
	p := f.params()
	p.RemoteCluster = "nowhere"

	task, err := e.StartTask(p)
	require.NoError(t, err)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fail")
	}
	assert.Equal(t, cluster.KindNoSuchRemoteCluster, cluster.KindOf(task.Err()))
}

func TestLeaderHistoryMismatchIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.follower.Metadata().SetCustom(f.followerIndex, CustomKey, map[string]string{
		LeaderShardHistoryUUIDsKey: "stale-history",
	}))
	e := f.executor(nil)

	task, err := e.StartTask(f.params())
	require.NoError(t, err)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not fail")
	}
	assert.Equal(t, cluster.KindHistoryMismatch, cluster.KindOf(task.Err()))
}

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)
	assert.Same(t, first.LeaseRenewals, second.LeaseRenewals)

	var nilMetrics *Metrics
	nilMetrics.applied("x", 3)
	nilMetrics.leaseOutcome(lease.OutcomeRenewed)
}
