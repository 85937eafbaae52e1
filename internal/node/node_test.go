package node

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/metadata"
	"github.com/dreamware/shardfollow/internal/settings"
	"github.com/dreamware/shardfollow/internal/storage"
)

func newNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	if cfg.Info.ID == "" {
		cfg.Info = cluster.NodeInfo{ID: "n1", Roles: []cluster.Role{cluster.RoleData, cluster.RoleRemoteClusterClient}}
	}
	meta, err := metadata.NewService("test", settings.DefaultRegistry(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	n, err := New(cfg, meta, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNodeJoinsState(t *testing.T) {
	n := newNode(t, Config{})
	info, ok := n.Metadata().State().Node("n1")
	require.True(t, ok)
	assert.True(t, info.CanContainData())
	assert.Equal(t, "n1", n.ID())
	assert.Equal(t, info, n.Info())
}

func TestDocumentsAndShardChanges(t *testing.T) {
	n := newNode(t, Config{})
	md, err := n.CreateIndex(metadata.CreateIndexRequest{Name: "logs", NumberOfShards: 1})
	require.NoError(t, err)

	_, err = n.IndexDoc("logs", "a", []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = n.IndexDoc("logs", "b", []byte(`{"v":2}`))
	require.NoError(t, err)
	_, err = n.DeleteDoc("logs", "a")
	require.NoError(t, err)

	src, err := n.GetDoc("logs", "b")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(src))

	sid := cluster.ShardID{Index: md.Index, ID: 0}
	s, err := n.Shard(sid)
	require.NoError(t, err)

	c := action.NewClient(n.Registry(), nil)
	resp, err := c.ShardChanges(context.Background(), &action.ShardChangesRequest{
		ShardID:             sid,
		FromSeqNo:           0,
		ExpectedHistoryUUID: s.HistoryUUID(),
	})
	require.NoError(t, err)
	assert.Len(t, resp.Operations, 3)
	assert.Equal(t, int64(2), resp.GlobalCheckpoint)
	assert.Equal(t, int64(1), resp.MappingVersion)

	_, err = c.ShardChanges(context.Background(), &action.ShardChangesRequest{ShardID: cluster.ShardID{Index: md.Index, ID: 3}})
	assert.Equal(t, cluster.KindShardNotFound, cluster.KindOf(err))
	_, err = c.ShardChanges(context.Background(), &action.ShardChangesRequest{ShardID: cluster.ShardID{Index: cluster.Index{Name: "nope"}}})
	assert.Equal(t, cluster.KindIndexNotFound, cluster.KindOf(err))
}

func TestIndicesStats(t *testing.T) {
	n := newNode(t, Config{})
	md, err := n.CreateIndex(metadata.CreateIndexRequest{Name: "logs", NumberOfShards: 2})
	require.NoError(t, err)

	c := action.NewClient(n.Registry(), nil)
	resp, err := c.IndicesStats(context.Background(), &action.IndicesStatsRequest{Indices: []string{"logs", "missing"}})
	require.NoError(t, err)
	require.Contains(t, resp.Indices, "logs")
	assert.NotContains(t, resp.Indices, "missing")
	stats := resp.Indices["logs"]
	assert.Equal(t, md.Index.UUID, stats.UUID)
	require.Len(t, stats.Shards, 2)
	assert.NotNil(t, stats.Shards[0].Commit)

	require.NoError(t, c.CloseIndex(context.Background(), &action.IndexRequest{Index: cluster.Index{Name: "logs"}}))
	resp, err = c.IndicesStats(context.Background(), &action.IndicesStatsRequest{Indices: []string{"logs"}})
	require.NoError(t, err)
	for _, s := range resp.Indices["logs"].Shards {
		assert.Nil(t, s.Commit)
		assert.Nil(t, s.SeqNo)
	}

	require.NoError(t, c.OpenIndex(context.Background(), &action.IndexRequest{Index: cluster.Index{Name: "logs"}}))
	_, err = n.IndexDoc("logs", "x", []byte(`{}`))
	assert.NoError(t, err)
}

func TestRetentionLeaseHandlers(t *testing.T) {
	n := newNode(t, Config{RequireSystemLeases: true})
	md, err := n.CreateIndex(metadata.CreateIndexRequest{Name: "logs"})
	require.NoError(t, err)
	req := &action.RetentionLeaseRequest{ShardID: cluster.ShardID{Index: md.Index}, ID: "lease", RetainingSeqNo: 0}

	user := action.NewClient(n.Registry(), map[string]string{action.HeaderUser: "bob"})
	err = user.AddRetentionLease(context.Background(), req)
	assert.Equal(t, cluster.KindSecurity, cluster.KindOf(err))

	sys := user.System()
	err = sys.RenewRetentionLease(context.Background(), req)
	assert.Equal(t, cluster.KindRetentionLeaseNotFound, cluster.KindOf(err))
	require.NoError(t, sys.AddRetentionLease(context.Background(), req))
	require.NoError(t, sys.RenewRetentionLease(context.Background(), req))
	require.NoError(t, sys.RemoveRetentionLease(context.Background(), req))
}

func TestMetadataHandlers(t *testing.T) {
	n := newNode(t, Config{})
	md, err := n.CreateIndex(metadata.CreateIndexRequest{Name: "logs"})
	require.NoError(t, err)
	c := action.NewClient(n.Registry(), nil)
	ctx := context.Background()

	require.NoError(t, c.PutMapping(ctx, &action.PutMappingRequest{
		Index:   md.Index,
		Mapping: &cluster.MappingMetadata{Source: map[string]any{"properties": map[string]any{"f": map[string]any{"type": "text"}}}},
	}))
	require.NoError(t, c.UpdateSettings(ctx, &action.UpdateSettingsRequest{Index: md.Index, Settings: cluster.Settings{settings.RefreshInterval: "9s"}}))
	no := false
	require.NoError(t, c.UpdateAliases(ctx, &action.AliasesRequest{Actions: []action.AliasAction{
		{Type: action.AliasAdd, Index: "logs", Alias: "a", WriteIndex: &no},
	}}))
	err = c.UpdateAliases(ctx, &action.AliasesRequest{Actions: []action.AliasAction{{Type: "rename", Index: "logs", Alias: "a"}}})
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err))

	got, err := c.GetIndexMetadata(ctx, &action.GetIndexMetadataRequest{Index: md.Index, MinMappingVersion: 2, WaitTimeout: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Metadata.MappingVersion)
	assert.Equal(t, int64(2), got.Metadata.SettingsVersion)
	assert.Equal(t, int64(2), got.Metadata.AliasesVersion)
	require.NotNil(t, got.Metadata.Aliases["a"].WriteIndex)
	assert.False(t, *got.Metadata.Aliases["a"].WriteIndex)

	st, err := c.ClusterState(ctx, &action.ClusterStateRequest{Indices: []string{"logs"}})
	require.NoError(t, err)
	assert.Len(t, st.State.Metadata.Indices, 1)
	assert.Equal(t, "9s", st.State.Metadata.Indices["logs"].Settings[settings.RefreshInterval])
}

func TestBulkShardOperations(t *testing.T) {
	n := newNode(t, Config{})
	md, err := n.CreateIndex(metadata.CreateIndexRequest{Name: "follower"})
	require.NoError(t, err)
	sid := cluster.ShardID{Index: md.Index}
	s, err := n.Shard(sid)
	require.NoError(t, err)

	c := action.NewClient(n.Registry(), nil)
	resp, err := c.BulkShardOperations(context.Background(), &action.BulkShardOperationsRequest{
		ShardID:     sid,
		HistoryUUID: s.HistoryUUID(),
		Operations: []action.Operation{
			{SeqNo: 0, PrimaryTerm: 1, Type: action.OpIndex, ID: "d", Source: []byte(`{}`)},
			{SeqNo: 1, PrimaryTerm: 1, Type: action.OpNoop},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.GlobalCheckpoint)

	_, err = c.BulkShardOperations(context.Background(), &action.BulkShardOperationsRequest{ShardID: sid, HistoryUUID: "stale"})
	assert.Equal(t, cluster.KindHistoryMismatch, cluster.KindOf(err))
}

func TestRestoreShardsFromDataDir(t *testing.T) {
	dir := t.TempDir()
	stateStore, err := storage.OpenBoltStore(filepath.Join(dir, "cluster_state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = stateStore.Close() })

	open := func() *Node {
		meta, err := metadata.NewService("test", settings.DefaultRegistry(), stateStore, zaptest.NewLogger(t))
		require.NoError(t, err)
		n, err := New(Config{
			Info:    cluster.NodeInfo{ID: "n1", Roles: []cluster.Role{cluster.RoleData}},
			DataDir: dir,
		}, meta, zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = n.Close() })
		return n
	}

	n := open()
	md, err := n.CreateIndex(metadata.CreateIndexRequest{Name: "logs"})
	require.NoError(t, err)
	sid := cluster.ShardID{Index: md.Index}
	_, err = n.IndexDoc("logs", "persisted", []byte(`{"ok":true}`))
	require.NoError(t, err)
	_, err = n.IndexDoc("logs", "other", []byte(`{}`))
	require.NoError(t, err)
	s, err := n.Shard(sid)
	require.NoError(t, err)
	_, err = s.AddRetentionLease("follower", 1, "ccr")
	require.NoError(t, err)
	assert.Equal(t, 1, n.TrimHistory())
	historyUUID := s.HistoryUUID()
	require.NoError(t, n.Close())

	n = open()
	require.Len(t, n.Shards(), 1)
	assert.Equal(t, 2, n.Shards()[0].Storage.Keys)
	s, err = n.Shard(sid)
	require.NoError(t, err)
	assert.Equal(t, historyUUID, s.HistoryUUID())
	assert.Equal(t, int64(1), s.GlobalCheckpoint())
	require.Len(t, s.RetentionLeases(), 1)
	assert.Equal(t, int64(1), s.RetentionLeases()[0].RetainingSeqNo)

	// new writes continue the same history
	seqNo, err := n.IndexDoc("logs", "after", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seqNo)

	c := action.NewClient(n.Registry(), nil)
	resp, err := c.ShardChanges(context.Background(), &action.ShardChangesRequest{
		ShardID:             sid,
		FromSeqNo:           1,
		ExpectedHistoryUUID: historyUUID,
	})
	require.NoError(t, err)
	require.Len(t, resp.Operations, 2)
	assert.Equal(t, "other", resp.Operations[0].ID)

	_, err = c.ShardChanges(context.Background(), &action.ShardChangesRequest{
		ShardID:             sid,
		FromSeqNo:           0,
		ExpectedHistoryUUID: historyUUID,
	})
	assert.Equal(t, cluster.KindInvalidArgument, cluster.KindOf(err))
}
