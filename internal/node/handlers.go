package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/logger"
	"github.com/dreamware/shardfollow/internal/metadata"
)

func (n *Node) registerHandlers() {
	r := n.registry
	action.Register(r, action.ClusterState, n.handleClusterState)
	action.Register(r, action.GetIndexMetadata, n.handleGetIndexMetadata)
	action.Register(r, action.ShardChanges, n.handleShardChanges)
	action.Register(r, action.AddRetentionLease, n.handleAddRetentionLease)
	action.Register(r, action.RenewRetentionLease, n.handleRenewRetentionLease)
	action.Register(r, action.RemoveRetentionLease, n.handleRemoveRetentionLease)
	action.Register(r, action.PutMapping, n.handlePutMapping)
	action.Register(r, action.UpdateSettings, n.handleUpdateSettings)
	action.Register(r, action.CloseIndex, n.handleCloseIndex)
	action.Register(r, action.OpenIndex, n.handleOpenIndex)
	action.Register(r, action.UpdateAliases, n.handleUpdateAliases)
	action.Register(r, action.BulkShardOperations, n.handleBulkShardOperations)
	action.Register(r, action.IndicesStats, n.handleIndicesStats)
}

var acked = &action.AcknowledgedResponse{Acknowledged: true}

func (n *Node) handleClusterState(_ context.Context, _ map[string]string, req *action.ClusterStateRequest) (*action.ClusterStateResponse, error) {
	st := n.meta.State()
	if len(req.Indices) == 0 {
		return &action.ClusterStateResponse{State: st}, nil
	}
	filtered := *st
	filtered.Metadata.Indices = make(map[string]*cluster.IndexMetadata, len(req.Indices))
	for _, name := range req.Indices {
		if md, ok := st.Metadata.Indices[name]; ok {
			filtered.Metadata.Indices[name] = md
		}
	}
	return &action.ClusterStateResponse{State: &filtered}, nil
}

func (n *Node) handleGetIndexMetadata(ctx context.Context, _ map[string]string, req *action.GetIndexMetadataRequest) (*action.GetIndexMetadataResponse, error) {
	md, err := n.meta.WaitForIndex(ctx, req.Index, req.MinMappingVersion, req.MinSettingsVersion, req.WaitTimeout)
	if err != nil {
		return nil, err
	}
	return &action.GetIndexMetadataResponse{Metadata: md, StateVersion: n.meta.State().Version}, nil
}

func (n *Node) handleShardChanges(ctx context.Context, _ map[string]string, req *action.ShardChangesRequest) (*action.ShardChangesResponse, error) {
	s, err := n.Shard(req.ShardID)
	if err != nil {
		return nil, err
	}
	resp, err := s.Changes(ctx, req)
	if err != nil {
		return nil, err
	}
	// versions are read after the operations so a follower never sees an
	// operation without the metadata it depends on
	md, err := n.meta.Index(req.ShardID.Index)
	if err != nil {
		return nil, err
	}
	resp.MappingVersion = md.MappingVersion
	resp.SettingsVersion = md.SettingsVersion
	resp.AliasesVersion = md.AliasesVersion
	return resp, nil
}

func (n *Node) checkLeaseCaller(ctx context.Context, headers map[string]string, name string) error {
	if n.cfg.RequireSystemLeases && headers[action.HeaderSystem] != "true" {
		logger.FromContext(ctx).Warn("rejected retention lease action without system identity",
			logger.Action(name), zap.String("user", headers[action.HeaderUser]))
		return cluster.Errorf(cluster.KindSecurity, "action [%s] requires the system identity", name)
	}
	return nil
}

func (n *Node) handleAddRetentionLease(ctx context.Context, headers map[string]string, req *action.RetentionLeaseRequest) (*action.AcknowledgedResponse, error) {
	if err := n.checkLeaseCaller(ctx, headers, action.AddRetentionLease); err != nil {
		return nil, err
	}
	s, err := n.Shard(req.ShardID)
	if err != nil {
		return nil, err
	}
	if _, err := s.AddRetentionLease(req.ID, req.RetainingSeqNo, req.Source); err != nil {
		return nil, err
	}
	n.logger.Debug("added retention lease", zap.String("lease_id", req.ID), zap.Int64("retaining_seq_no", req.RetainingSeqNo))
	return acked, nil
}

func (n *Node) handleRenewRetentionLease(ctx context.Context, headers map[string]string, req *action.RetentionLeaseRequest) (*action.AcknowledgedResponse, error) {
	if err := n.checkLeaseCaller(ctx, headers, action.RenewRetentionLease); err != nil {
		return nil, err
	}
	s, err := n.Shard(req.ShardID)
	if err != nil {
		return nil, err
	}
	if _, err := s.RenewRetentionLease(req.ID, req.RetainingSeqNo, req.Source); err != nil {
		return nil, err
	}
	return acked, nil
}

func (n *Node) handleRemoveRetentionLease(ctx context.Context, headers map[string]string, req *action.RetentionLeaseRequest) (*action.AcknowledgedResponse, error) {
	if err := n.checkLeaseCaller(ctx, headers, action.RemoveRetentionLease); err != nil {
		return nil, err
	}
	s, err := n.Shard(req.ShardID)
	if err != nil {
		return nil, err
	}
	if err := s.RemoveRetentionLease(req.ID); err != nil {
		return nil, err
	}
	return acked, nil
}

func (n *Node) handlePutMapping(_ context.Context, _ map[string]string, req *action.PutMappingRequest) (*action.AcknowledgedResponse, error) {
	if err := n.meta.PutMapping(req.Index, req.Mapping); err != nil {
		return nil, err
	}
	return acked, nil
}

func (n *Node) handleUpdateSettings(_ context.Context, _ map[string]string, req *action.UpdateSettingsRequest) (*action.AcknowledgedResponse, error) {
	if err := n.meta.UpdateSettings(req.Index, req.Settings); err != nil {
		return nil, err
	}
	return acked, nil
}

func (n *Node) handleCloseIndex(_ context.Context, _ map[string]string, req *action.IndexRequest) (*action.AcknowledgedResponse, error) {
	md, err := n.meta.Index(req.Index)
	if err != nil {
		return nil, err
	}
	if err := n.meta.CloseIndex(md.Index); err != nil {
		return nil, err
	}
	n.setIndexShardsState(md.Index, false)
	n.logger.Info("closed index", zap.Stringer("index", md.Index))
	return acked, nil
}

func (n *Node) handleOpenIndex(_ context.Context, _ map[string]string, req *action.IndexRequest) (*action.AcknowledgedResponse, error) {
	md, err := n.meta.Index(req.Index)
	if err != nil {
		return nil, err
	}
	if err := n.meta.OpenIndex(md.Index); err != nil {
		return nil, err
	}
	n.setIndexShardsState(md.Index, true)
	n.logger.Info("opened index", zap.Stringer("index", md.Index))
	return acked, nil
}

func (n *Node) handleUpdateAliases(_ context.Context, _ map[string]string, req *action.AliasesRequest) (*action.AcknowledgedResponse, error) {
	actions := make([]metadata.AliasAction, 0, len(req.Actions))
	for _, a := range req.Actions {
		switch a.Type {
		case action.AliasAdd, action.AliasRemove:
		default:
			return nil, cluster.Errorf(cluster.KindInvalidArgument, "unknown alias action type [%s]", a.Type)
		}
		actions = append(actions, metadata.AliasAction{
			Remove: a.Type == action.AliasRemove,
			Index:  a.Index,
			Alias:  a.Metadata(),
		})
	}
	if err := n.meta.UpdateAliases(actions); err != nil {
		return nil, err
	}
	return acked, nil
}

func (n *Node) handleBulkShardOperations(_ context.Context, _ map[string]string, req *action.BulkShardOperationsRequest) (*action.BulkShardOperationsResponse, error) {
	s, err := n.Shard(req.ShardID)
	if err != nil {
		return nil, err
	}
	return s.Apply(req.HistoryUUID, req.Operations, req.MaxSeqNoOfUpdatesOrDeletes)
}

func (n *Node) handleIndicesStats(ctx context.Context, _ map[string]string, req *action.IndicesStatsRequest) (*action.IndicesStatsResponse, error) {
	return n.indicesStats(ctx, req.Indices)
}
