// Package reconcile brings a follower index's mapping, settings and aliases
// in line with its leader index.
//
// Each pass fetches the leader's index metadata, compares it with the
// follower's local metadata, applies the smallest change that makes them
// agree and returns the leader version it has caught up to. Passes are
// idempotent: with no change on the leader, a second pass issues no follower
// requests at all.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/settings"
)

// LeaderClient reads leader index metadata on the remote cluster.
type LeaderClient interface {
	GetIndexMetadata(ctx context.Context, req *action.GetIndexMetadataRequest) (*action.GetIndexMetadataResponse, error)
	ClusterState(ctx context.Context, req *action.ClusterStateRequest) (*action.ClusterStateResponse, error)
}

// FollowerClient mutates follower index metadata on the local cluster.
type FollowerClient interface {
	PutMapping(ctx context.Context, req *action.PutMappingRequest) error
	UpdateSettings(ctx context.Context, req *action.UpdateSettingsRequest) error
	CloseIndex(ctx context.Context, req *action.IndexRequest) error
	OpenIndex(ctx context.Context, req *action.IndexRequest) error
	UpdateAliases(ctx context.Context, req *action.AliasesRequest) error
}

// Snapshot gives read access to the local cluster state.
type Snapshot interface {
	Index(idx cluster.Index) (*cluster.IndexMetadata, error)
}

// Reconciler syncs one follower index with one leader index.
type Reconciler struct {
	LeaderIndex   cluster.Index
	FollowerIndex cluster.Index
	Leader        LeaderClient
	Follower      FollowerClient
	Local         Snapshot
	Settings      *settings.Registry
	// WaitTimeout is read on every mapping pass. A negative value means do
	// not wait for the leader to reach the requested version.
	WaitTimeout func() time.Duration
	Logger      *zap.Logger
}

// UpdateMapping copies the leader mapping to the follower once the leader's
// mapping version reaches minRequired. The mapping is always replaced whole.
func (r *Reconciler) UpdateMapping(ctx context.Context, minRequired int64) (int64, error) {
	resp, err := r.Leader.GetIndexMetadata(ctx, &action.GetIndexMetadataRequest{
		Index:             r.LeaderIndex,
		MinMappingVersion: minRequired,
		WaitTimeout:       r.WaitTimeout(),
	})
	if err != nil {
		return 0, fmt.Errorf("fetch leader mapping of %s: %w", r.LeaderIndex, err)
	}
	leader := resp.Metadata
	if leader == nil {
		return 0, cluster.Errorf(cluster.KindIndexNotFound, "leader index %s not found", r.LeaderIndex)
	}
	if leader.Mapping == nil {
		// an index without mapping has never had its mapping version bumped
		return leader.MappingVersion, nil
	}
	if err := r.Follower.PutMapping(ctx, &action.PutMappingRequest{
		Index:   r.FollowerIndex,
		Mapping: leader.Mapping,
	}); err != nil {
		return 0, fmt.Errorf("put mapping on %s: %w", r.FollowerIndex, err)
	}
	r.Logger.Debug("updated follower mapping", zap.Int64("mapping_version", leader.MappingVersion))
	return leader.MappingVersion, nil
}

// UpdateSettings copies the replicable leader settings that differ on the
// follower. Dynamic changes are applied in place; a change touching any
// static setting closes the follower index, applies it and reopens the index.
func (r *Reconciler) UpdateSettings(ctx context.Context) (int64, error) {
	leader, follower, err := r.fetch(ctx)
	if err != nil {
		return 0, err
	}
	leaderSettings := r.Settings.Filter(leader.Settings)
	followerSettings := r.Settings.Filter(follower.Settings)
	if leaderSettings.Equal(followerSettings) {
		return leader.SettingsVersion, nil
	}

	diff := r.Settings.Diff(leaderSettings, followerSettings)
	if len(diff) == 0 {
		return leader.SettingsVersion, nil
	}
	req := &action.UpdateSettingsRequest{Index: r.FollowerIndex, Settings: diff}
	if r.Settings.AllDynamic(diff) {
		if err := r.Follower.UpdateSettings(ctx, req); err != nil {
			return 0, fmt.Errorf("update settings on %s: %w", r.FollowerIndex, err)
		}
	} else if err := r.closeUpdateOpen(ctx, req); err != nil {
		return 0, err
	}
	r.Logger.Debug("updated follower settings",
		zap.Strings("keys", diff.Keys()),
		zap.Int64("settings_version", leader.SettingsVersion))
	return leader.SettingsVersion, nil
}

// closeUpdateOpen runs close, update and open strictly in order. The first
// failure stops the sequence; an index closed by an earlier step stays
// closed.
func (r *Reconciler) closeUpdateOpen(ctx context.Context, req *action.UpdateSettingsRequest) error {
	idx := &action.IndexRequest{Index: r.FollowerIndex}
	if err := r.Follower.CloseIndex(ctx, idx); err != nil {
		return fmt.Errorf("close %s: %w", r.FollowerIndex, err)
	}
	if err := r.Follower.UpdateSettings(ctx, req); err != nil {
		return fmt.Errorf("update settings on closed %s: %w", r.FollowerIndex, err)
	}
	if err := r.Follower.OpenIndex(ctx, idx); err != nil {
		return fmt.Errorf("reopen %s: %w", r.FollowerIndex, err)
	}
	return nil
}

// UpdateAliases makes the follower's aliases match the leader's, with the
// write index flag always false. All changes go out in one request.
func (r *Reconciler) UpdateAliases(ctx context.Context) (int64, error) {
	leader, follower, err := r.fetch(ctx)
	if err != nil {
		return 0, err
	}
	actions := AliasActions(r.FollowerIndex.Name, leader.Aliases, follower.Aliases)
	if len(actions) == 0 {
		return leader.AliasesVersion, nil
	}
	if err := r.Follower.UpdateAliases(ctx, &action.AliasesRequest{Actions: actions}); err != nil {
		return 0, fmt.Errorf("update aliases on %s: %w", r.FollowerIndex, err)
	}
	r.Logger.Debug("updated follower aliases",
		zap.Int("actions", len(actions)),
		zap.Int64("aliases_version", leader.AliasesVersion))
	return leader.AliasesVersion, nil
}

// fetch reads the leader metadata from the remote cluster and the follower
// metadata from the local snapshot.
func (r *Reconciler) fetch(ctx context.Context) (leader, follower *cluster.IndexMetadata, err error) {
	resp, err := r.Leader.ClusterState(ctx, &action.ClusterStateRequest{Indices: []string{r.LeaderIndex.Name}})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch leader state: %w", err)
	}
	if resp.State == nil {
		return nil, nil, cluster.Errorf(cluster.KindIndexNotFound, "leader index %s not found", r.LeaderIndex)
	}
	if leader, err = resp.State.Metadata.IndexSafe(r.LeaderIndex); err != nil {
		return nil, nil, err
	}
	if follower, err = r.Local.Index(r.FollowerIndex); err != nil {
		return nil, nil, err
	}
	return leader, follower, nil
}

// AliasPartition splits alias names by where they exist.
type AliasPartition struct {
	LeaderOnly   []string
	FollowerOnly []string
	Common       []string
}

// PartitionAliases computes the partition by alias name. The three slices
// are disjoint, sorted, and together hold every name of leader and follower.
func PartitionAliases(leader, follower map[string]cluster.AliasMetadata) AliasPartition {
	var p AliasPartition
	for name := range leader {
		if _, ok := follower[name]; ok {
			p.Common = append(p.Common, name)
		} else {
			p.LeaderOnly = append(p.LeaderOnly, name)
		}
	}
	for name := range follower {
		if _, ok := leader[name]; !ok {
			p.FollowerOnly = append(p.FollowerOnly, name)
		}
	}
	sort.Strings(p.LeaderOnly)
	sort.Strings(p.FollowerOnly)
	sort.Strings(p.Common)
	return p
}

// AliasActions returns the add and remove actions that turn the follower's
// aliases into the leader's with the write index flag forced to false.
func AliasActions(followerIndex string, leader, follower map[string]cluster.AliasMetadata) []action.AliasAction {
	p := PartitionAliases(leader, follower)
	var actions []action.AliasAction
	for _, name := range p.LeaderOnly {
		actions = append(actions, addAction(followerIndex, named(name, leader[name])))
	}
	for _, name := range p.Common {
		want := forceNoWrite(named(name, leader[name]))
		if want.Equal(named(name, follower[name])) {
			continue
		}
		actions = append(actions, addAction(followerIndex, want))
	}
	for _, name := range p.FollowerOnly {
		actions = append(actions, action.AliasAction{Type: action.AliasRemove, Index: followerIndex, Alias: name})
	}
	return actions
}

func named(name string, a cluster.AliasMetadata) cluster.AliasMetadata {
	a.Alias = name
	return a
}

func forceNoWrite(a cluster.AliasMetadata) cluster.AliasMetadata {
	no := false
	a.WriteIndex = &no
	return a
}

func addAction(index string, a cluster.AliasMetadata) action.AliasAction {
	a = forceNoWrite(a)
	return action.AliasAction{
		Type:          action.AliasAdd,
		Index:         index,
		Alias:         a.Alias,
		Filter:        a.Filter,
		IndexRouting:  a.IndexRouting,
		SearchRouting: a.SearchRouting,
		WriteIndex:    a.WriteIndex,
	}
}
