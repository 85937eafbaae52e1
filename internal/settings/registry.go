// Package settings knows which index settings exist, which of them may be
// changed on an open index, and which of them a follower index replicates
// from its leader.
package settings

import (
	"strings"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// Property flags describe how a setting may be updated and who owns it.
type Property uint8

const (
	// Dynamic settings may be updated on an open index.
	Dynamic Property = 1 << iota
	// Private settings are managed by the system and never copied.
	Private
	// Internal settings are managed by internal components and never copied.
	Internal
	// Group settings match every key under Key + ".".
	Group
)

// Setting describes one index-scoped setting.
type Setting struct {
	Key        string
	Properties Property
}

// IsDynamic reports whether the setting can change on an open index.
func (s Setting) IsDynamic() bool { return s.Properties&Dynamic != 0 }

// IsPrivate reports whether the setting is managed by the system.
func (s Setting) IsPrivate() bool { return s.Properties&Private != 0 }

// IsInternal reports whether the setting is owned by internal components.
func (s Setting) IsInternal() bool { return s.Properties&Internal != 0 }

// Match reports whether key is this setting, or falls under it for group
// settings.
func (s Setting) Match(key string) bool {
	if s.Properties&Group != 0 {
		return strings.HasPrefix(key, s.Key+".")
	}
	return key == s.Key
}

const (
	NumberOfShards        = "index.number_of_shards"
	NumberOfReplicas      = "index.number_of_replicas"
	AutoExpandReplicas    = "index.auto_expand_replicas"
	RefreshInterval       = "index.refresh_interval"
	MaxResultWindow       = "index.max_result_window"
	Codec                 = "index.codec"
	AnalysisGroup         = "index.analysis"
	SoftDeletesEnabled    = "index.soft_deletes.enabled"
	SoftDeletesRetention  = "index.soft_deletes.retention_lease.period"
	IndexUUID             = "index.uuid"
	HistoryUUID           = "index.history.uuid"
	ProvidedName          = "index.provided_name"
	CreationDate          = "index.creation_date"
	VersionCreated        = "index.version.created"
	VersionUpgraded       = "index.version.upgraded"
	VersionUpgradedString = "index.version.upgraded_string"
	FollowingIndex        = "index.xpack.ccr.following_index"
	Priority              = "index.priority"
	LifecycleName         = "index.lifecycle.name"
	LifecycleRollover     = "index.lifecycle.rollover_alias"
	RoutingAllocation     = "index.routing.allocation"
	Blocks                = "index.blocks"
	ResizeSourceUUID      = "index.resize.source.uuid"
	DataPath              = "index.data_path"
)

// Registry is the set of index-scoped settings a node understands.
type Registry struct {
	settings []Setting
	// nonReplicated lists settings that legitimately differ between leader
	// and follower and are removed before comparing.
	nonReplicated []Setting
}

// NewRegistry builds a registry from the given settings. Unknown keys are
// treated as unsupported by IsDynamic and Lookup.
func NewRegistry(settings []Setting, nonReplicated []Setting) *Registry {
	return &Registry{settings: settings, nonReplicated: nonReplicated}
}

// DefaultRegistry returns the settings a stock node registers.
func DefaultRegistry() *Registry {
	return NewRegistry([]Setting{
		{Key: NumberOfShards},
		{Key: NumberOfReplicas, Properties: Dynamic},
		{Key: AutoExpandReplicas, Properties: Dynamic},
		{Key: RefreshInterval, Properties: Dynamic},
		{Key: MaxResultWindow, Properties: Dynamic},
		{Key: Priority, Properties: Dynamic},
		{Key: Codec},
		{Key: AnalysisGroup, Properties: Group},
		{Key: SoftDeletesEnabled},
		{Key: SoftDeletesRetention, Properties: Dynamic},
		{Key: IndexUUID, Properties: Private},
		{Key: HistoryUUID, Properties: Private},
		{Key: ProvidedName, Properties: Private},
		{Key: CreationDate, Properties: Private},
		{Key: VersionCreated, Properties: Private},
		{Key: VersionUpgraded, Properties: Private},
		{Key: VersionUpgradedString, Properties: Private},
		{Key: ResizeSourceUUID, Properties: Private},
		{Key: FollowingIndex, Properties: Internal},
		{Key: LifecycleName, Properties: Dynamic},
		{Key: LifecycleRollover, Properties: Dynamic},
		{Key: RoutingAllocation, Properties: Dynamic | Group},
		{Key: Blocks, Properties: Dynamic | Group},
		{Key: DataPath},
	}, []Setting{
		{Key: NumberOfReplicas},
		{Key: AutoExpandReplicas},
		{Key: Priority},
		{Key: LifecycleName},
		{Key: LifecycleRollover},
		{Key: RoutingAllocation, Properties: Group},
		{Key: Blocks, Properties: Group},
	})
}

// Lookup returns the setting matching key.
func (r *Registry) Lookup(key string) (Setting, bool) {
	for _, s := range r.settings {
		if s.Match(key) {
			return s, true
		}
	}
	return Setting{}, false
}

// IsDynamic reports whether key is a known dynamic setting.
func (r *Registry) IsDynamic(key string) bool {
	s, ok := r.Lookup(key)
	return ok && s.IsDynamic()
}

// IsReplicable reports whether a follower may copy key from its leader: the
// setting must be known and neither private nor internal.
func (r *Registry) IsReplicable(key string) bool {
	s, ok := r.Lookup(key)
	return ok && !s.IsPrivate() && !s.IsInternal()
}

// alwaysDifferent are keys that never match between leader and follower.
var alwaysDifferent = []string{
	FollowingIndex,
	SoftDeletesEnabled,
	IndexUUID,
	HistoryUUID,
	ProvidedName,
	CreationDate,
	VersionUpgraded,
	VersionUpgradedString,
}

// Filter strips the keys that are expected to differ between a leader index
// and its follower so the remainder can be compared directly.
func (r *Registry) Filter(s cluster.Settings) cluster.Settings {
	return s.Filter(func(key string) bool {
		for _, k := range alwaysDifferent {
			if key == k {
				return false
			}
		}
		for _, nr := range r.nonReplicated {
			if nr.Match(key) {
				return false
			}
		}
		return true
	})
}

// Diff returns the replicable settings of leader that are missing from, or
// differ on, follower. Both inputs should already be filtered.
func (r *Registry) Diff(leader, follower cluster.Settings) cluster.Settings {
	return leader.Filter(func(key string) bool {
		if !r.IsReplicable(key) {
			return false
		}
		existing, ok := follower[key]
		return !ok || existing != leader[key]
	})
}

// AllDynamic reports whether every key of s may be updated on an open index.
func (r *Registry) AllDynamic(s cluster.Settings) bool {
	for key := range s {
		if !r.IsDynamic(key) {
			return false
		}
	}
	return true
}
