// Package metadata owns a node's view of its cluster state and applies index
// metadata mutations to it.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/settings"
	"github.com/dreamware/shardfollow/internal/storage"
)

const stateKey = "cluster_state"

// Service publishes immutable cluster-state snapshots. Every mutation copies
// the affected index metadata, applies the change, bumps the matching version
// and publishes a new snapshot.
type Service struct {
	registry *settings.Registry
	logger   *zap.Logger
	store    storage.Store

	// mu serializes writers; readers use current.
	mu      sync.Mutex
	current atomic.Pointer[cluster.State]
	changed chan struct{}
}

// NewService creates the service. When store is non-nil every published state
// is saved to it and the last saved state is restored on creation.
func NewService(clusterName string, registry *settings.Registry, store storage.Store, logger *zap.Logger) (*Service, error) {
	s := &Service{
		registry: registry,
		logger:   logger,
		store:    store,
		changed:  make(chan struct{}),
	}
	st := &cluster.State{ClusterName: clusterName, Metadata: cluster.Metadata{Indices: map[string]*cluster.IndexMetadata{}}}
	if store != nil {
		raw, err := store.Get(stateKey)
		switch {
		case err == nil:
			restored := new(cluster.State)
			if err := json.Unmarshal(raw, restored); err != nil {
				return nil, err
			}
			restored.ClusterName = clusterName
			if restored.Metadata.Indices == nil {
				restored.Metadata.Indices = map[string]*cluster.IndexMetadata{}
			}
			st = restored
			logger.Info("restored cluster state", zap.Int64("version", st.Version), zap.Int("indices", len(st.Metadata.Indices)))
		case !errors.Is(err, storage.ErrKeyNotFound):
			return nil, err
		}
	}
	s.current.Store(st)
	return s, nil
}

// State returns the current snapshot. It must not be modified.
func (s *Service) State() *cluster.State {
	return s.current.Load()
}

// Index returns the current metadata of idx or KindIndexNotFound.
func (s *Service) Index(idx cluster.Index) (*cluster.IndexMetadata, error) {
	return s.State().Metadata.IndexSafe(idx)
}

// IndexByName resolves an index by name alone.
func (s *Service) IndexByName(name string) (*cluster.IndexMetadata, error) {
	return s.Index(cluster.Index{Name: name})
}

// update runs fn against a copy of the current state and publishes the result
// if fn reports a change.
func (s *Service) update(fn func(st *cluster.State) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	next := *cur
	next.Metadata.Indices = maps.Clone(cur.Metadata.Indices)
	if next.Metadata.Indices == nil {
		next.Metadata.Indices = map[string]*cluster.IndexMetadata{}
	}
	next.Nodes = append([]cluster.NodeInfo(nil), cur.Nodes...)
	next.Routing.Shards = append([]cluster.ShardRouting(nil), cur.Routing.Shards...)

	changed, err := fn(&next)
	if err != nil || !changed {
		return err
	}
	next.Version = cur.Version + 1
	if s.store != nil {
		raw, err := json.Marshal(&next)
		if err != nil {
			return err
		}
		if err := s.store.Put(stateKey, raw); err != nil {
			return err
		}
	}
	s.current.Store(&next)
	close(s.changed)
	s.changed = make(chan struct{})
	return nil
}

func (s *Service) changedCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// mutable returns a private copy of idx's metadata inside st, ready to modify.
func mutable(st *cluster.State, idx cluster.Index) (*cluster.IndexMetadata, error) {
	md, err := st.Metadata.IndexSafe(idx)
	if err != nil {
		return nil, err
	}
	cp := md.Clone()
	st.Metadata.Indices[md.Index.Name] = cp
	return cp, nil
}

// SetNodes replaces the node list.
func (s *Service) SetNodes(nodes []cluster.NodeInfo) error {
	return s.update(func(st *cluster.State) (bool, error) {
		st.Nodes = append([]cluster.NodeInfo(nil), nodes...)
		return true, nil
	})
}

// CreateIndexRequest describes a new index.
type CreateIndexRequest struct {
	Name           string
	NumberOfShards int
	Settings       cluster.Settings
	Mapping        *cluster.MappingMetadata
	Aliases        map[string]cluster.AliasMetadata
	Custom         map[string]map[string]string
	// NodeID hosts every primary of the new index.
	NodeID string
}

// CreateIndex adds an index with all versions at 1 and its primaries started
// on req.NodeID.
func (s *Service) CreateIndex(req CreateIndexRequest) (*cluster.IndexMetadata, error) {
	if req.Name == "" || strings.HasPrefix(req.Name, "_") {
		return nil, cluster.Errorf(cluster.KindInvalidArgument, "invalid index name [%s]", req.Name)
	}
	if req.NumberOfShards <= 0 {
		req.NumberOfShards = 1
	}
	var created *cluster.IndexMetadata
	err := s.update(func(st *cluster.State) (bool, error) {
		if _, exists := st.Metadata.Indices[req.Name]; exists {
			return false, cluster.Errorf(cluster.KindInvalidArgument, "index [%s] already exists", req.Name)
		}
		for key := range req.Settings {
			if _, ok := s.registry.Lookup(key); !ok {
				return false, cluster.Errorf(cluster.KindInvalidArgument, "unknown setting [%s]", key)
			}
		}
		idx := cluster.Index{Name: req.Name, UUID: uuid.NewString()}
		md := &cluster.IndexMetadata{
			Index:           idx,
			State:           cluster.IndexOpen,
			NumberOfShards:  req.NumberOfShards,
			Settings:        req.Settings.Clone(),
			Mapping:         req.Mapping,
			MappingVersion:  1,
			SettingsVersion: 1,
			AliasesVersion:  1,
		}
		if md.Settings == nil {
			md.Settings = cluster.Settings{}
		}
		md.Settings[settings.IndexUUID] = idx.UUID
		if len(req.Aliases) > 0 {
			md.Aliases = make(map[string]cluster.AliasMetadata, len(req.Aliases))
			for name, a := range req.Aliases {
				a.Alias = name
				md.Aliases[name] = a
			}
		}
		md.Custom = req.Custom
		md = md.Clone()
		st.Metadata.Indices[req.Name] = md
		for i := 0; i < req.NumberOfShards; i++ {
			st.Routing.Shards = append(st.Routing.Shards, cluster.ShardRouting{
				ShardID: cluster.ShardID{Index: idx, ID: i},
				NodeID:  req.NodeID,
				Primary: true,
				State:   cluster.ShardStarted,
			})
		}
		created = md
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("created index", zap.Stringer("index", created.Index), zap.Int("shards", created.NumberOfShards))
	return created, nil
}

// DeleteIndex removes idx and its routing entries.
func (s *Service) DeleteIndex(idx cluster.Index) error {
	return s.update(func(st *cluster.State) (bool, error) {
		md, err := st.Metadata.IndexSafe(idx)
		if err != nil {
			return false, err
		}
		delete(st.Metadata.Indices, md.Index.Name)
		kept := st.Routing.Shards[:0]
		for _, r := range st.Routing.Shards {
			if r.ShardID.Index != md.Index {
				kept = append(kept, r)
			}
		}
		st.Routing.Shards = kept
		return true, nil
	})
}

// SetShardState changes the routing state of every copy of a shard.
func (s *Service) SetShardState(id cluster.ShardID, state cluster.ShardRoutingState) error {
	return s.update(func(st *cluster.State) (bool, error) {
		found := false
		for i, r := range st.Routing.Shards {
			if r.ShardID == id {
				st.Routing.Shards[i].State = state
				found = true
			}
		}
		if !found {
			return false, cluster.Errorf(cluster.KindShardNotFound, "no routing for shard %s", id)
		}
		return true, nil
	})
}

// PutMapping replaces the whole mapping of idx. The mapping version only
// moves when the mapping actually changes.
func (s *Service) PutMapping(idx cluster.Index, mapping *cluster.MappingMetadata) error {
	if mapping == nil {
		return cluster.Errorf(cluster.KindInvalidArgument, "mapping source required for index %s", idx)
	}
	return s.update(func(st *cluster.State) (bool, error) {
		cur, err := st.Metadata.IndexSafe(idx)
		if err != nil {
			return false, err
		}
		if cluster.MappingEqual(cur.Mapping, mapping) {
			return false, nil
		}
		md, _ := mutable(st, idx)
		md.Mapping = mapping.Clone()
		md.MappingVersion++
		return true, nil
	})
}

// UpdateSettings merges values into idx's settings. Unknown keys are
// rejected, as are static keys while the index is open.
func (s *Service) UpdateSettings(idx cluster.Index, values cluster.Settings) error {
	return s.update(func(st *cluster.State) (bool, error) {
		md, err := mutable(st, idx)
		if err != nil {
			return false, err
		}
		var static []string
		for _, key := range values.Keys() {
			setting, ok := s.registry.Lookup(key)
			if !ok {
				return false, cluster.Errorf(cluster.KindInvalidArgument, "unknown setting [%s] for index %s", key, md.Index)
			}
			if !setting.IsDynamic() {
				static = append(static, key)
			}
		}
		if len(static) > 0 && md.State == cluster.IndexOpen {
			return false, cluster.Errorf(cluster.KindInvalidArgument,
				"can't update non dynamic settings %v for open indices %s", static, md.Index)
		}
		changed := false
		if md.Settings == nil {
			md.Settings = cluster.Settings{}
		}
		for k, v := range values {
			if old, ok := md.Settings[k]; !ok || old != v {
				md.Settings[k] = v
				changed = true
			}
		}
		if changed {
			md.SettingsVersion++
		}
		return changed, nil
	})
}

// CloseIndex marks idx closed. Closing a closed index is a no-op.
func (s *Service) CloseIndex(idx cluster.Index) error {
	return s.setIndexState(idx, cluster.IndexClose)
}

// OpenIndex marks idx open. Opening an open index is a no-op.
func (s *Service) OpenIndex(idx cluster.Index) error {
	return s.setIndexState(idx, cluster.IndexOpen)
}

func (s *Service) setIndexState(idx cluster.Index, state cluster.IndexState) error {
	return s.update(func(st *cluster.State) (bool, error) {
		cur, err := st.Metadata.IndexSafe(idx)
		if err != nil {
			return false, err
		}
		if cur.State == state {
			return false, nil
		}
		md, _ := mutable(st, idx)
		md.State = state
		return true, nil
	})
}

// AliasAction is one step of an atomic alias update.
type AliasAction struct {
	Remove bool
	Index  string
	Alias  cluster.AliasMetadata
}

// UpdateAliases applies all actions atomically: either every action is
// applied or none is. Each touched index gets one aliases version bump.
func (s *Service) UpdateAliases(actions []AliasAction) error {
	if len(actions) == 0 {
		return cluster.Errorf(cluster.KindInvalidArgument, "alias update requires at least one action")
	}
	return s.update(func(st *cluster.State) (bool, error) {
		touched := make(map[string]*cluster.IndexMetadata)
		for _, a := range actions {
			md, ok := touched[a.Index]
			if !ok {
				var err error
				if md, err = mutable(st, cluster.Index{Name: a.Index}); err != nil {
					return false, err
				}
				touched[a.Index] = md
			}
			if a.Alias.Alias == "" {
				return false, cluster.Errorf(cluster.KindInvalidArgument, "alias name required")
			}
			if a.Remove {
				if _, ok := md.Aliases[a.Alias.Alias]; !ok {
					return false, cluster.Errorf(cluster.KindInvalidArgument, "alias [%s] missing on index [%s]", a.Alias.Alias, a.Index)
				}
				delete(md.Aliases, a.Alias.Alias)
				continue
			}
			if md.Aliases == nil {
				md.Aliases = make(map[string]cluster.AliasMetadata)
			}
			md.Aliases[a.Alias.Alias] = a.Alias
		}
		changed := false
		names := make([]string, 0, len(touched))
		for name := range touched {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			md := touched[name]
			before := s.State().Metadata.Indices[name]
			if aliasesEqual(before.Aliases, md.Aliases) {
				// unchanged: keep the published copy
				st.Metadata.Indices[name] = before
				continue
			}
			md.AliasesVersion++
			changed = true
		}
		return changed, nil
	})
}

func aliasesEqual(a, b map[string]cluster.AliasMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || !v.Equal(other) {
			return false
		}
	}
	return true
}

// SetCustom stores a namespaced custom metadata map on idx.
func (s *Service) SetCustom(idx cluster.Index, key string, data map[string]string) error {
	return s.update(func(st *cluster.State) (bool, error) {
		md, err := mutable(st, idx)
		if err != nil {
			return false, err
		}
		if md.Custom == nil {
			md.Custom = make(map[string]map[string]string)
		}
		md.Custom[key] = maps.Clone(data)
		return true, nil
	})
}

// WaitForIndex returns idx's metadata once its mapping and settings versions
// reach the given minimums. A negative timeout returns the current metadata
// without waiting; otherwise the wait fails with KindTimeout.
func (s *Service) WaitForIndex(ctx context.Context, idx cluster.Index, minMapping, minSettings int64, timeout time.Duration) (*cluster.IndexMetadata, error) {
	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		ch := s.changedCh()
		md, err := s.Index(idx)
		if err != nil {
			return nil, err
		}
		if timeout < 0 || (md.MappingVersion >= minMapping && md.SettingsVersion >= minSettings) {
			return md, nil
		}
		select {
		case <-ch:
		case <-deadline:
			return nil, cluster.Errorf(cluster.KindTimeout,
				"timed out waiting for mapping version [%d] settings version [%d] of index %s", minMapping, minSettings, idx)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
