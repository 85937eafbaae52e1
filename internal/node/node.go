// Package node wires shards and the local cluster state into an action
// registry. A node can act as a leader (serving shard changes and retention
// leases) and as a follower (accepting replicated operations and metadata
// updates) at the same time.
package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/metadata"
	"github.com/dreamware/shardfollow/internal/shard"
	"github.com/dreamware/shardfollow/internal/storage"
)

// Config holds the node identity and storage options.
type Config struct {
	Info cluster.NodeInfo
	// DataDir, when set, puts each shard in its own bbolt file.
	DataDir string
	// RequireSystemLeases rejects retention lease actions that are not issued
	// under the system identity.
	RequireSystemLeases bool
}

// Node manages the shards hosted locally and serves actions against them.
type Node struct {
	cfg      Config
	meta     *metadata.Service
	registry *action.Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	shards map[cluster.ShardID]*shard.Shard
}

// New creates a node and registers all of its action handlers.
func New(cfg Config, meta *metadata.Service, logger *zap.Logger) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		meta:     meta,
		registry: action.NewRegistry(),
		logger:   logger.With(zap.String("node_id", cfg.Info.ID)),
		shards:   make(map[cluster.ShardID]*shard.Shard),
	}
	if err := n.join(); err != nil {
		return nil, err
	}
	if err := n.openRestoredShards(); err != nil {
		return nil, err
	}
	n.registerHandlers()
	return n, nil
}

func (n *Node) join() error {
	nodes := append([]cluster.NodeInfo(nil), n.meta.State().Nodes...)
	for i, existing := range nodes {
		if existing.ID == n.cfg.Info.ID {
			nodes[i] = n.cfg.Info
			return n.meta.SetNodes(nodes)
		}
	}
	return n.meta.SetNodes(append(nodes, n.cfg.Info))
}

// openRestoredShards reopens the shards of indices found in a restored state.
func (n *Node) openRestoredShards() error {
	for _, r := range n.meta.State().Routing.AssignedTo(n.cfg.Info.ID) {
		if _, err := n.openShard(r.ShardID, r.Primary); err != nil {
			return err
		}
	}
	return nil
}

// ID returns the node id.
func (n *Node) ID() string { return n.cfg.Info.ID }

// Info returns the identity and roles the node joined with.
func (n *Node) Info() cluster.NodeInfo { return n.cfg.Info }

// Metadata returns the cluster state service the node publishes to.
func (n *Node) Metadata() *metadata.Service { return n.meta }

// Registry is the local executor and the handler behind the HTTP transport.
func (n *Node) Registry() *action.Registry { return n.registry }

// Shard returns a locally hosted shard. A shard whose index is unknown fails
// with KindIndexNotFound, an unknown ordinal with KindShardNotFound.
func (n *Node) Shard(id cluster.ShardID) (*shard.Shard, error) {
	if _, err := n.meta.Index(id.Index); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.shards[n.key(id)]
	if !ok {
		return nil, cluster.Errorf(cluster.KindShardNotFound, "no such shard %s on node [%s]", id, n.cfg.Info.ID)
	}
	return s, nil
}

// key normalizes a shard id to the full index identity of the current state,
// so callers may address shards by index name alone.
func (n *Node) key(id cluster.ShardID) cluster.ShardID {
	if md := n.meta.State().Metadata.Index(id.Index); md != nil {
		id.Index = md.Index
	}
	return id
}

func (n *Node) openShard(id cluster.ShardID, primary bool) (*shard.Shard, error) {
	var store storage.Store
	if n.cfg.DataDir != "" {
		bs, err := storage.OpenBoltStore(filepath.Join(n.cfg.DataDir, fmt.Sprintf("%s_%d.db", id.Index.UUID, id.ID)))
		if err != nil {
			return nil, fmt.Errorf("open store for shard %s: %w", id, err)
		}
		store = bs
	}
	s, err := shard.OpenShard(id, primary, store)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	n.mu.Lock()
	n.shards[id] = s
	n.mu.Unlock()
	return s, nil
}

// CreateIndex creates an index whose primaries all live on this node.
func (n *Node) CreateIndex(req metadata.CreateIndexRequest) (*cluster.IndexMetadata, error) {
	req.NodeID = n.cfg.Info.ID
	md, err := n.meta.CreateIndex(req)
	if err != nil {
		return nil, err
	}
	for i := 0; i < md.NumberOfShards; i++ {
		if _, err := n.openShard(cluster.ShardID{Index: md.Index, ID: i}, true); err != nil {
			return nil, err
		}
	}
	return md, nil
}

// IndexDoc writes a document to the primary owning id.
func (n *Node) IndexDoc(index, id string, source []byte) (int64, error) {
	s, err := n.route(index, id)
	if err != nil {
		return 0, err
	}
	return s.Index(id, source)
}

// DeleteDoc deletes a document from the primary owning id.
func (n *Node) DeleteDoc(index, id string) (int64, error) {
	s, err := n.route(index, id)
	if err != nil {
		return 0, err
	}
	return s.Delete(id)
}

// GetDoc reads a document's current source.
func (n *Node) GetDoc(index, id string) ([]byte, error) {
	s, err := n.route(index, id)
	if err != nil {
		return nil, err
	}
	return s.Store.Get(id)
}

func (n *Node) route(index, id string) (*shard.Shard, error) {
	md, err := n.meta.IndexByName(index)
	if err != nil {
		return nil, err
	}
	return n.Shard(cluster.ShardID{Index: md.Index, ID: shard.Route(id, md.NumberOfShards)})
}

// Shards returns info for every local shard.
func (n *Node) Shards() []shard.ShardInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]shard.ShardInfo, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s.Info())
	}
	return out
}

// TrimHistory trims every local shard's history down to what its leases
// retain.
func (n *Node) TrimHistory() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	total := 0
	for _, s := range n.shards {
		total += s.TrimHistory()
	}
	return total
}

// Close closes every shard store.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for id, s := range n.shards {
		s.Close()
		if err := s.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.shards, id)
	}
	return firstErr
}

// setIndexShardsState opens or closes the engines of idx's local shards.
func (n *Node) setIndexShardsState(idx cluster.Index, open bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for id, s := range n.shards {
		if id.Index != idx {
			continue
		}
		if open {
			s.Open()
		} else {
			s.Close()
		}
	}
}

// indicesStats collects shard stats of the requested indices concurrently.
// Indices unknown to this node are left out of the response.
func (n *Node) indicesStats(ctx context.Context, names []string) (*action.IndicesStatsResponse, error) {
	resp := &action.IndicesStatsResponse{Indices: make(map[string]action.IndexStats)}
	var mu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, name := range names {
		md, err := n.meta.IndexByName(name)
		if err != nil {
			continue
		}
		g.Go(func() error {
			stats := action.IndexStats{UUID: md.Index.UUID}
			for i := 0; i < md.NumberOfShards; i++ {
				s, err := n.Shard(cluster.ShardID{Index: md.Index, ID: i})
				if err != nil {
					continue
				}
				stats.Shards = append(stats.Shards, s.ShardStats(n.cfg.Info.ID))
			}
			mu.Lock()
			resp.Indices[md.Index.Name] = stats
			mu.Unlock()
			return nil
		})
	}
	return resp, g.Wait()
}
