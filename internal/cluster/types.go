package cluster

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Role is a capability a node advertises when it joins the cluster.
type Role string

const (
	RoleMaster              Role = "master"
	RoleData                Role = "data"
	RoleRemoteClusterClient Role = "remote_cluster_client"
)

type NodeInfo struct {
	ID    string `json:"id"`
	Addr  string `json:"addr"`
	Roles []Role `json:"roles,omitempty"`
}

func (n NodeInfo) HasRole(role Role) bool {
	return slices.Contains(n.Roles, role)
}

// CanContainData reports whether shards may be allocated to the node.
func (n NodeInfo) CanContainData() bool {
	return n.HasRole(RoleData)
}

// IsRemoteClusterClient reports whether the node may open connections to
// remote clusters.
func (n NodeInfo) IsRemoteClusterClient() bool {
	return n.HasRole(RoleRemoteClusterClient)
}

// Index identifies one incarnation of an index. Two indices with the same
// name but different UUIDs are different indices.
type Index struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

func (i Index) String() string {
	return fmt.Sprintf("[%s/%s]", i.Name, i.UUID)
}

// ShardID identifies a shard by its index and ordinal.
type ShardID struct {
	Index Index `json:"index"`
	ID    int   `json:"id"`
}

func (s ShardID) String() string {
	return fmt.Sprintf("[%s][%d]", s.Index.Name, s.ID)
}

// IndexName is a shorthand for s.Index.Name.
func (s ShardID) IndexName() string {
	return s.Index.Name
}

type ShardRoutingState string

const (
	ShardUnassigned   ShardRoutingState = "unassigned"
	ShardInitializing ShardRoutingState = "initializing"
	ShardStarted      ShardRoutingState = "started"
	ShardRelocating   ShardRoutingState = "relocating"
)

// ShardRouting is one copy of a shard as the routing table sees it.
type ShardRouting struct {
	ShardID ShardID           `json:"shard_id"`
	NodeID  string            `json:"node_id,omitempty"`
	Primary bool              `json:"primary"`
	State   ShardRoutingState `json:"state"`
}

// Active reports whether the copy is started or relocating.
func (r ShardRouting) Active() bool {
	return r.State == ShardStarted || r.State == ShardRelocating
}

func (r ShardRouting) String() string {
	kind := "replica"
	if r.Primary {
		kind = "primary"
	}
	return fmt.Sprintf("%s %s on [%s] state %s", r.ShardID, kind, r.NodeID, r.State)
}

// RoutingTable lists every shard copy known to the cluster.
type RoutingTable struct {
	Shards []ShardRouting `json:"shards"`
}

// PrimaryShard returns the routing entry of the primary copy of shardID.
func (t RoutingTable) PrimaryShard(shardID ShardID) (ShardRouting, bool) {
	for _, r := range t.Shards {
		if r.Primary && r.ShardID == shardID {
			return r, true
		}
	}
	return ShardRouting{}, false
}

// AssignedTo returns the routing entries hosted by nodeID.
func (t RoutingTable) AssignedTo(nodeID string) []ShardRouting {
	var out []ShardRouting
	for _, r := range t.Shards {
		if r.NodeID == nodeID {
			out = append(out, r)
		}
	}
	return out
}
