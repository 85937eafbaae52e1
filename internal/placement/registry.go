// Package placement tracks which node runs each shard-follow task and picks
// the node a new task should run on.
package placement

import (
	"errors"
	"sort"
	"sync"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// Assignment records the node a persistent task has been placed on.
type Assignment struct {
	// TaskID uniquely identifies the task, typically the follower shard id.
	TaskID string `json:"task_id"`

	// NodeID is the node executing the task.
	NodeID string `json:"node_id"`
}

// Registry maintains the task → node mapping from which per-node load is
// computed. It is the placement layer's memory: the executor consults it when
// choosing a node and updates it as tasks start and stop.
//
// Thread-safety:
//   - Reads (Load, NodeTasks, LeastLoaded) take the read lock
//   - Writes (Assign, Unassign) take the write lock
//   - Returned values are copies
type Registry struct {
	mu          sync.RWMutex
	assignments map[string]string // taskID -> nodeID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{assignments: make(map[string]string)}
}

// Assign records that taskID runs on nodeID, replacing any previous
// assignment of the same task.
//
// Parameters:
//   - taskID: Task identifier (must not be empty)
//   - nodeID: Node identifier (must not be empty)
//
// Returns:
//   - Error if either identifier is empty
//
// Example:
//
//	reg.Assign("[follower][0]", "node-2")
func (r *Registry) Assign(taskID, nodeID string) error {
	if taskID == "" {
		return errors.New("task ID cannot be empty")
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[taskID] = nodeID
	return nil
}

// Unassign forgets a task. Unknown tasks are ignored.
func (r *Registry) Unassign(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assignments, taskID)
}

// Assignment returns the node hosting taskID.
func (r *Registry) Assignment(taskID string) (Assignment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodeID, ok := r.assignments[taskID]
	return Assignment{TaskID: taskID, NodeID: nodeID}, ok
}

// Load returns the number of tasks assigned to nodeID.
func (r *Registry) Load(nodeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, owner := range r.assignments {
		if owner == nodeID {
			n++
		}
	}
	return n
}

// NodeTasks returns the sorted task ids assigned to nodeID.
func (r *Registry) NodeTasks(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var tasks []string
	for taskID, owner := range r.assignments {
		if owner == nodeID {
			tasks = append(tasks, taskID)
		}
	}
	sort.Strings(tasks)
	return tasks
}

// All returns every assignment sorted by task id.
func (r *Registry) All() []Assignment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Assignment, 0, len(r.assignments))
	for taskID, nodeID := range r.assignments {
		out = append(out, Assignment{TaskID: taskID, NodeID: nodeID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// LeastLoaded returns the eligible candidate hosting the fewest tasks.
//
// Selection rules:
//   - Candidates failing eligible are skipped
//   - Ties are broken by node id so the choice is deterministic
//   - An empty result (false) means no candidate qualified
//
// Parameters:
//   - candidates: Nodes the task may be placed on
//   - eligible: Filter applied to each candidate (nil accepts all)
//
// Returns:
//   - The chosen node and true, or a zero NodeInfo and false
func (r *Registry) LeastLoaded(candidates []cluster.NodeInfo, eligible func(cluster.NodeInfo) bool) (cluster.NodeInfo, bool) {
	r.mu.RLock()
	load := make(map[string]int, len(candidates))
	for _, owner := range r.assignments {
		load[owner]++
	}
	r.mu.RUnlock()

	var (
		best  cluster.NodeInfo
		found bool
	)
	for _, n := range candidates {
		if eligible != nil && !eligible(n) {
			continue
		}
		if !found || load[n.ID] < load[best.ID] || (load[n.ID] == load[best.ID] && n.ID < best.ID) {
			best, found = n, true
		}
	}
	return best, found
}
