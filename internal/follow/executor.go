package follow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/logger"
	"github.com/dreamware/shardfollow/internal/placement"
	"github.com/dreamware/shardfollow/internal/settings"
)

const (
	// CustomKey is the index custom metadata section owned by replication.
	CustomKey = "ccr"
	// LeaderShardHistoryUUIDsKey holds the leader history uuids, comma
	// separated and indexed by leader shard ordinal.
	LeaderShardHistoryUUIDsKey = "leader_index_shard_history_uuids"

	DefaultRetentionLeaseRenewInterval = 30 * time.Second
	DefaultWaitForMetadataTimeout      = time.Minute

	noAssignmentExplanation = "no nodes found with data and remote cluster client roles"
)

// ClientResolver hands out clients for the local cluster and for remote
// cluster aliases.
type ClientResolver interface {
	Local(headers map[string]string) *action.Client
	Remote(alias string, headers map[string]string) (*action.Client, error)
}

// LocalState is read access to the local cluster state.
type LocalState interface {
	State() *cluster.State
	Index(idx cluster.Index) (*cluster.IndexMetadata, error)
}

// Assignment is the placement decision for a task.
type Assignment struct {
	NodeID      string `json:"node_id,omitempty"`
	Explanation string `json:"explanation,omitempty"`
}

// NoAssignment is returned when no node can run the task.
var NoAssignment = Assignment{Explanation: noAssignmentExplanation}

// IsAssigned reports whether a node was chosen.
func (a Assignment) IsAssigned() bool {
	return a.NodeID != ""
}

// Config wires an Executor.
type Config struct {
	// NodeID is the node this executor runs tasks on.
	NodeID      string
	ClusterName string
	Resolver    ClientResolver
	Local       LocalState
	Settings    *settings.Registry
	Placement   *placement.Registry

	RetentionLeaseRenewInterval time.Duration
	WaitForMetadataTimeout      time.Duration

	// NewLoop builds the replication engine for a task. Defaults to a
	// SerialLoop.
	NewLoop func(t *Task) Loop
	Clock   clock.Clock
	Metrics *Metrics
	Logger  *zap.Logger
}

// Executor implements the task lifecycle hooks for shard-follow tasks.
type Executor struct {
	cfg       Config
	scheduler *Scheduler
	logger    *zap.Logger

	waitForMetadataTimeout atomic.Int64

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewExecutor creates an executor, filling defaults for unset config.
func NewExecutor(cfg Config) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.DefaultRegistry()
	}
	if cfg.Placement == nil {
		cfg.Placement = placement.NewRegistry()
	}
	if cfg.RetentionLeaseRenewInterval <= 0 {
		cfg.RetentionLeaseRenewInterval = DefaultRetentionLeaseRenewInterval
	}
	if cfg.WaitForMetadataTimeout == 0 {
		cfg.WaitForMetadataTimeout = DefaultWaitForMetadataTimeout
	}
	e := &Executor{
		cfg:       cfg,
		scheduler: NewScheduler(cfg.Clock),
		logger:    cfg.Logger.With(logger.Component("follow")),
		tasks:     make(map[string]*Task),
	}
	if e.cfg.NewLoop == nil {
		e.cfg.NewLoop = func(t *Task) Loop {
			return NewSerialLoop(t, t.params, e.scheduler, t.logger)
		}
	}
	e.waitForMetadataTimeout.Store(int64(cfg.WaitForMetadataTimeout))
	return e
}

// SetWaitForMetadataTimeout changes how long mapping syncs wait for the
// leader to reach a mapping version. Running tasks pick it up on their next
// sync.
func (e *Executor) SetWaitForMetadataTimeout(d time.Duration) {
	e.waitForMetadataTimeout.Store(int64(d))
}

// WaitForMetadataTimeout returns the current wait-for-metadata timeout.
func (e *Executor) WaitForMetadataTimeout() time.Duration {
	return time.Duration(e.waitForMetadataTimeout.Load())
}

// Scheduler returns the executor's retry scheduler.
func (e *Executor) Scheduler() *Scheduler {
	return e.scheduler
}

// Validate fails unless the primary of the follower shard is active.
func (e *Executor) Validate(params Params, state *cluster.State) error {
	routing, ok := state.Routing.PrimaryShard(params.FollowShardID)
	if !ok {
		return cluster.Errorf(cluster.KindInvalidArgument, "%s primary shard is not allocated", params.FollowShardID)
	}
	if !routing.Active() {
		return cluster.Errorf(cluster.KindInvalidArgument, "%s is not active", routing)
	}
	return nil
}

// Assignment picks the least loaded candidate that has both the data and
// remote cluster client roles.
func (e *Executor) Assignment(params Params, candidates []cluster.NodeInfo) Assignment {
	node, ok := e.cfg.Placement.LeastLoaded(candidates, func(n cluster.NodeInfo) bool {
		return n.CanContainData() && n.IsRemoteClusterClient()
	})
	if !ok {
		return NoAssignment
	}
	return Assignment{NodeID: node.ID}
}

// CreateTask builds the task for params, pinning the leader history uuid
// recorded in the follower index metadata.
func (e *Executor) CreateTask(params Params) (*Task, error) {
	md, err := e.cfg.Local.Index(params.FollowShardID.Index)
	if err != nil {
		return nil, err
	}
	leaderHistory, err := leaderHistoryUUID(md, params.LeaderShardID.ID)
	if err != nil {
		return nil, err
	}
	return newTask(e, params, leaderHistory), nil
}

func leaderHistoryUUID(md *cluster.IndexMetadata, shard int) (string, error) {
	raw, ok := md.CustomData(CustomKey)[LeaderShardHistoryUUIDsKey]
	if !ok || raw == "" {
		return "", cluster.Errorf(cluster.KindInvalidArgument,
			"follower index %s has no leader shard history uuids", md.Index)
	}
	uuids := strings.Split(raw, ",")
	if shard >= len(uuids) {
		return "", cluster.Errorf(cluster.KindInvalidArgument,
			"follower index %s records %d leader history uuids, need shard %d", md.Index, len(uuids), shard)
	}
	return uuids[shard], nil
}

// NodeOperation probes the follower shard and starts replication. Transient
// probe failures are retried after the task's max retry delay.
func (e *Executor) NodeOperation(t *Task) {
	t.logger.Info("Starting to track leader shard")
	Go(t.ctx, func(ctx context.Context) (ShardInfo, error) {
		return Probe(ctx, e.cfg.Resolver.Local(t.params.Headers), e.cfg.Local, t.params.FollowShardID)
	}, func(info ShardInfo, err error) {
		if err == nil {
			t.start(info)
			return
		}
		if t.IsStopped() {
			return
		}
		if !ShouldRetry(err) {
			t.OnFatalFailure(err)
			return
		}
		t.logger.Debug("failed to fetch follow shard global checkpoint and max sequence number", zap.Error(err))
		if serr := e.scheduler.Schedule(t.params.MaxRetryDelay, func() { e.NodeOperation(t) }); serr != nil {
			t.OnFatalFailure(multierr.Append(serr, err))
		}
	})
}

// StartTask runs the full lifecycle the task host would: validate, pick a
// node, create the task and begin its node operation.
func (e *Executor) StartTask(params Params) (*Task, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	state := e.cfg.Local.State()
	if err := e.Validate(params, state); err != nil {
		return nil, err
	}
	a := e.Assignment(params, state.Nodes)
	if !a.IsAssigned() {
		return nil, cluster.Errorf(cluster.KindInvalidArgument, "cannot start %s: %s", params.TaskID(), a.Explanation)
	}
	if a.NodeID != e.cfg.NodeID {
		return nil, cluster.Errorf(cluster.KindInvalidArgument, "task %s is assigned to node [%s]", params.TaskID(), a.NodeID)
	}

	e.mu.Lock()
	if prev, ok := e.tasks[params.TaskID()]; ok && !prev.IsStopped() {
		e.mu.Unlock()
		return nil, cluster.Errorf(cluster.KindInvalidArgument, "task %s is already running", params.TaskID())
	}
	t, err := e.CreateTask(params)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.tasks[params.TaskID()] = t
	e.mu.Unlock()

	if err := e.cfg.Placement.Assign(params.TaskID(), a.NodeID); err != nil {
		t.Cancel()
		return nil, err
	}
	e.NodeOperation(t)
	return t, nil
}

// Task returns the task registered under id.
func (e *Executor) Task(id string) (*Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[id]
	return t, ok
}

// Tasks returns the status of every known task sorted by id.
func (e *Executor) Tasks() []Status {
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	out := make([]Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// stopped is called by a task once it left the running state.
func (e *Executor) stopped(t *Task) {
	e.cfg.Placement.Unassign(t.params.TaskID())
	e.cfg.Metrics.taskStopped()
}

// Close cancels every task, waits for their loops and shuts the scheduler
// down.
func (e *Executor) Close() {
	e.scheduler.Close()
	e.mu.Lock()
	tasks := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
		t.Wait()
	}
}
