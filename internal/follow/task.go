package follow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/lease"
	"github.com/dreamware/shardfollow/internal/logger"
	"github.com/dreamware/shardfollow/internal/reconcile"
)

// TaskState is the lifecycle state of a Task.
type TaskState int32

const (
	TaskRunning TaskState = iota
	TaskCancelled
	TaskCompleted
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskCancelled:
		return "cancelled"
	case TaskCompleted:
		return "completed"
	default:
		return "failed"
	}
}

// Status is a point-in-time description of a task.
type Status struct {
	TaskID        string `json:"task_id"`
	RemoteCluster string `json:"remote_cluster"`
	LeaderShard   string `json:"leader_shard"`
	FollowerShard string `json:"follower_shard"`
	State         string `json:"state"`
	LeaseState    string `json:"lease_state,omitempty"`
	Cursor        Cursor `json:"cursor"`
	FatalError    string `json:"fatal_error,omitempty"`
}

// Task follows one leader shard. It implements Handlers for its loop.
type Task struct {
	exec              *Executor
	params            Params
	leaderHistoryUUID string
	leaseID           string
	reconciler        *reconcile.Reconciler
	logger            *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state      atomic.Int32
	checkpoint atomic.Int64
	maxSeqNo   atomic.Int64

	mu                  sync.Mutex
	followerHistoryUUID string
	fatal               error
	renewer             *lease.Renewer
	loop                Loop
}

func newTask(e *Executor, params Params, leaderHistoryUUID string) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		exec:              e,
		params:            params,
		leaderHistoryUUID: leaderHistoryUUID,
		leaseID:           lease.ID(e.cfg.ClusterName, params.FollowShardID.Index, params.RemoteCluster, params.LeaderShardID.Index),
		logger: e.logger.With(
			logger.ShardID("follower_shard", params.FollowShardID),
			logger.ShardID("leader_shard", params.LeaderShardID),
			logger.RemoteCluster(params.RemoteCluster)),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.checkpoint.Store(-1)
	t.maxSeqNo.Store(-1)
	t.reconciler = &reconcile.Reconciler{
		LeaderIndex:   params.LeaderShardID.Index,
		FollowerIndex: params.FollowShardID.Index,
		Leader:        leaderMetadata{t},
		Follower:      e.cfg.Resolver.Local(params.Headers),
		Local:         e.cfg.Local,
		Settings:      e.cfg.Settings,
		WaitTimeout:   t.waitTimeout,
		Logger:        t.logger,
	}
	e.cfg.Metrics.taskStarted()
	return t
}

// ID returns the task id.
func (t *Task) ID() string { return t.params.TaskID() }

// Params returns the task params.
func (t *Task) Params() Params { return t.params }

// LeaseID returns the retention lease id the task holds on the leader.
func (t *Task) LeaseID() string { return t.leaseID }

// GlobalCheckpoint returns the last follower global checkpoint the task has
// observed.
func (t *Task) GlobalCheckpoint() int64 { return t.checkpoint.Load() }

// State returns the lifecycle state.
func (t *Task) State() TaskState { return TaskState(t.state.Load()) }

// IsStopped reports whether the task was cancelled, completed or failed.
func (t *Task) IsStopped() bool { return t.State() != TaskRunning }

// Done is closed once the task leaves the running state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the fatal error that stopped the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fatal
}

// Cancel stops the task. It does not wait for the loop to exit; see Wait.
func (t *Task) Cancel() {
	t.stop(TaskCancelled, nil)
}

// MarkCompleted stops the task as completed.
func (t *Task) MarkCompleted() {
	t.stop(TaskCompleted, nil)
}

// OnFatalFailure stops the task with err.
func (t *Task) OnFatalFailure(err error) {
	if t.stop(TaskFailed, err) {
		t.logger.Warn("shard follow task failed", zap.Stringer("kind", cluster.KindOf(err)), zap.Error(err))
		t.exec.cfg.Metrics.fatal(cluster.KindOf(err).String())
	}
}

// Wait blocks until the task has stopped and its loop has exited. It must
// not be called from a Handlers method.
func (t *Task) Wait() {
	<-t.done
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

func (t *Task) stop(state TaskState, err error) bool {
	if !t.state.CompareAndSwap(int32(TaskRunning), int32(state)) {
		return false
	}
	t.mu.Lock()
	t.fatal = err
	renewer := t.renewer
	t.mu.Unlock()

	t.cancel()
	if renewer != nil {
		renewer.Stop()
	}
	t.exec.stopped(t)
	close(t.done)
	return true
}

// start begins lease renewal and replication from the probed position.
func (t *Task) start(info ShardInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.IsStopped() || t.loop != nil {
		return
	}
	t.followerHistoryUUID = info.HistoryUUID
	t.checkpoint.Store(info.GlobalCheckpoint)
	t.maxSeqNo.Store(info.MaxSeqNo)

	t.renewer = lease.NewRenewer(lease.Config{
		ID:          t.leaseID,
		LeaderShard: t.params.LeaderShardID,
		Interval:    t.exec.cfg.RetentionLeaseRenewInterval,
		Client:      leaseClient{t},
		Checkpoint:  t.GlobalCheckpoint,
		IsStopped:   t.IsStopped,
		OnOutcome:   t.exec.cfg.Metrics.leaseOutcome,
		Clock:       t.exec.cfg.Clock,
		Logger:      t.logger,
	})
	t.renewer.Start()

	t.loop = t.exec.cfg.NewLoop(t)
	t.loop.Start(t.ctx, StartCursor{
		FollowerHistoryUUID:      info.HistoryUUID,
		LeaderGlobalCheckpoint:   info.GlobalCheckpoint,
		LeaderMaxSeqNo:           info.MaxSeqNo,
		FollowerGlobalCheckpoint: info.GlobalCheckpoint,
		FollowerMaxSeqNo:         info.MaxSeqNo,
	})
	t.logger.Debug("replication started",
		zap.Int64("global_checkpoint", info.GlobalCheckpoint), zap.Int64("max_seq_no", info.MaxSeqNo))
}

// Status describes the task.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		TaskID:        t.ID(),
		RemoteCluster: t.params.RemoteCluster,
		LeaderShard:   t.params.LeaderShardID.String(),
		FollowerShard: t.params.FollowShardID.String(),
		State:         t.State().String(),
		Cursor: Cursor{
			LeaderHistoryUUID:        t.leaderHistoryUUID,
			FollowerHistoryUUID:      t.followerHistoryUUID,
			FollowerGlobalCheckpoint: t.checkpoint.Load(),
			FollowerMaxSeqNo:         t.maxSeqNo.Load(),
		},
	}
	if t.renewer != nil {
		st.LeaseState = t.renewer.State().String()
	}
	if t.fatal != nil {
		st.FatalError = t.fatal.Error()
	}
	return st
}

func (t *Task) waitTimeout() time.Duration {
	if t.IsStopped() {
		return -1
	}
	return t.exec.WaitForMetadataTimeout()
}

func (t *Task) remote(system bool) (*action.Client, error) {
	c, err := t.exec.cfg.Resolver.Remote(t.params.RemoteCluster, t.params.Headers)
	if err != nil {
		return nil, err
	}
	if system {
		c = c.System()
	}
	return c, nil
}

// ShardChanges reads from the leader shard.
func (t *Task) ShardChanges(ctx context.Context, fromSeqNo int64, maxOperationCount int) (*action.ShardChangesResponse, error) {
	c, err := t.remote(false)
	if err != nil {
		return nil, err
	}
	return c.ShardChanges(ctx, &action.ShardChangesRequest{
		ShardID:             t.params.LeaderShardID,
		FromSeqNo:           fromSeqNo,
		MaxOperationCount:   maxOperationCount,
		MaxBatchSize:        t.params.MaxReadRequestSize,
		PollTimeout:         t.params.ReadPollTimeout,
		ExpectedHistoryUUID: t.leaderHistoryUUID,
	})
}

// BulkShardOperations writes to the follower shard and advances the
// observed checkpoint.
func (t *Task) BulkShardOperations(ctx context.Context, followerHistoryUUID string, ops []action.Operation, maxSeqNoOfUpdatesOrDeletes int64) (*action.BulkShardOperationsResponse, error) {
	resp, err := t.exec.cfg.Resolver.Local(t.params.Headers).BulkShardOperations(ctx, &action.BulkShardOperationsRequest{
		ShardID:                    t.params.FollowShardID,
		HistoryUUID:                followerHistoryUUID,
		Operations:                 ops,
		MaxSeqNoOfUpdatesOrDeletes: maxSeqNoOfUpdatesOrDeletes,
	})
	if err != nil {
		return nil, err
	}
	advance(&t.checkpoint, resp.GlobalCheckpoint)
	advance(&t.maxSeqNo, resp.MaxSeqNo)
	t.exec.cfg.Metrics.applied(t.params.FollowShardID.IndexName(), len(ops))
	t.exec.cfg.Metrics.checkpoint(t.ID(), t.checkpoint.Load())
	return resp, nil
}

func advance(v *atomic.Int64, to int64) {
	for {
		cur := v.Load()
		if to <= cur || v.CompareAndSwap(cur, to) {
			return
		}
	}
}

// UpdateMapping syncs the follower mapping.
func (t *Task) UpdateMapping(ctx context.Context, minRequiredMappingVersion int64) (int64, error) {
	v, err := t.reconciler.UpdateMapping(ctx, minRequiredMappingVersion)
	t.exec.cfg.Metrics.reconciled("mapping", err)
	return v, err
}

// UpdateSettings syncs the follower settings.
func (t *Task) UpdateSettings(ctx context.Context) (int64, error) {
	v, err := t.reconciler.UpdateSettings(ctx)
	t.exec.cfg.Metrics.reconciled("settings", err)
	return v, err
}

// UpdateAliases syncs the follower aliases.
func (t *Task) UpdateAliases(ctx context.Context) (int64, error) {
	v, err := t.reconciler.UpdateAliases(ctx)
	t.exec.cfg.Metrics.reconciled("aliases", err)
	return v, err
}

// leaderMetadata resolves the remote client on every call so that a
// reconfigured remote alias is picked up.
type leaderMetadata struct{ t *Task }

func (l leaderMetadata) GetIndexMetadata(ctx context.Context, req *action.GetIndexMetadataRequest) (*action.GetIndexMetadataResponse, error) {
	c, err := l.t.remote(false)
	if err != nil {
		return nil, err
	}
	return c.GetIndexMetadata(ctx, req)
}

func (l leaderMetadata) ClusterState(ctx context.Context, req *action.ClusterStateRequest) (*action.ClusterStateResponse, error) {
	c, err := l.t.remote(false)
	if err != nil {
		return nil, err
	}
	return c.ClusterState(ctx, req)
}

// leaseClient sends retention lease requests under the system identity.
type leaseClient struct{ t *Task }

func (l leaseClient) RenewRetentionLease(ctx context.Context, req *action.RetentionLeaseRequest) error {
	c, err := l.t.remote(true)
	if err != nil {
		return err
	}
	return c.RenewRetentionLease(ctx, req)
}

func (l leaseClient) AddRetentionLease(ctx context.Context, req *action.RetentionLeaseRequest) error {
	c, err := l.t.remote(true)
	if err != nil {
		return err
	}
	return c.AddRetentionLease(ctx, req)
}
