package follow

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
)

// Handlers is what a replication loop may ask of its task. Every call
// blocks until the remote or local cluster answered; loops that want to keep
// working meanwhile run them through Go.
type Handlers interface {
	// ShardChanges reads operations from the leader shard starting at
	// fromSeqNo, scoped to the leader history pinned at task creation.
	ShardChanges(ctx context.Context, fromSeqNo int64, maxOperationCount int) (*action.ShardChangesResponse, error)
	// BulkShardOperations writes ops to the follower shard.
	BulkShardOperations(ctx context.Context, followerHistoryUUID string, ops []action.Operation, maxSeqNoOfUpdatesOrDeletes int64) (*action.BulkShardOperationsResponse, error)
	// UpdateMapping, UpdateSettings and UpdateAliases sync follower metadata
	// and return the leader version they caught up to.
	UpdateMapping(ctx context.Context, minRequiredMappingVersion int64) (int64, error)
	UpdateSettings(ctx context.Context) (int64, error)
	UpdateAliases(ctx context.Context) (int64, error)
	// IsStopped reports whether the task is cancelled or completed.
	IsStopped() bool
	// OnFatalFailure stops the task with err.
	OnFatalFailure(err error)
}

// Loop is a replication engine driving one task.
type Loop interface {
	Start(ctx context.Context, cursor StartCursor)
	Stop()
}

// Go runs step on its own goroutine and hands the outcome to sink exactly
// once.
func Go[T any](ctx context.Context, step func(context.Context) (T, error), sink func(T, error)) {
	go func() {
		v, err := step(ctx)
		sink(v, err)
	}()
}

// SerialLoop is a simple replication engine: it keeps one read and one
// write outstanding at a time, syncs follower metadata whenever a read shows
// a newer leader version, and retries transient failures with a capped
// randomized backoff.
type SerialLoop struct {
	h         Handlers
	params    Params
	scheduler *Scheduler
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	retries         int
	mappingVersion  int64
	settingsVersion int64
	aliasesVersion  int64
}

// NewSerialLoop creates a loop for h. It does nothing until started.
func NewSerialLoop(h Handlers, params Params, scheduler *Scheduler, logger *zap.Logger) *SerialLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SerialLoop{h: h, params: params, scheduler: scheduler, logger: logger}
}

// Start begins replicating after the follower's global checkpoint.
func (l *SerialLoop) Start(ctx context.Context, cursor StartCursor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.run(ctx, cursor)
	}()
}

// Stop cancels the loop and waits for it to exit.
func (l *SerialLoop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *SerialLoop) run(ctx context.Context, cursor StartCursor) {
	from := cursor.FollowerGlobalCheckpoint + 1
	for ctx.Err() == nil && !l.h.IsStopped() {
		resp, err := l.h.ShardChanges(ctx, from, l.params.MaxReadRequestOperationCount)
		if err != nil {
			if !l.retry(ctx, "read", err) {
				return
			}
			continue
		}
		if err := l.syncMetadata(ctx, resp); err != nil {
			if !l.retry(ctx, "metadata", err) {
				return
			}
			continue
		}
		if len(resp.Operations) > 0 {
			if err := l.write(ctx, cursor.FollowerHistoryUUID, resp); err != nil {
				if !l.retry(ctx, "write", err) {
					return
				}
				continue
			}
			from = resp.Operations[len(resp.Operations)-1].SeqNo + 1
		}
		l.retries = 0
	}
}

// syncMetadata brings follower metadata up to the versions the leader
// reported alongside the operations. Mapping goes first so that operations
// using new fields can be applied.
func (l *SerialLoop) syncMetadata(ctx context.Context, resp *action.ShardChangesResponse) error {
	if resp.MappingVersion > l.mappingVersion {
		v, err := await(ctx, func(ctx context.Context) (int64, error) {
			return l.h.UpdateMapping(ctx, resp.MappingVersion)
		})
		if err != nil {
			return err
		}
		l.mappingVersion = v
	}
	if resp.SettingsVersion > l.settingsVersion {
		v, err := await(ctx, l.h.UpdateSettings)
		if err != nil {
			return err
		}
		l.settingsVersion = v
	}
	if resp.AliasesVersion > l.aliasesVersion {
		v, err := await(ctx, l.h.UpdateAliases)
		if err != nil {
			return err
		}
		l.aliasesVersion = v
	}
	return nil
}

// write sends the operations in batches bounded by the write limits.
func (l *SerialLoop) write(ctx context.Context, historyUUID string, resp *action.ShardChangesResponse) error {
	ops := resp.Operations
	for len(ops) > 0 {
		n, size := 0, int64(0)
		for n < len(ops) && n < l.params.MaxWriteRequestOperationCount {
			size += int64(ops[n].Size())
			if n > 0 && size > l.params.MaxWriteRequestSize {
				break
			}
			n++
		}
		if _, err := l.h.BulkShardOperations(ctx, historyUUID, ops[:n], resp.MaxSeqNoOfUpdatesOrDeletes); err != nil {
			return err
		}
		ops = ops[n:]
	}
	return nil
}

// retry waits out a backoff after a transient failure. It returns false when
// the loop must exit, after reporting fatal failures to the task.
func (l *SerialLoop) retry(ctx context.Context, stage string, err error) bool {
	if ctx.Err() != nil || l.h.IsStopped() {
		return false
	}
	if !ShouldRetry(err) {
		l.h.OnFatalFailure(err)
		return false
	}
	l.retries++
	delay := ComputeDelay(l.retries, l.params.MaxRetryDelay)
	l.logger.Debug("retrying after transient failure",
		zap.String("stage", stage), zap.Int("retry", l.retries), zap.Duration("delay", delay), zap.Error(err))

	fired := make(chan struct{})
	if serr := l.scheduler.Schedule(delay, func() { close(fired) }); serr != nil {
		l.h.OnFatalFailure(multierr.Append(serr, err))
		return false
	}
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		return false
	}
}

type result struct {
	v   int64
	err error
}

// await runs step through Go and suspends until its sink fires.
func await(ctx context.Context, step func(context.Context) (int64, error)) (int64, error) {
	ch := make(chan result, 1)
	Go(ctx, step, func(v int64, err error) { ch <- result{v, err} })
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
