package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/shardfollow/internal/action"
	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/logger"
)

// State is the renewer lifecycle state.
type State int32

const (
	// Active means a renewal is scheduled.
	Active State = iota
	// Stopped means the owning task is cancelled or completed.
	Stopped
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "stopped"
}

// Outcome describes what a single renewal tick did.
type Outcome string

const (
	OutcomeRenewed      Outcome = "renewed"
	OutcomeAdded        Outcome = "added"
	OutcomeAddFailed    Outcome = "add_failed"
	OutcomeInvalidSeqNo Outcome = "invalid_seq_no"
	OutcomeFailed       Outcome = "failed"
)

// Client is the subset of the leader cluster client a renewer needs.
// Callers should pass a client carrying system headers.
type Client interface {
	RenewRetentionLease(ctx context.Context, req *action.RetentionLeaseRequest) error
	AddRetentionLease(ctx context.Context, req *action.RetentionLeaseRequest) error
}

// Config wires a Renewer to its owner.
type Config struct {
	// ID is the lease id, see ID.
	ID string
	// LeaderShard is the shard the lease is held on.
	LeaderShard cluster.ShardID
	// Interval is the delay between the end of one tick and the next.
	Interval time.Duration
	Client   Client
	// Checkpoint returns the follower global checkpoint. It is read on every
	// tick and again before an add.
	Checkpoint func() int64
	// IsStopped reports whether the owning task is cancelled or completed.
	IsStopped func() bool
	// OnOutcome, when set, observes every tick that reached the leader.
	OnOutcome func(Outcome)
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Renewer periodically renews a retention lease on the leader shard and
// re-creates it when it has gone missing.
//
// Ticks run with a fixed delay: the next tick is scheduled only after the
// previous one has finished, so a slow leader never causes overlapping
// renewals.
//
// Thread-safety: Start and Stop may be called from any goroutine. Stop is
// idempotent.
type Renewer struct {
	cfg    Config
	logger *zap.Logger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	timer *clock.Timer
	wg    sync.WaitGroup
}

// NewRenewer creates a renewer in the Active state. Nothing is scheduled
// until Start is called.
//
// Example:
//
//	r := lease.NewRenewer(lease.Config{
//	    ID:          lease.ID("local", followerIdx, "remote", leaderIdx),
//	    LeaderShard: leaderShard,
//	    Interval:    30 * time.Second,
//	    Client:      leaderClient.System(),
//	    Checkpoint:  task.GlobalCheckpoint,
//	    IsStopped:   task.IsStopped,
//	})
//	r.Start()
//	defer r.Stop()
func NewRenewer(cfg Config) *Renewer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.IsStopped == nil {
		cfg.IsStopped = func() bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Renewer{
		cfg:    cfg,
		logger: cfg.Logger.With(logger.LeaseID(cfg.ID), logger.ShardID("leader_shard", cfg.LeaderShard)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current lifecycle state.
func (r *Renewer) State() State {
	return State(r.state.Load())
}

// Start schedules the first renewal one interval from now.
func (r *Renewer) Start() {
	r.schedule()
}

// Stop moves the renewer to Stopped, cancels any scheduled tick and waits
// for an in-flight tick to return.
func (r *Renewer) Stop() {
	r.state.Store(int32(Stopped))
	r.cancel()
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Renewer) stopped() bool {
	return r.State() == Stopped || r.cfg.IsStopped()
}

func (r *Renewer) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped() {
		return
	}
	r.timer = r.cfg.Clock.AfterFunc(r.cfg.Interval, r.tick)
}

func (r *Renewer) tick() {
	r.mu.Lock()
	if r.State() == Stopped {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.renewOnce(r.ctx)
	r.schedule()
}

// renewOnce runs one renewal attempt and the follow-up its failure calls for.
func (r *Renewer) renewOnce(ctx context.Context) {
	if r.stopped() {
		return
	}
	req := &action.RetentionLeaseRequest{
		ShardID:        r.cfg.LeaderShard,
		ID:             r.cfg.ID,
		RetainingSeqNo: r.cfg.Checkpoint() + 1,
		Source:         Source,
	}
	err := r.cfg.Client.RenewRetentionLease(ctx, req)
	if err == nil {
		r.observe(OutcomeRenewed)
		return
	}
	if r.stopped() {
		// an unfollow removes the lease; failures from here on are expected
		return
	}

	switch cluster.KindOf(err) {
	case cluster.KindRetentionLeaseNotFound:
		r.add(ctx)
	case cluster.KindInvalidRetainingSeqNo:
		r.logger.Debug("retention lease renewal rejected retaining seq no",
			zap.Int64("retaining_seq_no", req.RetainingSeqNo), zap.Error(err))
		r.observe(OutcomeInvalidSeqNo)
	case cluster.KindSecurity:
		r.logger.DPanic("retention lease renewal failed security checks", zap.Error(err))
		r.observe(OutcomeFailed)
	default:
		r.logger.Warn("failed to renew retention lease", zap.Error(err))
		r.observe(OutcomeFailed)
	}
}

func (r *Renewer) add(ctx context.Context) {
	req := &action.RetentionLeaseRequest{
		ShardID:        r.cfg.LeaderShard,
		ID:             r.cfg.ID,
		RetainingSeqNo: r.cfg.Checkpoint() + 1,
		Source:         Source,
	}
	r.logger.Debug("retention lease not found, adding",
		zap.Int64("retaining_seq_no", req.RetainingSeqNo))
	if err := r.cfg.Client.AddRetentionLease(ctx, req); err != nil {
		if r.stopped() {
			return
		}
		if cluster.KindOf(err) == cluster.KindSecurity {
			r.logger.DPanic("retention lease add failed security checks", zap.Error(err))
		} else {
			r.logger.Warn("failed to add retention lease", zap.Error(err))
		}
		r.observe(OutcomeAddFailed)
		return
	}
	r.observe(OutcomeAdded)
}

func (r *Renewer) observe(o Outcome) {
	if r.cfg.OnOutcome != nil {
		r.cfg.OnOutcome(o)
	}
}
