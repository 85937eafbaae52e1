package follow

import (
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/shardfollow/internal/cluster"
)

const (
	DefaultMaxReadRequestOperationCount  = 5120
	DefaultMaxReadRequestSize            = 32 << 20
	DefaultMaxWriteRequestOperationCount = 5120
	DefaultMaxWriteRequestSize           = 9 << 20
	DefaultMaxRetryDelay                 = 500 * time.Millisecond
	DefaultReadPollTimeout               = time.Minute
)

// Params describe one follow relationship. They do not change for the
// lifetime of a task.
type Params struct {
	RemoteCluster string          `json:"remote_cluster"`
	FollowShardID cluster.ShardID `json:"follow_shard_id"`
	LeaderShardID cluster.ShardID `json:"leader_shard_id"`

	MaxReadRequestOperationCount  int           `json:"max_read_request_operation_count"`
	MaxReadRequestSize            int64         `json:"max_read_request_size"`
	MaxWriteRequestOperationCount int           `json:"max_write_request_operation_count"`
	MaxWriteRequestSize           int64         `json:"max_write_request_size"`
	MaxRetryDelay                 time.Duration `json:"max_retry_delay"`
	ReadPollTimeout               time.Duration `json:"read_poll_timeout"`

	// Headers carry the identity of the user that created the follow
	// relationship. They are attached to every request the task sends.
	Headers map[string]string `json:"headers,omitempty"`
}

// NewParams returns params for following leader from follower with default
// limits.
func NewParams(remoteCluster string, follower, leader cluster.ShardID) Params {
	return Params{
		RemoteCluster:                 remoteCluster,
		FollowShardID:                 follower,
		LeaderShardID:                 leader,
		MaxReadRequestOperationCount:  DefaultMaxReadRequestOperationCount,
		MaxReadRequestSize:            DefaultMaxReadRequestSize,
		MaxWriteRequestOperationCount: DefaultMaxWriteRequestOperationCount,
		MaxWriteRequestSize:           DefaultMaxWriteRequestSize,
		MaxRetryDelay:                 DefaultMaxRetryDelay,
		ReadPollTimeout:               DefaultReadPollTimeout,
	}
}

// TaskID is the id the task is registered under.
func (p Params) TaskID() string {
	return p.FollowShardID.String()
}

// Validate checks identities and limits.
func (p Params) Validate() error {
	var errs []error
	if p.RemoteCluster == "" {
		errs = append(errs, errors.New("remote cluster is missing"))
	}
	if p.FollowShardID.Index.Name == "" {
		errs = append(errs, errors.New("follow shard index is missing"))
	}
	if p.LeaderShardID.Index.Name == "" {
		errs = append(errs, errors.New("leader shard index is missing"))
	}
	if p.FollowShardID.ID < 0 || p.LeaderShardID.ID < 0 {
		errs = append(errs, errors.New("shard ordinals must not be negative"))
	}
	if p.MaxReadRequestOperationCount <= 0 {
		errs = append(errs, fmt.Errorf("max_read_request_operation_count must be positive, got %d", p.MaxReadRequestOperationCount))
	}
	if p.MaxReadRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max_read_request_size must be positive, got %d", p.MaxReadRequestSize))
	}
	if p.MaxWriteRequestOperationCount <= 0 {
		errs = append(errs, fmt.Errorf("max_write_request_operation_count must be positive, got %d", p.MaxWriteRequestOperationCount))
	}
	if p.MaxWriteRequestSize <= 0 {
		errs = append(errs, fmt.Errorf("max_write_request_size must be positive, got %d", p.MaxWriteRequestSize))
	}
	if p.MaxRetryDelay <= 0 {
		errs = append(errs, fmt.Errorf("max_retry_delay must be positive, got %s", p.MaxRetryDelay))
	}
	if p.ReadPollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read_poll_timeout must be positive, got %s", p.ReadPollTimeout))
	}
	if len(errs) > 0 {
		return cluster.WrapKind(cluster.KindInvalidArgument, errors.Join(errs...), "invalid follow params for %s", p.FollowShardID)
	}
	return nil
}

// Cursor is the replication position of a task.
type Cursor struct {
	// LeaderHistoryUUID is pinned when the task is created.
	LeaderHistoryUUID        string `json:"leader_history_uuid"`
	FollowerHistoryUUID      string `json:"follower_history_uuid"`
	FollowerGlobalCheckpoint int64  `json:"follower_global_checkpoint"`
	FollowerMaxSeqNo         int64  `json:"follower_max_seq_no"`
}

// StartCursor is handed to a Loop when replication begins. The read cursor
// starts at the follower's own position.
type StartCursor struct {
	FollowerHistoryUUID      string
	LeaderGlobalCheckpoint   int64
	LeaderMaxSeqNo           int64
	FollowerGlobalCheckpoint int64
	FollowerMaxSeqNo         int64
}
