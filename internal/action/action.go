// Package action defines the named actions nodes execute against each other,
// their request and response types, and the Executor boundary through which
// they are invoked locally or on a remote cluster.
package action

import (
	"context"
	"time"

	"github.com/dreamware/shardfollow/internal/cluster"
)

// Action names. They double as the HTTP route suffix.
const (
	ClusterState         = "cluster:monitor/state"
	GetIndexMetadata     = "indices:metadata/get"
	ShardChanges         = "indices:data/read/shard_changes"
	RenewRetentionLease  = "indices:admin/seq_no/renew_retention_lease"
	AddRetentionLease    = "indices:admin/seq_no/add_retention_lease"
	RemoveRetentionLease = "indices:admin/seq_no/remove_retention_lease"
	PutMapping           = "indices:admin/mapping/put"
	UpdateSettings       = "indices:admin/settings/update"
	CloseIndex           = "indices:admin/close"
	OpenIndex            = "indices:admin/open"
	UpdateAliases        = "indices:admin/aliases"
	BulkShardOperations  = "indices:data/write/bulk_shard_operations"
	IndicesStats         = "indices:monitor/stats"
)

// Header keys carried with every request.
const (
	// HeaderSystem marks a request issued by a background component on
	// behalf of the system rather than the user who created the task.
	HeaderSystem = "system"
	HeaderUser   = "user"
)

// Executor runs a named action. req and resp are the typed request and a
// pointer to the typed response; resp may be nil when the caller does not
// care about the body.
type Executor interface {
	Execute(ctx context.Context, name string, headers map[string]string, req any, resp any) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name string, headers map[string]string, req any, resp any) error

func (f ExecutorFunc) Execute(ctx context.Context, name string, headers map[string]string, req any, resp any) error {
	return f(ctx, name, headers, req, resp)
}

type AcknowledgedResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type ClusterStateRequest struct {
	Indices []string `json:"indices,omitempty"`
}

type ClusterStateResponse struct {
	State *cluster.State `json:"state"`
}

// GetIndexMetadataRequest reads one index's metadata, optionally waiting until
// its mapping and settings versions reach the given minimums. A negative
// WaitTimeout returns the current metadata immediately.
type GetIndexMetadataRequest struct {
	Index              cluster.Index `json:"index"`
	MinMappingVersion  int64         `json:"min_mapping_version,omitempty"`
	MinSettingsVersion int64         `json:"min_settings_version,omitempty"`
	WaitTimeout        time.Duration `json:"wait_timeout"`
}

type GetIndexMetadataResponse struct {
	Metadata     *cluster.IndexMetadata `json:"metadata"`
	StateVersion int64                  `json:"state_version"`
}

type OpType string

const (
	OpIndex  OpType = "index"
	OpDelete OpType = "delete"
	OpNoop   OpType = "noop"
)

// Operation is one entry of a shard's write history.
type Operation struct {
	SeqNo       int64  `json:"seq_no"`
	PrimaryTerm int64  `json:"primary_term"`
	Type        OpType `json:"op_type"`
	ID          string `json:"id,omitempty"`
	Source      []byte `json:"source,omitempty"`
}

// Size is the approximate number of bytes the operation occupies in a batch.
func (o Operation) Size() int64 {
	return int64(len(o.ID) + len(o.Source) + 24)
}

type ShardChangesRequest struct {
	ShardID             cluster.ShardID `json:"shard_id"`
	FromSeqNo           int64           `json:"from_seq_no"`
	MaxOperationCount   int             `json:"max_operation_count"`
	MaxBatchSize        int64           `json:"max_batch_size"`
	PollTimeout         time.Duration   `json:"poll_timeout"`
	ExpectedHistoryUUID string          `json:"expected_history_uuid"`
}

type ShardChangesResponse struct {
	MappingVersion             int64       `json:"mapping_version"`
	SettingsVersion            int64       `json:"settings_version"`
	AliasesVersion             int64       `json:"aliases_version"`
	GlobalCheckpoint           int64       `json:"global_checkpoint"`
	MaxSeqNo                   int64       `json:"max_seq_no"`
	MaxSeqNoOfUpdatesOrDeletes int64       `json:"max_seq_no_of_updates_or_deletes"`
	Operations                 []Operation `json:"operations"`
}

type RetentionLeaseRequest struct {
	ShardID        cluster.ShardID `json:"shard_id"`
	ID             string          `json:"id"`
	RetainingSeqNo int64           `json:"retaining_seq_no"`
	Source         string          `json:"source,omitempty"`
}

type PutMappingRequest struct {
	Index   cluster.Index            `json:"index"`
	Mapping *cluster.MappingMetadata `json:"mapping"`
}

type UpdateSettingsRequest struct {
	Index    cluster.Index    `json:"index"`
	Settings cluster.Settings `json:"settings"`
}

type IndexRequest struct {
	Index cluster.Index `json:"index"`
}

type AliasActionType string

const (
	AliasAdd    AliasActionType = "add"
	AliasRemove AliasActionType = "remove"
)

type AliasAction struct {
	Type          AliasActionType `json:"type"`
	Index         string          `json:"index"`
	Alias         string          `json:"alias"`
	Filter        string          `json:"filter,omitempty"`
	IndexRouting  string          `json:"index_routing,omitempty"`
	SearchRouting string          `json:"search_routing,omitempty"`
	WriteIndex    *bool           `json:"is_write_index,omitempty"`
}

// Metadata returns the alias an add action installs.
func (a AliasAction) Metadata() cluster.AliasMetadata {
	return cluster.AliasMetadata{
		Alias:         a.Alias,
		Filter:        a.Filter,
		IndexRouting:  a.IndexRouting,
		SearchRouting: a.SearchRouting,
		WriteIndex:    a.WriteIndex,
	}
}

type AliasesRequest struct {
	Actions []AliasAction `json:"actions"`
}

type BulkShardOperationsRequest struct {
	ShardID                    cluster.ShardID `json:"shard_id"`
	HistoryUUID                string          `json:"history_uuid"`
	Operations                 []Operation     `json:"operations"`
	MaxSeqNoOfUpdatesOrDeletes int64           `json:"max_seq_no_of_updates_or_deletes"`
}

type BulkShardOperationsResponse struct {
	GlobalCheckpoint int64 `json:"global_checkpoint"`
	MaxSeqNo         int64 `json:"max_seq_no"`
}

type IndicesStatsRequest struct {
	Indices []string `json:"indices"`
}

type IndicesStatsResponse struct {
	Indices map[string]IndexStats `json:"indices"`
}

type IndexStats struct {
	UUID   string       `json:"uuid"`
	Shards []ShardStats `json:"shards"`
}

// ShardStats describes one shard copy. Commit and SeqNo are nil while the
// shard's engine is unavailable.
type ShardStats struct {
	Routing cluster.ShardRouting `json:"routing"`
	Commit  *CommitStats         `json:"commit,omitempty"`
	SeqNo   *SeqNoStats          `json:"seq_no,omitempty"`
}

type CommitStats struct {
	UserData map[string]string `json:"user_data"`
}

// HistoryUUIDKey is the commit user-data key holding the shard history id.
const HistoryUUIDKey = "history_uuid"

type SeqNoStats struct {
	MaxSeqNo         int64 `json:"max_seq_no"`
	LocalCheckpoint  int64 `json:"local_checkpoint"`
	GlobalCheckpoint int64 `json:"global_checkpoint"`
}
