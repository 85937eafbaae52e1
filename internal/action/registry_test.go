package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardfollow/internal/cluster"
)

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	var gotHeaders map[string]string
	Register(r, BulkShardOperations, func(_ context.Context, headers map[string]string, req *BulkShardOperationsRequest) (*BulkShardOperationsResponse, error) {
		gotHeaders = headers
		last := req.Operations[len(req.Operations)-1]
		return &BulkShardOperationsResponse{GlobalCheckpoint: last.SeqNo, MaxSeqNo: last.SeqNo}, nil
	})

	c := NewClient(r, map[string]string{HeaderUser: "alice"})
	resp, err := c.BulkShardOperations(context.Background(), &BulkShardOperationsRequest{
		HistoryUUID: "h1",
		Operations: []Operation{
			{SeqNo: 0, Type: OpIndex, ID: "1", Source: []byte(`{"f":1}`)},
			{SeqNo: 1, Type: OpDelete, ID: "1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.GlobalCheckpoint)
	assert.Equal(t, map[string]string{HeaderUser: "alice"}, gotHeaders)
}

func TestRegistryUnknownAction(t *testing.T) {
	r := NewRegistry()
	err := r.Execute(context.Background(), "indices:nope", nil, struct{}{}, nil)
	assert.True(t, cluster.IsKind(err, cluster.KindInvalidArgument))
}

func TestRegistryHandlerErrorKeepsKind(t *testing.T) {
	r := NewRegistry()
	Register(r, RenewRetentionLease, func(context.Context, map[string]string, *RetentionLeaseRequest) (*AcknowledgedResponse, error) {
		return nil, cluster.Errorf(cluster.KindRetentionLeaseNotFound, "missing")
	})

	err := NewClient(r, nil).RenewRetentionLease(context.Background(), &RetentionLeaseRequest{ID: "l"})
	assert.Equal(t, cluster.KindRetentionLeaseNotFound, cluster.KindOf(err))
	assert.Equal(t, []string{RenewRetentionLease}, r.Names())
}

func TestClientHeaders(t *testing.T) {
	base := NewClient(nil, map[string]string{HeaderUser: "alice"})
	sys := base.System()

	assert.Equal(t, map[string]string{HeaderUser: "alice", HeaderSystem: "true"}, sys.Headers())
	// the original client is untouched
	assert.Equal(t, map[string]string{HeaderUser: "alice"}, base.Headers())
	assert.Equal(t, map[string]string{HeaderSystem: "true"}, NewClient(nil, nil).System().Headers())
}
