package action

import (
	"context"

	"golang.org/x/exp/maps"
)

// Client is an Executor bound to a fixed set of caller headers, with one
// typed method per action.
type Client struct {
	exec    Executor
	headers map[string]string
}

func NewClient(exec Executor, headers map[string]string) *Client {
	return &Client{exec: exec, headers: maps.Clone(headers)}
}

// WithHeaders returns a client carrying the receiver's headers overlaid with h.
func (c *Client) WithHeaders(h map[string]string) *Client {
	merged := maps.Clone(c.headers)
	if merged == nil {
		merged = make(map[string]string, len(h))
	}
	for k, v := range h {
		merged[k] = v
	}
	return &Client{exec: c.exec, headers: merged}
}

// System returns a client that runs actions under the system identity.
func (c *Client) System() *Client {
	return c.WithHeaders(map[string]string{HeaderSystem: "true"})
}

func (c *Client) Headers() map[string]string {
	return maps.Clone(c.headers)
}

func (c *Client) Execute(ctx context.Context, name string, req any, resp any) error {
	return c.exec.Execute(ctx, name, c.headers, req, resp)
}

func (c *Client) ClusterState(ctx context.Context, req *ClusterStateRequest) (*ClusterStateResponse, error) {
	resp := new(ClusterStateResponse)
	return resp, c.Execute(ctx, ClusterState, req, resp)
}

func (c *Client) GetIndexMetadata(ctx context.Context, req *GetIndexMetadataRequest) (*GetIndexMetadataResponse, error) {
	resp := new(GetIndexMetadataResponse)
	return resp, c.Execute(ctx, GetIndexMetadata, req, resp)
}

func (c *Client) ShardChanges(ctx context.Context, req *ShardChangesRequest) (*ShardChangesResponse, error) {
	resp := new(ShardChangesResponse)
	return resp, c.Execute(ctx, ShardChanges, req, resp)
}

func (c *Client) RenewRetentionLease(ctx context.Context, req *RetentionLeaseRequest) error {
	return c.Execute(ctx, RenewRetentionLease, req, nil)
}

func (c *Client) AddRetentionLease(ctx context.Context, req *RetentionLeaseRequest) error {
	return c.Execute(ctx, AddRetentionLease, req, nil)
}

func (c *Client) RemoveRetentionLease(ctx context.Context, req *RetentionLeaseRequest) error {
	return c.Execute(ctx, RemoveRetentionLease, req, nil)
}

func (c *Client) PutMapping(ctx context.Context, req *PutMappingRequest) error {
	return c.Execute(ctx, PutMapping, req, nil)
}

func (c *Client) UpdateSettings(ctx context.Context, req *UpdateSettingsRequest) error {
	return c.Execute(ctx, UpdateSettings, req, nil)
}

func (c *Client) CloseIndex(ctx context.Context, req *IndexRequest) error {
	return c.Execute(ctx, CloseIndex, req, nil)
}

func (c *Client) OpenIndex(ctx context.Context, req *IndexRequest) error {
	return c.Execute(ctx, OpenIndex, req, nil)
}

func (c *Client) UpdateAliases(ctx context.Context, req *AliasesRequest) error {
	return c.Execute(ctx, UpdateAliases, req, nil)
}

func (c *Client) BulkShardOperations(ctx context.Context, req *BulkShardOperationsRequest) (*BulkShardOperationsResponse, error) {
	resp := new(BulkShardOperationsResponse)
	return resp, c.Execute(ctx, BulkShardOperations, req, resp)
}

func (c *Client) IndicesStats(ctx context.Context, req *IndicesStatsRequest) (*IndicesStatsResponse, error) {
	resp := new(IndicesStatsResponse)
	return resp, c.Execute(ctx, IndicesStats, req, resp)
}
