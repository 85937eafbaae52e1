// Package config loads the node configuration from a YAML file and applies
// environment overrides on top of it.
//
// Example file:
//
//	node:
//	  id: follower-1
//	  cluster_name: dr
//	  listen: ":9300"
//	  data_dir: /var/lib/shardfollow
//	log:
//	  env: prod
//	  level: info
//	ccr:
//	  retention_lease_renew_interval: 30s
//	  wait_for_metadata_timeout: 1m
//	remotes:
//	  leader: ["http://leader-1:9300", "http://leader-2:9300"]
//	follow:
//	  - remote: leader
//	    leader_index: logs
//	    follower_index: logs-copy
//	    max_read_request_size: 32mib
//
// Environment overrides:
//   - NODE_ID: node.id
//   - NODE_LISTEN: node.listen
//   - NODE_DATA_DIR: node.data_dir
//   - CLUSTER_NAME: node.cluster_name
//   - LOG_LEVEL: log.level
//   - LOG_ENV: log.env
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/follow"
	"github.com/dreamware/shardfollow/internal/logger"
)

// Config is the full node configuration.
type Config struct {
	Node    Node                `yaml:"node"`
	Log     logger.Config       `yaml:"log"`
	CCR     CCR                 `yaml:"ccr"`
	Remotes map[string][]string `yaml:"remotes"`
	Indices []Index             `yaml:"indices"`
	Follow  []Follow            `yaml:"follow"`
}

type Node struct {
	ID          string   `yaml:"id"`
	ClusterName string   `yaml:"cluster_name"`
	Listen      string   `yaml:"listen"`
	DataDir     string   `yaml:"data_dir"`
	Roles       []string `yaml:"roles"`
	// RequireSystemLeases rejects retention lease requests that do not carry
	// the system identity.
	RequireSystemLeases bool          `yaml:"require_system_leases"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	// TrimInterval is how often shard history no lease retains is dropped.
	// Zero disables trimming.
	TrimInterval time.Duration `yaml:"trim_interval"`
}

// CCR holds the cross-cluster replication knobs shared by all follow tasks.
type CCR struct {
	RetentionLeaseRenewInterval time.Duration `yaml:"retention_lease_renew_interval"`
	WaitForMetadataTimeout      time.Duration `yaml:"wait_for_metadata_timeout"`
	// RemoteIdleTimeout evicts remote connections unused for that long.
	RemoteIdleTimeout time.Duration `yaml:"remote_idle_timeout"`
	RemoteTimeout     time.Duration `yaml:"remote_timeout"`
}

// Index is an index created at boot.
type Index struct {
	Name     string            `yaml:"name"`
	Shards   int               `yaml:"shards"`
	Settings map[string]string `yaml:"settings"`
}

// Follow describes a follower index and the leader index it replicates.
type Follow struct {
	Remote        string `yaml:"remote"`
	LeaderIndex   string `yaml:"leader_index"`
	FollowerIndex string `yaml:"follower_index"`

	MaxReadRequestOperationCount  int           `yaml:"max_read_request_operation_count"`
	MaxReadRequestSize            ByteSize      `yaml:"max_read_request_size"`
	MaxWriteRequestOperationCount int           `yaml:"max_write_request_operation_count"`
	MaxWriteRequestSize           ByteSize      `yaml:"max_write_request_size"`
	MaxRetryDelay                 time.Duration `yaml:"max_retry_delay"`
	ReadPollTimeout               time.Duration `yaml:"read_poll_timeout"`
}

// Params turns f into task parameters for one shard pair. Zero values keep
// the follow package defaults.
func (f Follow) Params(follower, leader cluster.ShardID) follow.Params {
	p := follow.NewParams(f.Remote, follower, leader)
	if f.MaxReadRequestOperationCount > 0 {
		p.MaxReadRequestOperationCount = f.MaxReadRequestOperationCount
	}
	if f.MaxReadRequestSize > 0 {
		p.MaxReadRequestSize = int64(f.MaxReadRequestSize)
	}
	if f.MaxWriteRequestOperationCount > 0 {
		p.MaxWriteRequestOperationCount = f.MaxWriteRequestOperationCount
	}
	if f.MaxWriteRequestSize > 0 {
		p.MaxWriteRequestSize = int64(f.MaxWriteRequestSize)
	}
	if f.MaxRetryDelay > 0 {
		p.MaxRetryDelay = f.MaxRetryDelay
	}
	if f.ReadPollTimeout > 0 {
		p.ReadPollTimeout = f.ReadPollTimeout
	}
	return p
}

// ByteSize is a size in bytes that unmarshals from either an integer or a
// human readable string such as "32mib" or "10 MB".
type ByteSize uint64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Node: Node{
			ClusterName:     "shardfollow",
			Listen:          ":9300",
			Roles:           []string{string(cluster.RoleMaster), string(cluster.RoleData), string(cluster.RoleRemoteClusterClient)},
			ShutdownTimeout: 5 * time.Second,
			TrimInterval:    time.Minute,
		},
		Log: logger.Config{Env: "dev", Level: "info", ServiceName: "shardfollow"},
		CCR: CCR{
			RetentionLeaseRenewInterval: follow.DefaultRetentionLeaseRenewInterval,
			WaitForMetadataTimeout:      follow.DefaultWaitForMetadataTimeout,
			RemoteIdleTimeout:           10 * time.Minute,
			RemoteTimeout:               30 * time.Second,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides
// and validates the result. An empty path yields defaults plus overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (c *Config) applyEnvOverrides() {
	c.Node.ID = getenv("NODE_ID", c.Node.ID)
	c.Node.Listen = getenv("NODE_LISTEN", c.Node.Listen)
	c.Node.DataDir = getenv("NODE_DATA_DIR", c.Node.DataDir)
	c.Node.ClusterName = getenv("CLUSTER_NAME", c.Node.ClusterName)
	c.Log.Level = getenv("LOG_LEVEL", c.Log.Level)
	c.Log.Env = getenv("LOG_ENV", c.Log.Env)
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.ClusterName == "" {
		errs = append(errs, errors.New("node.cluster_name is required"))
	}
	for _, r := range c.Node.Roles {
		switch cluster.Role(strings.ToLower(r)) {
		case cluster.RoleMaster, cluster.RoleData, cluster.RoleRemoteClusterClient:
		default:
			errs = append(errs, fmt.Errorf("node.roles: unknown role %q", r))
		}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.CCR.RetentionLeaseRenewInterval <= 0 {
		errs = append(errs, errors.New("ccr.retention_lease_renew_interval must be positive"))
	}
	for alias, seeds := range c.Remotes {
		if len(seeds) == 0 {
			errs = append(errs, fmt.Errorf("remotes.%s: at least one seed is required", alias))
		}
	}
	for i, idx := range c.Indices {
		if idx.Name == "" {
			errs = append(errs, fmt.Errorf("indices[%d]: name is required", i))
		}
		if idx.Shards < 0 {
			errs = append(errs, fmt.Errorf("indices[%d]: shards must not be negative", i))
		}
	}
	for i, f := range c.Follow {
		if f.LeaderIndex == "" || f.FollowerIndex == "" {
			errs = append(errs, fmt.Errorf("follow[%d]: leader_index and follower_index are required", i))
		}
		if _, ok := c.Remotes[f.Remote]; !ok {
			errs = append(errs, fmt.Errorf("follow[%d]: unknown remote %q", i, f.Remote))
		}
	}
	return errors.Join(errs...)
}

// NodeRoles converts the configured role names.
func (c *Config) NodeRoles() []cluster.Role {
	roles := make([]cluster.Role, 0, len(c.Node.Roles))
	for _, r := range c.Node.Roles {
		roles = append(roles, cluster.Role(strings.ToLower(r)))
	}
	return roles
}
