package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/follow"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
node:
  id: f1
  cluster_name: dr
  roles: [data, remote_cluster_client]
log:
  level: debug
ccr:
  retention_lease_renew_interval: 5s
remotes:
  leader: ["http://l1:9300"]
indices:
  - name: local
    shards: 2
    settings:
      index.refresh_interval: 1s
follow:
  - remote: leader
    leader_index: logs
    follower_index: logs-copy
    max_read_request_size: 10mb
    max_write_request_size: 1024
    read_poll_timeout: 250ms
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "f1", c.Node.ID)
	assert.Equal(t, "dr", c.Node.ClusterName)
	assert.Equal(t, ":9300", c.Node.Listen, "defaults survive a partial file")
	assert.Equal(t, []cluster.Role{cluster.RoleData, cluster.RoleRemoteClusterClient}, c.NodeRoles())
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, 5*time.Second, c.CCR.RetentionLeaseRenewInterval)
	assert.Equal(t, follow.DefaultWaitForMetadataTimeout, c.CCR.WaitForMetadataTimeout)
	assert.Equal(t, []string{"http://l1:9300"}, c.Remotes["leader"])
	require.Len(t, c.Indices, 1)
	assert.Equal(t, "1s", c.Indices[0].Settings["index.refresh_interval"])

	require.Len(t, c.Follow, 1)
	f := c.Follow[0]
	assert.Equal(t, ByteSize(10_000_000), f.MaxReadRequestSize)
	assert.Equal(t, ByteSize(1024), f.MaxWriteRequestSize)
	assert.Equal(t, 250*time.Millisecond, f.ReadPollTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NODE_ID", "from-env")
	t.Setenv("NODE_LISTEN", ":1234")
	t.Setenv("CLUSTER_NAME", "env-cluster")
	t.Setenv("LOG_LEVEL", "warn")

	c, err := Load(writeConfig(t, "node:\n  id: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Node.ID)
	assert.Equal(t, ":1234", c.Node.Listen)
	assert.Equal(t, "env-cluster", c.Node.ClusterName)
	assert.Equal(t, "warn", c.Log.Level)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("NODE_ID", "n1")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "n1", c.Node.ID)
	assert.Len(t, c.NodeRoles(), 3)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr []string
	}{
		{
			name:    "missing id",
			body:    "node:\n  cluster_name: x\n",
			wantErr: []string{"node.id is required"},
		},
		{
			name:    "bad role and level",
			body:    "node:\n  id: n\n  roles: [ingest]\nlog:\n  level: loud\n",
			wantErr: []string{`unknown role "ingest"`, "log.level"},
		},
		{
			name:    "unknown remote",
			body:    "node:\n  id: n\nfollow:\n  - remote: nowhere\n    leader_index: a\n    follower_index: b\n",
			wantErr: []string{`unknown remote "nowhere"`},
		},
		{
			name:    "empty seeds and unnamed index",
			body:    "node:\n  id: n\nremotes:\n  leader: []\nindices:\n  - shards: 1\n",
			wantErr: []string{"remotes.leader", "indices[0]: name is required"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestByteSize(t *testing.T) {
	var v struct {
		Size ByteSize `yaml:"size"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("size: 32MiB"), &v))
	assert.Equal(t, ByteSize(32<<20), v.Size)
	assert.Equal(t, "32 MiB", v.Size.String())

	out, err := yaml.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, "size: 32 MiB\n", string(out))

	err = yaml.Unmarshal([]byte("size: lots"), &v)
	assert.ErrorContains(t, err, "invalid byte size")
}

func TestFollowParams(t *testing.T) {
	follower := cluster.ShardID{Index: cluster.Index{Name: "copy", UUID: "c"}, ID: 1}
	leader := cluster.ShardID{Index: cluster.Index{Name: "logs", UUID: "l"}, ID: 1}

	p := Follow{Remote: "leader"}.Params(follower, leader)
	assert.Equal(t, follow.NewParams("leader", follower, leader), p)

	p = Follow{
		Remote:              "leader",
		MaxReadRequestSize:  ByteSize(1 << 20),
		MaxRetryDelay:       time.Second,
		MaxWriteRequestSize: ByteSize(2048),
	}.Params(follower, leader)
	assert.Equal(t, int64(1<<20), p.MaxReadRequestSize)
	assert.Equal(t, int64(2048), p.MaxWriteRequestSize)
	assert.Equal(t, time.Second, p.MaxRetryDelay)
	assert.Equal(t, follow.DefaultMaxReadRequestOperationCount, p.MaxReadRequestOperationCount)
	assert.NoError(t, p.Validate())
}
