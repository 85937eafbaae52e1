package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dreamware/shardfollow/internal/cluster"
	"github.com/dreamware/shardfollow/internal/settings"
	"github.com/dreamware/shardfollow/internal/storage"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService("follower", settings.DefaultRegistry(), nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func createIndex(t *testing.T, s *Service, name string) *cluster.IndexMetadata {
	t.Helper()
	md, err := s.CreateIndex(CreateIndexRequest{
		Name:           name,
		NumberOfShards: 2,
		Settings:       cluster.Settings{settings.RefreshInterval: "1s"},
		Mapping:        &cluster.MappingMetadata{Source: map[string]any{"properties": map[string]any{}}},
		NodeID:         "n1",
	})
	require.NoError(t, err)
	return md
}

func TestCreateIndex(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")

	assert.NotEmpty(t, md.Index.UUID)
	assert.Equal(t, cluster.IndexOpen, md.State)
	assert.Equal(t, int64(1), md.MappingVersion)
	assert.Equal(t, int64(1), md.SettingsVersion)
	assert.Equal(t, int64(1), md.AliasesVersion)
	assert.Equal(t, md.Index.UUID, md.Settings[settings.IndexUUID])

	st := s.State()
	assert.Equal(t, int64(1), st.Version)
	assert.Len(t, st.Routing.AssignedTo("n1"), 2)

	_, err := s.CreateIndex(CreateIndexRequest{Name: "logs"})
	assert.True(t, cluster.IsKind(err, cluster.KindInvalidArgument))
	_, err = s.CreateIndex(CreateIndexRequest{Name: "x", Settings: cluster.Settings{"index.bogus": "1"}})
	assert.True(t, cluster.IsKind(err, cluster.KindInvalidArgument))
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")
	before := s.State()

	require.NoError(t, s.UpdateSettings(md.Index, cluster.Settings{settings.RefreshInterval: "5s"}))

	assert.Equal(t, "1s", before.Metadata.Indices["logs"].Settings[settings.RefreshInterval])
	assert.Equal(t, "5s", s.State().Metadata.Indices["logs"].Settings[settings.RefreshInterval])
	assert.Greater(t, s.State().Version, before.Version)
}

func TestPutMapping(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")

	// identical mapping: no version bump
	require.NoError(t, s.PutMapping(md.Index, &cluster.MappingMetadata{Source: map[string]any{"properties": map[string]any{}}}))
	got, _ := s.Index(md.Index)
	assert.Equal(t, int64(1), got.MappingVersion)

	next := &cluster.MappingMetadata{Source: map[string]any{"properties": map[string]any{"f": map[string]any{"type": "keyword"}}}}
	require.NoError(t, s.PutMapping(md.Index, next))
	got, _ = s.Index(md.Index)
	assert.Equal(t, int64(2), got.MappingVersion)
	assert.True(t, cluster.MappingEqual(next, got.Mapping))

	assert.True(t, cluster.IsKind(s.PutMapping(md.Index, nil), cluster.KindInvalidArgument))
	assert.True(t, cluster.IsKind(s.PutMapping(cluster.Index{Name: "nope"}, next), cluster.KindIndexNotFound))
}

func TestUpdateSettings(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")

	tests := []struct {
		name        string
		close       bool
		values      cluster.Settings
		wantKind    cluster.Kind
		wantVersion int64
	}{
		{name: "dynamic on open index", values: cluster.Settings{settings.RefreshInterval: "5s"}, wantVersion: 2},
		{name: "same value is a no-op", values: cluster.Settings{settings.RefreshInterval: "5s"}, wantVersion: 2},
		{name: "static on open index", values: cluster.Settings{settings.Codec: "best_compression"}, wantKind: cluster.KindInvalidArgument, wantVersion: 2},
		{name: "unknown key", values: cluster.Settings{"index.bogus": "x"}, wantKind: cluster.KindInvalidArgument, wantVersion: 2},
		{name: "static on closed index", close: true, values: cluster.Settings{settings.Codec: "best_compression"}, wantVersion: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.close {
				require.NoError(t, s.CloseIndex(md.Index))
				defer func() { require.NoError(t, s.OpenIndex(md.Index)) }()
			}
			err := s.UpdateSettings(md.Index, tt.values)
			if tt.wantKind != cluster.KindUnknown {
				assert.Equal(t, tt.wantKind, cluster.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
			got, err := s.Index(md.Index)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got.SettingsVersion)
		})
	}
}

func TestCloseOpenIndex(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")

	require.NoError(t, s.CloseIndex(md.Index))
	v := s.State().Version
	require.NoError(t, s.CloseIndex(md.Index))
	assert.Equal(t, v, s.State().Version, "closing a closed index publishes nothing")

	got, _ := s.Index(md.Index)
	assert.Equal(t, cluster.IndexClose, got.State)
	require.NoError(t, s.OpenIndex(md.Index))
	got, _ = s.Index(md.Index)
	assert.Equal(t, cluster.IndexOpen, got.State)
}

func TestUpdateAliases(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")
	no := false

	require.NoError(t, s.UpdateAliases([]AliasAction{
		{Index: "logs", Alias: cluster.AliasMetadata{Alias: "a", Filter: `{"term":{"x":1}}`, WriteIndex: &no}},
		{Index: "logs", Alias: cluster.AliasMetadata{Alias: "b"}},
	}))
	got, _ := s.Index(md.Index)
	assert.Equal(t, int64(2), got.AliasesVersion, "one bump per request")
	assert.Len(t, got.Aliases, 2)

	// re-adding identical aliases publishes nothing
	v := s.State().Version
	require.NoError(t, s.UpdateAliases([]AliasAction{{Index: "logs", Alias: cluster.AliasMetadata{Alias: "b"}}}))
	assert.Equal(t, v, s.State().Version)

	// a failing action rolls back the whole request
	err := s.UpdateAliases([]AliasAction{
		{Index: "logs", Remove: true, Alias: cluster.AliasMetadata{Alias: "a"}},
		{Index: "logs", Remove: true, Alias: cluster.AliasMetadata{Alias: "missing"}},
	})
	assert.True(t, cluster.IsKind(err, cluster.KindInvalidArgument))
	got, _ = s.Index(md.Index)
	assert.Contains(t, got.Aliases, "a")

	assert.Error(t, s.UpdateAliases(nil))
}

func TestWaitForIndex(t *testing.T) {
	s := newService(t)
	md := createIndex(t, s, "logs")
	ctx := context.Background()

	got, err := s.WaitForIndex(ctx, md.Index, 1, 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MappingVersion)

	// negative timeout never waits
	got, err = s.WaitForIndex(ctx, md.Index, 5, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.MappingVersion)

	_, err = s.WaitForIndex(ctx, md.Index, 2, 0, 10*time.Millisecond)
	assert.Equal(t, cluster.KindTimeout, cluster.KindOf(err))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = s.PutMapping(md.Index, &cluster.MappingMetadata{Source: map[string]any{"properties": map[string]any{"new": map[string]any{"type": "long"}}}})
	}()
	got, err = s.WaitForIndex(ctx, md.Index, 2, 0, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.MappingVersion)

	_, err = s.WaitForIndex(ctx, cluster.Index{Name: "nope"}, 1, 0, time.Second)
	assert.Equal(t, cluster.KindIndexNotFound, cluster.KindOf(err))
}

func TestCustomDataPersists(t *testing.T) {
	store, err := storage.OpenBoltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer store.Close()

	s, err := NewService("follower", settings.DefaultRegistry(), store, zaptest.NewLogger(t))
	require.NoError(t, err)
	md := createIndex(t, s, "logs")
	require.NoError(t, s.SetCustom(md.Index, "ccr", map[string]string{"leader_index_shard_history_uuids": "h0,h1"}))

	restored, err := NewService("follower", settings.DefaultRegistry(), store, zaptest.NewLogger(t))
	require.NoError(t, err)
	got, err := restored.Index(md.Index)
	require.NoError(t, err)
	assert.Equal(t, "h0,h1", got.CustomData("ccr")["leader_index_shard_history_uuids"])
	assert.Equal(t, s.State().Version, restored.State().Version)
}
