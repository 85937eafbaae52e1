package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns one fresh instance of every Store implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	bs, err := OpenBoltStore(filepath.Join(t.TempDir(), "shard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bs,
	}
}

func TestStore(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get("missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)
			assert.Empty(t, store.List())

			require.NoError(t, store.Put("a", []byte(`{"v":1}`)))
			require.NoError(t, store.Put("b", []byte(`{"v":22}`)))
			require.NoError(t, store.Put("a", []byte(`{"v":3}`)))

			got, err := store.Get("a")
			require.NoError(t, err)
			assert.Equal(t, `{"v":3}`, string(got))

			ids := store.List()
			sort.Strings(ids)
			assert.Equal(t, []string{"a", "b"}, ids)
			assert.Equal(t, StoreStats{Keys: 2, Bytes: 15}, store.Stats())

			require.NoError(t, store.Delete("a"))
			require.NoError(t, store.Delete("a"))
			_, err = store.Get("a")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			src := []byte("abc")
			require.NoError(t, store.Put("k", src))
			src[0] = 'X'

			got, err := store.Get("k")
			require.NoError(t, err)
			got[1] = 'Y'

			again, err := store.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "abc", string(again))
		})
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < 25; i++ {
						id := fmt.Sprintf("w%d-%d", w, i)
						assert.NoError(t, store.Put(id, []byte(id)))
						_, err := store.Get(id)
						assert.NoError(t, err)
					}
				}(w)
			}
			wg.Wait()
			assert.Equal(t, 200, store.Stats().Keys)
		})
	}
}

func TestBoltStoreReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	bs, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, bs.Put("doc", []byte("persisted")))
	assert.Equal(t, path, bs.Path())
	require.NoError(t, bs.Close())

	bs, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()
	got, err := bs.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(got))
}

func TestBoltStoreHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard.db")
	bs, err := OpenBoltStore(path)
	require.NoError(t, err)

	meta, ops, err := bs.LoadHistory()
	require.NoError(t, err)
	assert.Nil(t, meta)
	assert.Empty(t, ops)

	for _, seq := range []int64{0, 1, 2, 255, 256} {
		require.NoError(t, bs.PutOp(seq, []byte(fmt.Sprintf("op%d", seq)), []byte(fmt.Sprintf("meta%d", seq))))
	}
	require.NoError(t, bs.DropOps(256, []byte("trimmed")))
	require.NoError(t, bs.Close())

	bs, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer bs.Close()
	meta, ops, err = bs.LoadHistory()
	require.NoError(t, err)
	assert.Equal(t, "trimmed", string(meta))
	assert.Equal(t, map[int64][]byte{256: []byte("op256")}, ops)
	assert.Empty(t, bs.List(), "history does not leak into documents")

	require.NoError(t, bs.SaveMeta([]byte("leases")))
	meta, _, err = bs.LoadHistory()
	require.NoError(t, err)
	assert.Equal(t, "leases", string(meta))
}
