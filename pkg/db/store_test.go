package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tf "github.com/simbahebinbo/forest/pkg/testhelpers/testflags"
)

type closableStore interface {
	Store
	Get(ctx context.Context, c cid.Cid) ([]byte, bool, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	PutKeyed(ctx context.Context, c cid.Cid, data []byte) error
	Close() error
}

func testCid(t *testing.T, i int) cid.Cid {
	c, err := abi.CidBuilder.Sum([]byte(fmt.Sprintf("block %d", i)))
	require.NoError(t, err)
	return c
}

func TestStoreContract(t *testing.T) {
	tf.UnitTest(t)

	engines := map[string]func(t *testing.T) closableStore{
		"memory": func(t *testing.T) closableStore {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) closableStore {
			store, err := NewBadgerStore(t.TempDir())
			require.NoError(t, err)
			return store
		},
	}

	for name, open := range engines {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			defer func() {
				require.NoError(t, store.Close())
			}()

			key := []byte("some-key")
			value := []byte("some-value")

			t.Run("read missing is not an error", func(t *testing.T) {
				_, found, err := store.Read(ctx, []byte("nope"))
				require.NoError(t, err)
				assert.False(t, found)

				has, err := store.Exists(ctx, []byte("nope"))
				require.NoError(t, err)
				assert.False(t, has)
			})

			t.Run("write then read round trips", func(t *testing.T) {
				require.NoError(t, store.Write(ctx, key, value))

				got, found, err := store.Read(ctx, key)
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, value, got)

				has, err := store.Exists(ctx, key)
				require.NoError(t, err)
				assert.True(t, has)
			})

			t.Run("delete removes the pair", func(t *testing.T) {
				require.NoError(t, store.Delete(ctx, key))

				_, found, err := store.Read(ctx, key)
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("bulk write stores every pair", func(t *testing.T) {
				kvs := make([]KV, 10)
				for i := range kvs {
					kvs[i] = KV{
						Key:   []byte(fmt.Sprintf("bulk-%d", i)),
						Value: []byte(fmt.Sprintf("value-%d", i)),
					}
				}
				require.NoError(t, store.BulkWrite(ctx, kvs))
				require.NoError(t, store.Flush(ctx))

				for _, kv := range kvs {
					got, found, err := store.Read(ctx, kv.Key)
					require.NoError(t, err)
					assert.True(t, found)
					assert.Equal(t, kv.Value, got)
				}
			})

			t.Run("binary keys are legal", func(t *testing.T) {
				raw := []byte{0x00, 0xff, '/', 0x01, '\n'}
				require.NoError(t, store.Write(ctx, raw, []byte("binary")))

				got, found, err := store.Read(ctx, raw)
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, []byte("binary"), got)
			})

			t.Run("blockstore view keys on cid bytes", func(t *testing.T) {
				c := testCid(t, 1)
				data := []byte("block payload")

				require.NoError(t, store.PutKeyed(ctx, c, data))

				got, found, err := store.Get(ctx, c)
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, data, got)

				has, err := store.Has(ctx, c)
				require.NoError(t, err)
				assert.True(t, has)

				// The same bytes are visible through the raw key view.
				got, found, err = store.Read(ctx, c.Bytes())
				require.NoError(t, err)
				assert.True(t, found)
				assert.Equal(t, data, got)
			})
		})
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	tf.UnitTest(t)

	ctx := context.Background()
	store := NewMemoryStore()

	value := []byte("original")
	require.NoError(t, store.Write(ctx, []byte("k"), value))

	// Mutating the caller's slice after the write must not reach the store.
	value[0] = 'X'
	got, _, err := store.Read(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Mutating a read result must not reach the store either.
	got[0] = 'Y'
	again, _, err := store.Read(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestMemoryStoreSize(t *testing.T) {
	tf.UnitTest(t)

	ctx := context.Background()
	store := NewMemoryStore()
	assert.Equal(t, 0, store.Len())

	require.NoError(t, store.Write(ctx, []byte("ab"), []byte("cdef")))
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int64(6), store.SizeBytes())
}

func TestBadgerStoreReopen(t *testing.T) {
	tf.UnitTest(t)

	ctx := context.Background()
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, []byte("persisted"), []byte("yes")))
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()

	got, found, err := reopened.Read(ctx, []byte("persisted"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("yes"), got)

	size, err := reopened.SizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}
