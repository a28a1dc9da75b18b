package rolling

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbahebinbo/forest/pkg/db"
	tf "github.com/simbahebinbo/forest/pkg/testhelpers/testflags"
)

func mustCid(t *testing.T, content string) cid.Cid {
	c, err := abi.CidBuilder.Sum([]byte(content))
	require.NoError(t, err)
	return c
}

func TestProxyReadsPersistentFirst(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	persistent := db.NewMemoryStore()
	rs, err := NewRollingStore(ctx, NewMemoryPartitionOpener(), 3)
	require.NoError(t, err)
	proxy := NewProxyStore(persistent, rs)

	inPersistent := mustCid(t, "persistent only")
	require.NoError(t, persistent.PutKeyed(ctx, inPersistent, []byte("persistent only")))

	inRolling := mustCid(t, "rolling only")
	require.NoError(t, rs.PutKeyed(ctx, inRolling, []byte("rolling only")))

	// Both sides hold this key with different payloads; the persistent copy
	// wins, making the read order observable.
	shared := mustCid(t, "shared")
	require.NoError(t, persistent.PutKeyed(ctx, shared, []byte("from persistent")))
	require.NoError(t, rs.PutKeyed(ctx, shared, []byte("from rolling")))

	for _, tc := range []struct {
		name string
		c    cid.Cid
		want []byte
	}{
		{"persistent only", inPersistent, []byte("persistent only")},
		{"rolling only", inRolling, []byte("rolling only")},
		{"both sides", shared, []byte("from persistent")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data, found, err := proxy.Get(ctx, tc.c)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, tc.want, data)

			found, err = proxy.Has(ctx, tc.c)
			require.NoError(t, err)
			assert.True(t, found)
		})
	}

	_, found, err := proxy.Get(ctx, mustCid(t, "absent"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProxyGenericWritePanics(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	rs, err := NewRollingStore(ctx, NewMemoryPartitionOpener(), 3)
	require.NoError(t, err)
	proxy := NewProxyStore(db.NewMemoryStore(), rs)

	assert.Panics(t, func() {
		_ = proxy.PutKeyed(ctx, mustCid(t, "nope"), []byte("nope"))
	})
}

func TestRollingByEpoch(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	persistent := db.NewMemoryStore()
	rs, err := NewRollingStore(ctx, NewMemoryPartitionOpener(), 3)
	require.NoError(t, err)
	proxy := NewProxyStore(persistent, rs)

	// Epoch 0 lands in bucket 0.
	ss0, err := proxy.RollingByEpoch(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), ss0.Partition().Index())

	c0 := mustCid(t, "early block")
	require.NoError(t, ss0.PutKeyed(ctx, c0, []byte("early block")))

	// Two days later the write pointer has moved two buckets on.
	ss2, err := proxy.RollingByEpoch(ctx, 2*EpochsInBucket+5)
	require.NoError(t, err)
	require.Equal(t, int64(2), ss2.Partition().Index())

	c2 := mustCid(t, "later block")
	require.NoError(t, ss2.PutKeyed(ctx, c2, []byte("later block")))

	// A write for a retired epoch lands in the current bucket.
	ssLate, err := proxy.RollingByEpoch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ssLate.Partition().Index())

	// Split stores read the whole composite, persistent side included.
	inPersistent := mustCid(t, "persisted")
	require.NoError(t, persistent.PutKeyed(ctx, inPersistent, []byte("persisted")))
	for _, c := range []cid.Cid{c0, c2, inPersistent} {
		found, err := ss2.Has(ctx, c)
		require.NoError(t, err)
		assert.True(t, found)
	}

	data, found, err := proxy.Get(ctx, c0)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("early block"), data)

	require.NoError(t, proxy.Flush(ctx))
}
