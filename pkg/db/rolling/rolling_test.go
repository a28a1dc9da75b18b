package rolling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbahebinbo/forest/pkg/constants"
	tf "github.com/simbahebinbo/forest/pkg/testhelpers/testflags"
)

func bucketKey(idx int64) []byte {
	return []byte(fmt.Sprintf("bucket-%d-key", idx))
}

func TestBucketIndex(t *testing.T) {
	tf.UnitTest(t)

	assert.Equal(t, int64(0), BucketIndex(0))
	assert.Equal(t, int64(0), BucketIndex(constants.EpochsInDay-1))
	assert.Equal(t, int64(1), BucketIndex(constants.EpochsInDay))
	assert.Equal(t, int64(3), BucketIndex(3*constants.EpochsInDay+17))
}

func TestRollingStoreRejectsZeroCapacity(t *testing.T) {
	tf.UnitTest(t)

	_, err := NewRollingStore(context.Background(), NewMemoryPartitionOpener(), 0)
	require.Error(t, err)
}

func TestRollingStoreWriteRead(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	rs, err := NewRollingStore(ctx, NewMemoryPartitionOpener(), 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, rs.Close()) }()

	require.NoError(t, rs.Write(ctx, []byte("k"), []byte("v")))

	value, found, err := rs.Read(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	found, err = rs.Exists(ctx, []byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRollingStoreCapacityEviction(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	opener := NewMemoryPartitionOpener()
	rs, err := NewRollingStore(ctx, opener, 2)
	require.NoError(t, err)
	defer func() { require.NoError(t, rs.Close()) }()

	// One key per bucket, written while that bucket was current.
	for idx := int64(0); idx < 4; idx++ {
		p, err := rs.GetWritableStore(ctx, idx)
		require.NoError(t, err)
		require.Equal(t, idx, p.Index())
		require.NoError(t, p.Write(ctx, bucketKey(idx), []byte("data")))
	}

	rs.mu.RLock()
	openCount := len(rs.open)
	rs.mu.RUnlock()
	assert.LessOrEqual(t, openCount, 2)

	// Every key stays readable, including those in evicted partitions.
	for idx := int64(0); idx < 4; idx++ {
		_, found, err := rs.Read(ctx, bucketKey(idx))
		require.NoError(t, err)
		assert.True(t, found, "bucket %d", idx)
	}

	// The reopens triggered by those reads did not grow the cache.
	rs.mu.RLock()
	openCount = len(rs.open)
	rs.mu.RUnlock()
	assert.LessOrEqual(t, openCount, 2)
}

func TestRollingStoreClampsRetiredBuckets(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	rs, err := NewRollingStore(ctx, NewMemoryPartitionOpener(), 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, rs.Close()) }()

	p, err := rs.GetWritableStore(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), p.Index())
	require.Equal(t, int64(5), rs.Current())

	// A write aimed at a retired bucket lands in the live window instead.
	late, err := rs.GetWritableStore(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), late.Index())
	assert.Equal(t, int64(5), rs.Current())
}

func TestRollingStoreAdvance(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	opener := NewMemoryPartitionOpener()
	rs, err := NewRollingStore(ctx, opener, 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, rs.Close()) }()

	require.NoError(t, rs.Write(ctx, []byte("stale"), []byte("x")))

	next, err := rs.OpenNext(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), next.Index())
	// Opening the next partition does not move the write pointer.
	require.Equal(t, int64(0), rs.Current())

	require.NoError(t, next.Write(ctx, []byte("live"), []byte("y")))
	require.NoError(t, rs.Advance(ctx, next))

	assert.Equal(t, int64(1), rs.Current())

	indices, err := opener.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, indices)

	_, found, err := rs.Read(ctx, []byte("stale"))
	require.NoError(t, err)
	assert.False(t, found)

	value, found, err := rs.Read(ctx, []byte("live"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("y"), value)
}

func TestRollingStoreBadgerRestart(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()
	root := t.TempDir()

	opener := NewBadgerPartitionOpener(root)
	rs, err := NewRollingStore(ctx, opener, 3)
	require.NoError(t, err)

	p0, err := rs.GetWritableStore(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, p0.Write(ctx, []byte("epoch-100"), []byte("a")))

	p1, err := rs.GetWritableStore(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, p1.Write(ctx, []byte("epoch-3000"), []byte("b")))

	require.NoError(t, rs.Close())

	// Partition directories are named by decimal bucket index.
	for _, name := range []string{"0", "1"} {
		info, err := os.Stat(filepath.Join(root, name))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	reopened, err := NewRollingStore(ctx, opener, 3)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	assert.Equal(t, int64(1), reopened.Current())

	for _, key := range []string{"epoch-100", "epoch-3000"} {
		_, found, err := reopened.Read(ctx, []byte(key))
		require.NoError(t, err)
		assert.True(t, found, key)
	}

	total, err := reopened.TotalSizeBytes(ctx)
	require.NoError(t, err)
	assert.Greater(t, total, int64(0))
}

func TestTrackingStoreRecordsUse(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	p, err := NewMemoryPartitionOpener().Open(ctx, 0)
	require.NoError(t, err)

	ts := NewTrackingStore(p)
	before := ts.LastUsed()

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, ts.Write(ctx, []byte("k"), []byte("v")))

	assert.True(t, ts.LastUsed().After(before))
	assert.GreaterOrEqual(t, ts.Idle(), time.Duration(0))
}
