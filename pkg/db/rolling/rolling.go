package rolling

import (
	"context"
	"sort"
	"sync"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
	"github.com/simbahebinbo/forest/pkg/constants"
	"github.com/simbahebinbo/forest/pkg/db"
)

var log = logging.Logger("rolling")

// EpochsInBucket is the width of one retention bucket: a partition holds the
// blocks written during one day of epochs.
const EpochsInBucket = constants.EpochsInDay

// BucketIndex maps a chain epoch to its retention bucket.
func BucketIndex(epoch abi.ChainEpoch) int64 {
	return int64(epoch / EpochsInBucket)
}

// Partition is one open retention bucket.
type Partition interface {
	db.Store
	Index() int64
	Dir() string
	SizeBytes() (int64, error)
	Close() error
}

// PartitionOpener opens, enumerates and deletes the partitions under a store
// root. Implementations pick the backing engine.
type PartitionOpener interface {
	// Open returns the partition for a bucket index, creating it if absent.
	Open(ctx context.Context, index int64) (Partition, error)
	// Delete removes a partition's backing storage. The partition must not
	// be open.
	Delete(ctx context.Context, index int64) error
	// List returns the indices of all existing partitions in ascending order.
	List(ctx context.Context) ([]int64, error)
	// TotalSizeBytes sums the storage footprint of all partitions, open or not.
	TotalSizeBytes(ctx context.Context) (int64, error)
}

// RollingStore spreads chain writes across day-wide partitions and bounds how
// many stay open at once. Retired buckets are never reopened for writing; any
// partition still on disk transparently serves reads.
type RollingStore struct {
	opener   PartitionOpener
	capacity int

	mu           sync.RWMutex
	open         map[int64]*TrackingStore
	currentIndex int64
}

var (
	_ db.Store                  = (*RollingStore)(nil)
	_ blockstoreutil.Blockstore = (*RollingStore)(nil)
)

// NewRollingStore opens a rolling store over the partitions reachable through
// opener, keeping at most capacity of them open at once. The newest existing
// partition becomes the write target; a fresh store starts at bucket 0.
func NewRollingStore(ctx context.Context, opener PartitionOpener, capacity int) (*RollingStore, error) {
	if capacity < 1 {
		return nil, errors.Errorf("rolling store capacity must be positive, got %d", capacity)
	}

	indices, err := opener.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partitions")
	}

	rs := &RollingStore{
		opener:   opener,
		capacity: capacity,
		open:     make(map[int64]*TrackingStore),
	}
	if len(indices) > 0 {
		rs.currentIndex = indices[len(indices)-1]
	}

	// Warm the newest partitions up to capacity. Nothing else can see the
	// store yet, so no lock is held.
	for i := len(indices) - 1; i >= 0 && len(rs.open) < capacity; i-- {
		if _, err := rs.openLocked(ctx, indices[i]); err != nil {
			for _, tp := range rs.open {
				_ = tp.Close()
			}
			return nil, err
		}
	}
	if len(rs.open) == 0 {
		if _, err := rs.openLocked(ctx, rs.currentIndex); err != nil {
			return nil, err
		}
	}

	log.Infof("rolling store open: current partition %d, %d partitions on disk", rs.currentIndex, len(indices))

	return rs, nil
}

// openLocked returns the open handle for index, opening and caching it if
// needed. Callers hold rs.mu.
func (rs *RollingStore) openLocked(ctx context.Context, index int64) (*TrackingStore, error) {
	if p, ok := rs.open[index]; ok {
		return p, nil
	}

	p, err := rs.opener.Open(ctx, index)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open partition %d", index)
	}

	tp := NewTrackingStore(p)
	rs.open[index] = tp
	rs.evictLocked(ctx, index)

	return tp, nil
}

// evictLocked closes the oldest open partitions until the cache fits its
// capacity again. The live write target, anything newer (the collector's next
// partition) and the handle that was just opened are never evicted. A flush
// failure is logged, not fatal: whatever was already flushed keeps the
// partition valid on disk.
func (rs *RollingStore) evictLocked(ctx context.Context, justOpened int64) {
	for len(rs.open) > rs.capacity {
		victim := int64(-1)
		for idx := range rs.open {
			if idx >= rs.currentIndex || idx == justOpened {
				continue
			}
			if victim == -1 || idx < victim {
				victim = idx
			}
		}
		if victim == -1 {
			return
		}

		tp := rs.open[victim]
		delete(rs.open, victim)
		if err := tp.Flush(ctx); err != nil {
			log.Warnf("flushing partition %d on evict: %s", victim, err)
		}
		if err := tp.Close(); err != nil {
			log.Warnf("closing partition %d on evict: %s", victim, err)
		}
		log.Debugf("evicted partition %d after %s idle", victim, tp.Idle())
	}
}

// GetWritableStore returns the partition blocks of the given bucket should be
// written to. Requests for buckets below the current one are served by the
// current partition: retired buckets are never resurrected, late writes land
// in the live window instead.
func (rs *RollingStore) GetWritableStore(ctx context.Context, index int64) (Partition, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if index < rs.currentIndex {
		index = rs.currentIndex
	} else if index > rs.currentIndex {
		rs.currentIndex = index
	}

	return rs.openLocked(ctx, index)
}

// Current returns the index of the live write partition.
func (rs *RollingStore) Current() int64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.currentIndex
}

// OpenNext opens the partition after the current one without making it live.
// The collector fills it before swapping it in with Advance.
func (rs *RollingStore) OpenNext(ctx context.Context) (Partition, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.openLocked(ctx, rs.currentIndex+1)
}

// Advance makes next the live partition and deletes every older bucket, open
// or not. It runs only after a successful rewrite: once the pointer moves the
// old partitions are garbage by definition.
func (rs *RollingStore) Advance(ctx context.Context, next Partition) error {
	if err := next.Flush(ctx); err != nil {
		return errors.Wrapf(err, "failed to flush partition %d before swap", next.Index())
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.currentIndex = next.Index()

	for idx, tp := range rs.open {
		if idx >= rs.currentIndex {
			continue
		}
		delete(rs.open, idx)
		if err := tp.Close(); err != nil {
			log.Warnf("closing retired partition %d: %s", idx, err)
		}
	}

	indices, err := rs.opener.List(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list partitions for retirement")
	}
	var retired []int64
	for _, idx := range indices {
		if idx >= rs.currentIndex {
			continue
		}
		if err := rs.opener.Delete(ctx, idx); err != nil {
			return errors.Wrapf(err, "failed to delete retired partition %d", idx)
		}
		retired = append(retired, idx)
	}

	log.Infow("rolling store advanced", "current", rs.currentIndex, "retired", retired)

	return nil
}

// CurrentSizeBytes reports the storage footprint of the live partition.
func (rs *RollingStore) CurrentSizeBytes(ctx context.Context) (int64, error) {
	rs.mu.Lock()
	p, err := rs.openLocked(ctx, rs.currentIndex)
	rs.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return p.SizeBytes()
}

// TotalSizeBytes reports the combined footprint of every partition on disk.
func (rs *RollingStore) TotalSizeBytes(ctx context.Context) (int64, error) {
	return rs.opener.TotalSizeBytes(ctx)
}

// openDescending snapshots the open partitions, newest bucket first.
func (rs *RollingStore) openDescending() []*TrackingStore {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	indices := make([]int64, 0, len(rs.open))
	for idx := range rs.open {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] > indices[j] })

	out := make([]*TrackingStore, len(indices))
	for i, idx := range indices {
		out[i] = rs.open[idx]
	}
	return out
}

func (rs *RollingStore) Read(ctx context.Context, key []byte) ([]byte, bool, error) {
	opened := rs.openDescending()
	for _, p := range opened {
		value, found, err := p.Read(ctx, key)
		if err != nil || found {
			return value, found, err
		}
	}

	// Fall back to partitions still on disk but not currently open.
	cold, err := rs.coldIndices(ctx, opened)
	if err != nil {
		return nil, false, err
	}
	for _, idx := range cold {
		p, err := rs.reopen(ctx, idx)
		if err != nil {
			return nil, false, err
		}
		value, found, err := p.Read(ctx, key)
		if err != nil || found {
			return value, found, err
		}
	}

	return nil, false, nil
}

func (rs *RollingStore) Exists(ctx context.Context, key []byte) (bool, error) {
	opened := rs.openDescending()
	for _, p := range opened {
		found, err := p.Exists(ctx, key)
		if err != nil || found {
			return found, err
		}
	}

	cold, err := rs.coldIndices(ctx, opened)
	if err != nil {
		return false, err
	}
	for _, idx := range cold {
		p, err := rs.reopen(ctx, idx)
		if err != nil {
			return false, err
		}
		found, err := p.Exists(ctx, key)
		if err != nil || found {
			return found, err
		}
	}

	return false, nil
}

// coldIndices lists on-disk partitions absent from an open-handle snapshot,
// newest first.
func (rs *RollingStore) coldIndices(ctx context.Context, opened []*TrackingStore) ([]int64, error) {
	indices, err := rs.opener.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list partitions")
	}

	warm := make(map[int64]struct{}, len(opened))
	for _, p := range opened {
		warm[p.Index()] = struct{}{}
	}

	out := make([]int64, 0, len(indices))
	for i := len(indices) - 1; i >= 0; i-- {
		if _, ok := warm[indices[i]]; ok {
			continue
		}
		out = append(out, indices[i])
	}
	return out, nil
}

// reopen brings a cold partition back into the cache to serve a read.
func (rs *RollingStore) reopen(ctx context.Context, index int64) (Partition, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	log.Debugf("reopening partition %d for a read", index)
	return rs.openLocked(ctx, index)
}

func (rs *RollingStore) Write(ctx context.Context, key, value []byte) error {
	p, err := rs.GetWritableStore(ctx, rs.Current())
	if err != nil {
		return err
	}
	return p.Write(ctx, key, value)
}

func (rs *RollingStore) Delete(ctx context.Context, key []byte) error {
	p, err := rs.GetWritableStore(ctx, rs.Current())
	if err != nil {
		return err
	}
	return p.Delete(ctx, key)
}

func (rs *RollingStore) BulkWrite(ctx context.Context, kvs []db.KV) error {
	p, err := rs.GetWritableStore(ctx, rs.Current())
	if err != nil {
		return err
	}
	return p.BulkWrite(ctx, kvs)
}

// Flush pushes buffered writes down in every open partition.
func (rs *RollingStore) Flush(ctx context.Context) error {
	for _, p := range rs.openDescending() {
		if err := p.Flush(ctx); err != nil {
			return errors.Wrapf(err, "failed to flush partition %d", p.Index())
		}
	}
	return nil
}

// Close flushes and closes every open partition.
func (rs *RollingStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var firstErr error
	for idx, tp := range rs.open {
		delete(rs.open, idx)
		if err := tp.Flush(context.Background()); err != nil {
			log.Warnf("flushing partition %d on close: %s", idx, err)
		}
		if err := tp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get reads the block stored under c from whichever partition holds it.
func (rs *RollingStore) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	return rs.Read(ctx, c.Bytes())
}

// Has reports whether any partition holds the block keyed by c.
func (rs *RollingStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return rs.Exists(ctx, c.Bytes())
}

// PutKeyed stores a block in the live partition.
func (rs *RollingStore) PutKeyed(ctx context.Context, c cid.Cid, data []byte) error {
	return rs.Write(ctx, c.Bytes(), data)
}
