package rolling

import (
	"context"
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
)

// ProxyStore is the composite view over a node's block storage: reads try the
// always-retained persistent store first and fall back to the rolling store.
// It cannot route a bare write, because a block's retention bucket depends on
// the epoch it belongs to; callers pick one with RollingByEpoch.
type ProxyStore struct {
	persistent blockstoreutil.Blockstore
	rolling    *RollingStore
}

var _ blockstoreutil.Blockstore = (*ProxyStore)(nil)

// NewProxyStore combines a persistent store (badger, memory or a read-only
// archive) with a rolling store.
func NewProxyStore(persistent blockstoreutil.Blockstore, rolling *RollingStore) *ProxyStore {
	return &ProxyStore{persistent: persistent, rolling: rolling}
}

func (ps *ProxyStore) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	data, found, err := ps.persistent.Get(ctx, c)
	if err != nil || found {
		return data, found, err
	}
	return ps.rolling.Get(ctx, c)
}

func (ps *ProxyStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	found, err := ps.persistent.Has(ctx, c)
	if err != nil || found {
		return found, err
	}
	return ps.rolling.Has(ctx, c)
}

// PutKeyed panics: a write without an epoch has no well-defined destination.
func (ps *ProxyStore) PutKeyed(ctx context.Context, c cid.Cid, data []byte) error {
	panic(fmt.Sprintf("proxy store cannot route a write for %s without an epoch, use RollingByEpoch", c))
}

// Rolling exposes the underlying rolling store for collection wiring.
func (ps *ProxyStore) Rolling() *RollingStore {
	return ps.rolling
}

// Flush pushes buffered rolling-store writes down. The persistent side is
// managed by whoever constructed it.
func (ps *ProxyStore) Flush(ctx context.Context) error {
	return ps.rolling.Flush(ctx)
}

// RollingByEpoch returns a store whose writes land in the retention bucket
// covering epoch and whose reads still see the whole composite.
func (ps *ProxyStore) RollingByEpoch(ctx context.Context, epoch abi.ChainEpoch) (*SplitStore, error) {
	w, err := ps.rolling.GetWritableStore(ctx, BucketIndex(epoch))
	if err != nil {
		return nil, err
	}
	return &SplitStore{r: ps, w: w}, nil
}

// SplitStore pins writes to one retention bucket while reads continue to see
// the whole composite.
type SplitStore struct {
	r *ProxyStore
	w Partition
}

var _ blockstoreutil.Blockstore = (*SplitStore)(nil)

func (ss *SplitStore) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	return ss.r.Get(ctx, c)
}

func (ss *SplitStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return ss.r.Has(ctx, c)
}

func (ss *SplitStore) PutKeyed(ctx context.Context, c cid.Cid, data []byte) error {
	return ss.w.Write(ctx, c.Bytes(), data)
}

// Partition exposes the bucket this store writes into.
func (ss *SplitStore) Partition() Partition {
	return ss.w
}
