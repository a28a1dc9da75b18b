package chain

import (
	"context"
	"fmt"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
	"github.com/simbahebinbo/forest/pkg/constants"
	"github.com/simbahebinbo/forest/pkg/db"
	"github.com/simbahebinbo/forest/pkg/types"
)

// Builder builds fake chains and acts as a provider for the chain thus
// generated. Blocks carry real message and state DAGs kept in an in-memory
// block store, so traversal code can follow every link it finds.
type Builder struct {
	t     *testing.T
	miner address.Address

	bs     *db.MemoryStore
	cstore cbor.IpldStore

	genesis *types.TipSet
	seq     uint64
}

// NewBuilder returns a Builder with a genesis tipset already fabricated and
// stored. All blocks are mined by miner; pass address.Undef for a default.
func NewBuilder(t *testing.T, miner address.Address) *Builder {
	if miner == address.Undef {
		var err error
		miner, err = address.NewIDAddress(100)
		require.NoError(t, err)
	}

	bs := db.NewMemoryStore()
	b := &Builder{
		t:      t,
		miner:  miner,
		bs:     bs,
		cstore: cbor.NewCborStore(blockstoreutil.Adapt(bs)),
	}

	ctx := context.Background()
	b.genesis = b.build(ctx, types.EmptyTSK, 0, 1, nil)

	return b
}

// Genesis returns the builder's genesis tipset.
func (f *Builder) Genesis() *types.TipSet {
	return f.genesis
}

// BlockStore returns the store holding every block the builder fabricated.
func (f *Builder) BlockStore() *db.MemoryStore {
	return f.bs
}

// CborStore returns an ipld view over the builder's block store.
func (f *Builder) CborStore() cbor.IpldStore {
	return f.cstore
}

// AppendOn creates and returns a new tipset of width blocks on top of parent.
func (f *Builder) AppendOn(ctx context.Context, parent *types.TipSet, width int) *types.TipSet {
	return f.BuildOn(ctx, parent, width, nil)
}

// AppendManyOn appends count single-block tipsets on top of parent.
func (f *Builder) AppendManyOn(ctx context.Context, count int, parent *types.TipSet) *types.TipSet {
	require.True(f.t, count > 0)
	for i := 0; i < count; i++ {
		parent = f.AppendOn(ctx, parent, 1)
	}
	return parent
}

// BuildOn creates and returns a new tipset of width blocks on top of parent,
// invoking build on each block before it is stored. Mutating the height via
// BlockBuilder.IncHeight leaves null rounds between parent and the new tipset.
func (f *Builder) BuildOn(ctx context.Context, parent *types.TipSet, width int, build func(b *BlockBuilder, i int)) *types.TipSet {
	return f.build(ctx, parent.Key(), parent.Height()+1, width, build)
}

func (f *Builder) build(ctx context.Context, parents types.TipSetKey, height abi.ChainEpoch, width int, build func(b *BlockBuilder, i int)) *types.TipSet {
	require.True(f.t, width > 0)

	// One state root per tipset; a block's state summarizes its parents.
	stateRoot := f.putLinkList(ctx, 1)
	receipts := f.putRawLeaf(ctx)

	blocks := make([]*types.BlockHeader, 0, width)
	for i := 0; i < width; i++ {
		blk := &types.BlockHeader{
			Miner:                 f.miner,
			Parents:               parents,
			Height:                height,
			ParentStateRoot:       stateRoot,
			ParentMessageReceipts: receipts,
			Messages:              f.putLinkList(ctx, 2),
			Timestamp:             uint64(height) * constants.MainNetBlockDelay,
		}
		if build != nil {
			build(&BlockBuilder{block: blk}, i)
		}

		_, err := PutBlock(ctx, f.bs, blk)
		require.NoError(f.t, err)
		blocks = append(blocks, blk)
	}

	ts, err := types.NewTipSet(blocks)
	require.NoError(f.t, err)
	return ts
}

// putLinkList stores a dagcbor list of width fresh raw leaves and returns
// its CID. Link scans over the list discover every leaf.
func (f *Builder) putLinkList(ctx context.Context, width int) cid.Cid {
	leaves := make([]cid.Cid, width)
	for i := range leaves {
		leaves[i] = f.putRawLeaf(ctx)
	}

	meta := types.NewTipSetKey(leaves...)
	c, err := f.cstore.Put(ctx, &meta)
	require.NoError(f.t, err)
	return c
}

// putRawLeaf stores a fresh raw-codec block with unique content.
func (f *Builder) putRawLeaf(ctx context.Context) cid.Cid {
	f.seq++
	data := []byte(fmt.Sprintf("raw leaf %d", f.seq))

	hash, err := mh.Sum(data, constants.DefaultHashFunction, -1)
	require.NoError(f.t, err)
	c := cid.NewCidV1(cid.Raw, hash)

	require.NoError(f.t, f.bs.PutKeyed(ctx, c, data))
	return c
}

// GetTipSet loads a tipset by key from the builder's store. It has the
// signature the ChainIndex expects of its tipset loader.
func (f *Builder) GetTipSet(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	if key.IsEmpty() {
		return nil, fmt.Errorf("cannot load tipset from empty key")
	}

	var blocks []*types.BlockHeader
	for _, c := range key.Cids() {
		data, found, err := f.bs.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("no block %s", c)
		}

		blk, err := types.DecodeBlock(data)
		if err != nil {
			return nil, fmt.Errorf("decoding block %s: %w", c, err)
		}
		blocks = append(blocks, blk)
	}

	return types.NewTipSet(blocks)
}

// RequireTipSet returns the tipset identified by key, failing the test on error.
func (f *Builder) RequireTipSet(ctx context.Context, key types.TipSetKey) *types.TipSet {
	ts, err := f.GetTipSet(ctx, key)
	require.NoError(f.t, err)
	return ts
}

// RequireTipSets returns count tipsets, head first, walking parent links.
func (f *Builder) RequireTipSets(ctx context.Context, head types.TipSetKey, count int) []*types.TipSet {
	var tipsets []*types.TipSet
	for i := 0; i < count; i++ {
		ts := f.RequireTipSet(ctx, head)
		tipsets = append(tipsets, ts)
		head = ts.Parents()
	}
	return tipsets
}

// BlockBuilder mutates blocks as they are generated.
type BlockBuilder struct {
	block *types.BlockHeader
}

// IncHeight increments the block's height, implying a number of null blocks
// preceding it.
func (bb *BlockBuilder) IncHeight(nullBlocks abi.ChainEpoch) {
	bb.block.Height += nullBlocks
}

// SetTimestamp sets the block's timestamp.
func (bb *BlockBuilder) SetTimestamp(timestamp uint64) {
	bb.block.Timestamp = timestamp
}
