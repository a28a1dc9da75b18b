package types

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
)

// UndefTipSet is the undefined tipset. Invoking accessors on it returns zero
// values rather than panicking.
var UndefTipSet = &TipSet{}

type blockHeaderWithCid struct {
	c cid.Cid
	b *BlockHeader
}

// NewTipSet builds a tipset from a non-empty set of block headers. All headers
// must share the same height and parent set, and must be distinct. Blocks are
// ordered canonically by their CID bytes.
func NewTipSet(bhs []*BlockHeader) (*TipSet, error) {
	if len(bhs) == 0 {
		return nil, fmt.Errorf("no blocks for tipset")
	}

	blks := make([]*blockHeaderWithCid, len(bhs))
	first := bhs[0]
	blks[0] = &blockHeaderWithCid{
		c: first.Cid(),
		b: first,
	}

	seen := make(map[cid.Cid]struct{})
	seen[blks[0].c] = struct{}{}

	for i := 1; i < len(bhs); i++ {
		blk := bhs[i]
		if blk.Height != first.Height {
			return nil, fmt.Errorf("inconsistent block heights %d and %d", first.Height, blk.Height)
		}

		if !blk.Parents.Equals(first.Parents) {
			return nil, fmt.Errorf("inconsistent block parents %s and %s", first.Parents, blk.Parents)
		}

		bcid := blk.Cid()
		if _, ok := seen[bcid]; ok {
			return nil, fmt.Errorf("duplicate block %s", bcid)
		}

		seen[bcid] = struct{}{}
		blks[i] = &blockHeaderWithCid{
			c: bcid,
			b: blk,
		}
	}

	sort.Slice(blks, func(i, j int) bool {
		// Blocks carry no tickets here; their CIDs are distinct and give a
		// deterministic total order.
		return bytes.Compare(blks[i].c.Bytes(), blks[j].c.Bytes()) < 0
	})

	blocks := make([]*BlockHeader, len(blks))
	cids := make([]cid.Cid, len(blks))
	for i := range blks {
		blocks[i] = blks[i].b
		cids[i] = blks[i].c
	}

	return &TipSet{
		blocks: blocks,

		key:  NewTipSetKey(cids...),
		cids: cids,

		height: first.Height,

		parentsKey: first.Parents,
	}, nil
}

// TipSet is a non-empty, immutable set of blocks at the same height with the
// same parent set. Blocks may be iterated either via Blocks() or efficiently
// by index with At().
type TipSet struct {
	// This slice is wrapped in a struct to enforce immutability.
	blocks []*BlockHeader
	// Key is computed at construction and cached.
	key  TipSetKey
	cids []cid.Cid

	height abi.ChainEpoch

	parentsKey TipSetKey
}

// Defined checks whether the tipset is defined.
// Invoking most other methods on an undefined tipset yields zero values.
func (ts *TipSet) Defined() bool {
	return ts != nil && len(ts.blocks) > 0
}

func (ts *TipSet) Equals(ots *TipSet) bool {
	if ts == nil && ots == nil {
		return true
	}
	if ts == nil || ots == nil {
		return false
	}

	if ts.height != ots.height {
		return false
	}

	if len(ts.cids) != len(ots.cids) {
		return false
	}

	for i, c := range ts.cids {
		if c != ots.cids[i] {
			return false
		}
	}

	return true
}

// Len returns the number of blocks in the tipset.
func (ts *TipSet) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.blocks)
}

// At returns the block at index i.
func (ts *TipSet) At(i int) *BlockHeader {
	return ts.blocks[i]
}

func (ts *TipSet) Blocks() []*BlockHeader {
	return ts.blocks
}

// Key returns a key for the tipset.
func (ts *TipSet) Key() TipSetKey {
	if ts == nil {
		return EmptyTSK
	}
	return ts.key
}

// Cids returns a copy of the CIDs of the member blocks.
func (ts *TipSet) Cids() []cid.Cid {
	if !ts.Defined() {
		return []cid.Cid{}
	}

	dst := make([]cid.Cid, len(ts.cids))
	copy(dst, ts.cids)
	return dst
}

// Height returns the height of a tipset.
func (ts *TipSet) Height() abi.ChainEpoch {
	if ts.Defined() {
		return ts.height
	}

	return 0
}

// Parents returns the key of the parent tipset.
func (ts *TipSet) Parents() TipSetKey {
	if ts.Defined() {
		return ts.parentsKey
	}

	return EmptyTSK
}

// ParentState returns the state root after the application of the parent
// tipset's messages.
func (ts *TipSet) ParentState() cid.Cid {
	if ts.Defined() {
		return ts.blocks[0].ParentStateRoot
	}
	return cid.Undef
}

// MinTimestamp returns the smallest timestamp of all blocks in the tipset.
func (ts *TipSet) MinTimestamp() uint64 {
	minTS := ts.blocks[0].Timestamp
	for _, bh := range ts.blocks[1:] {
		if bh.Timestamp < minTS {
			minTS = bh.Timestamp
		}
	}
	return minTS
}

// IsChildOf returns true if the tipset directly extends parent.
func (ts *TipSet) IsChildOf(parent *TipSet) bool {
	return ts.Parents().Equals(parent.Key()) &&
		// The height check might go beyond what is meant by "parent",
		// but callers rely on tipset height monotonicity.
		ts.Height() > parent.Height()
}

// String returns a formatted string of the CIDs in the TipSet.
// "{ <cid1> <cid2> <cid3> }"
func (ts TipSet) String() string {
	return ts.Key().String()
}
