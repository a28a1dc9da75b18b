package chain

import (
	"bytes"
	"context"
	"fmt"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
	"github.com/simbahebinbo/forest/pkg/constants"
	"github.com/simbahebinbo/forest/pkg/types"
)

// LoadBlockFunc fetches a raw block by CID. A missing block is an error: a
// snapshot walk over an incomplete store cannot produce a usable snapshot.
type LoadBlockFunc func(ctx context.Context, c cid.Cid) ([]byte, error)

// BlockLoader adapts a block store read interface into a LoadBlockFunc.
func BlockLoader(bs blockstoreutil.BlockstoreRead) LoadBlockFunc {
	return func(ctx context.Context, c cid.Cid) ([]byte, error) {
		data, found, err := bs.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("block %s not found", c)
		}
		return data, nil
	}
}

func recurseLinks(ctx context.Context, load LoadBlockFunc, walked *blockstoreutil.CidHashSet, root cid.Cid, in []cid.Cid) ([]cid.Cid, error) {
	if root.Prefix().Codec != cid.DagCBOR {
		return in, nil
	}

	data, err := load(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("recurse links get (%s) failed: %w", root, err)
	}

	var rerr error
	err = cbg.ScanForLinks(bytes.NewReader(data), func(c cid.Cid) {
		if rerr != nil {
			// No error return on ScanForLinks :(
			return
		}

		// traversed this already...
		if !walked.Visit(c) {
			return
		}

		in = append(in, c)
		var err error
		in, err = recurseLinks(ctx, load, walked, c, in)
		if err != nil {
			rerr = err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scanning for links failed: %w", err)
	}

	return in, rerr
}

// WalkSnapshot visits every block a chain snapshot rooted at ts must carry
// and hands its CID to cb exactly once. Parent headers are always walked
// down to genesis; message DAGs are included within inclRecentRoots epochs
// of the root (or everywhere when skipOldMsgs is false), and state trees
// within that window plus the genesis state. Receipts follow the same
// window unless skipMsgReceipts is set. Identity CIDs and codecs other than
// raw and dagcbor never reach cb.
func WalkSnapshot(ctx context.Context, load LoadBlockFunc, ts *types.TipSet, inclRecentRoots abi.ChainEpoch, skipOldMsgs, skipMsgReceipts bool, cb func(cid.Cid) error) error {
	if !ts.Defined() {
		return fmt.Errorf("cannot walk an undefined tipset")
	}

	seen := blockstoreutil.NewCidHashSet()
	walked := blockstoreutil.NewCidHashSet()

	blocksToWalk := ts.Cids()
	currentMinHeight := ts.Height()

	walkChain := func(blk cid.Cid) error {
		if !seen.Visit(blk) {
			return nil
		}

		if err := cb(blk); err != nil {
			return err
		}

		data, err := load(ctx, blk)
		if err != nil {
			return fmt.Errorf("getting block: %w", err)
		}

		var b types.BlockHeader
		if err := b.UnmarshalCBOR(bytes.NewBuffer(data)); err != nil {
			return fmt.Errorf("unmarshaling block header (cid=%s): %w", blk, err)
		}

		if currentMinHeight > b.Height {
			currentMinHeight = b.Height
			if currentMinHeight%constants.EpochsInDay == 0 {
				log.Infow("export", "height", currentMinHeight)
			}
		}

		var cids []cid.Cid
		if !skipOldMsgs || b.Height > ts.Height()-inclRecentRoots {
			if walked.Visit(b.Messages) {
				mcids, err := recurseLinks(ctx, load, walked, b.Messages, []cid.Cid{b.Messages})
				if err != nil {
					return fmt.Errorf("recursing messages failed: %w", err)
				}
				cids = mcids
			}
		}

		if b.Height > 0 {
			blocksToWalk = append(blocksToWalk, b.Parents.Cids()...)
		} else {
			// include the genesis block
			cids = append(cids, b.Parents.Cids()...)
		}

		out := cids

		if b.Height == 0 || b.Height > ts.Height()-inclRecentRoots {
			if walked.Visit(b.ParentStateRoot) {
				cids, err := recurseLinks(ctx, load, walked, b.ParentStateRoot, []cid.Cid{b.ParentStateRoot})
				if err != nil {
					return fmt.Errorf("recursing genesis state failed: %w", err)
				}

				out = append(out, cids...)
			}

			if !skipMsgReceipts && walked.Visit(b.ParentMessageReceipts) {
				out = append(out, b.ParentMessageReceipts)
			}
		}

		for _, c := range out {
			if seen.Visit(c) {
				prefix := c.Prefix()

				// Don't include identity CIDs.
				if prefix.MhType == mh.IDENTITY {
					continue
				}

				// We only include raw and dagcbor, for now.
				// Raw for "code" CIDs.
				switch prefix.Codec {
				case cid.Raw, cid.DagCBOR:
				default:
					continue
				}

				if err := cb(c); err != nil {
					return err
				}
			}
		}

		return nil
	}

	log.Infow("export started")
	exportStart := constants.Clock.Now()

	for len(blocksToWalk) > 0 {
		next := blocksToWalk[0]
		blocksToWalk = blocksToWalk[1:]
		if err := walkChain(next); err != nil {
			return fmt.Errorf("walk chain failed: %w", err)
		}
	}

	log.Infow("export finished", "duration", constants.Clock.Now().Sub(exportStart).Seconds())

	return nil
}
