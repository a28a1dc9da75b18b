package chain

import (
	"context"

	blockFormat "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
	"github.com/simbahebinbo/forest/pkg/types"
)

type storable interface {
	ToStorageBlock() (blockFormat.Block, error)
}

// PutBlock serializes m and writes it under its own CID.
func PutBlock(ctx context.Context, bs blockstoreutil.BlockstoreWrite, m storable) (cid.Cid, error) {
	b, err := m.ToStorageBlock()
	if err != nil {
		return cid.Undef, err
	}

	if err := bs.PutKeyed(ctx, b.Cid(), b.RawData()); err != nil {
		return cid.Undef, err
	}

	return b.Cid(), nil
}

// Reverse reverses the order of the slice `chain`.
func Reverse(chain []*types.TipSet) {
	// https://github.com/golang/go/wiki/SliceTricks#reversing
	for i := len(chain)/2 - 1; i >= 0; i-- {
		opp := len(chain) - 1 - i
		chain[i], chain[opp] = chain[opp], chain[i]
	}
}
