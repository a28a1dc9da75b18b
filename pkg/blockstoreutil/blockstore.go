package blockstoreutil

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// BlockstoreRead is the read half of a content-addressed block store.
// A missing block is reported through the found return, never as an error.
type BlockstoreRead interface {
	Get(ctx context.Context, c cid.Cid) (data []byte, found bool, err error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// BlockstoreWrite is the write half of a content-addressed block store.
type BlockstoreWrite interface {
	// PutKeyed stores data under a caller-supplied CID. Callers assert that
	// the CID is the digest of data; stores are free to trust them.
	PutKeyed(ctx context.Context, c cid.Cid, data []byte) error
}

// Blockstore is a content-addressed block store.
type Blockstore interface {
	BlockstoreRead
	BlockstoreWrite
}

// Adapt exposes a Blockstore through the block interface consumed by
// go-ipld-cbor stores, for use with cbor.NewCborStore. Reads of missing
// blocks return bstore.ErrNotFound.
func Adapt(bs Blockstore) cbor.IpldBlockstore {
	return adaptedBlockstore{bs}
}

type adaptedBlockstore struct {
	bs Blockstore
}

var _ cbor.IpldBlockstore = adaptedBlockstore{}

func (a adaptedBlockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	data, found, err := a.bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, bstore.ErrNotFound
	}
	return blocks.NewBlockWithCid(data, c)
}

func (a adaptedBlockstore) Put(ctx context.Context, b blocks.Block) error {
	return a.bs.PutKeyed(ctx, b.Cid(), b.RawData())
}
