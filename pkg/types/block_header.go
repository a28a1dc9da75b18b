package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// BlockHeader is a single block in the chain.
type BlockHeader struct {
	// Miner is the address of the miner actor that mined this block.
	Miner address.Address `json:"miner"`

	// Parents is the set of parents this block was based on. Typically one,
	// but can be several in the case where there were multiple winning
	// ticket-holders for an epoch.
	Parents TipSetKey `json:"parents"`

	// Height is the chain height of this block.
	Height abi.ChainEpoch `json:"height"`

	// ParentStateRoot is the CID of the root of the state tree after
	// application of the messages in the parent tipset.
	ParentStateRoot cid.Cid `json:"parentStateRoot,omitempty"`

	// ParentMessageReceipts is the CID of the receipts produced by the
	// messages in the parent tipset.
	ParentMessageReceipts cid.Cid `json:"parentMessageReceipts,omitempty"`

	// Messages is the set of messages included in this block.
	Messages cid.Cid `json:"messages,omitempty"`

	// Timestamp, in seconds since the Unix epoch, at which this block was created.
	Timestamp uint64 `json:"timestamp"`

	cachedCid cid.Cid

	cachedBytes []byte
}

// Cid returns the content id of this block.
func (b *BlockHeader) Cid() cid.Cid {
	if b.cachedCid == cid.Undef {
		if b.cachedBytes == nil {
			buf := new(bytes.Buffer)
			if err := b.MarshalCBOR(buf); err != nil {
				panic(err)
			}
			b.cachedBytes = buf.Bytes()
		}
		c, err := abi.CidBuilder.Sum(b.cachedBytes)
		if err != nil {
			panic(err)
		}

		b.cachedCid = c
	}

	return b.cachedCid
}

// Serialize encodes the block header to its canonical cbor form.
func (b *BlockHeader) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := b.MarshalCBOR(buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// SerializeWithCid encodes the header and returns its CID alongside the bytes.
func (b *BlockHeader) SerializeWithCid() (cid.Cid, []byte, error) {
	data, err := b.Serialize()
	if err != nil {
		return cid.Undef, nil, err
	}

	c, err := abi.CidBuilder.Sum(data)
	if err != nil {
		return cid.Undef, nil, err
	}

	return c, data, nil
}

// ToStorageBlock converts the header to a block suitable for a blockstore.
func (b *BlockHeader) ToStorageBlock() (blocks.Block, error) {
	c, data, err := b.SerializeWithCid()
	if err != nil {
		return nil, err
	}

	return blocks.NewBlockWithCid(data, c)
}

// Equals returns true if the BlockHeader is equal to other.
func (b *BlockHeader) Equals(other *BlockHeader) bool {
	return b.Cid().Equals(other.Cid())
}

func (b *BlockHeader) String() string {
	errStr := "(error encoding BlockHeader)"
	c := b.Cid()
	js, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return errStr
	}
	return fmt.Sprintf("BlockHeader cid=[%v]: %s", c, string(js))
}

// DecodeBlock decodes raw cbor bytes into a BlockHeader.
func DecodeBlock(b []byte) (*BlockHeader, error) {
	var out BlockHeader
	if err := out.UnmarshalCBOR(bytes.NewReader(b)); err != nil {
		return nil, err
	}

	out.cachedBytes = b

	return &out, nil
}
