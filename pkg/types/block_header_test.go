package types

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tf "github.com/simbahebinbo/forest/pkg/testhelpers/testflags"
)

func TestBlockHeaderRoundTrip(t *testing.T) {
	tf.UnitTest(t)

	newAddress := NewForTestGetter()

	// Every field is set: zero values might pass when non-zero values
	// do not due to nil/null encoding.
	b := &BlockHeader{
		Miner:                 newAddress(),
		Parents:               NewTipSetKey(CidFromString(t, "somecid")),
		Height:                2,
		ParentStateRoot:       CidFromString(t, "state"),
		ParentMessageReceipts: CidFromString(t, "receipts"),
		Messages:              CidFromString(t, "messages"),
		Timestamp:             1,
	}

	buf := new(bytes.Buffer)
	require.NoError(t, b.MarshalCBOR(buf))

	var cborRoundTrip BlockHeader
	require.NoError(t, cborRoundTrip.UnmarshalCBOR(buf))
	AssertHaveSameCid(t, b, &cborRoundTrip)

	jb, err := json.Marshal(b)
	require.NoError(t, err)
	var jsonRoundTrip BlockHeader
	require.NoError(t, json.Unmarshal(jb, &jsonRoundTrip))
	AssertHaveSameCid(t, b, &jsonRoundTrip)
}

func TestDecodeBlock(t *testing.T) {
	tf.UnitTest(t)

	t.Run("successfully decodes raw bytes to a block header", func(t *testing.T) {
		addrGetter := NewForTestGetter()

		before := &BlockHeader{
			Miner:                 addrGetter(),
			Parents:               NewTipSetKey(CidFromString(t, "a")),
			Height:                2,
			ParentStateRoot:       CidFromString(t, "b"),
			ParentMessageReceipts: CidFromString(t, "receipts"),
			Messages:              CidFromString(t, "messages"),
		}

		data, err := before.Serialize()
		require.NoError(t, err)

		after, err := DecodeBlock(data)
		require.NoError(t, err)
		assert.Equal(t, before.Cid(), after.Cid())
		assert.True(t, before.Equals(after))
	})

	t.Run("decode failure results in an error", func(t *testing.T) {
		_, err := DecodeBlock([]byte{1, 2, 3})
		assert.Error(t, err)
	})
}

func TestSerializeWithCid(t *testing.T) {
	tf.UnitTest(t)

	b := &BlockHeader{
		Miner:                 NewForTestGetter()(),
		Parents:               NewTipSetKey(CidFromString(t, "parent")),
		Height:                41,
		ParentStateRoot:       CidFromString(t, "state"),
		ParentMessageReceipts: CidFromString(t, "receipts"),
		Messages:              CidFromString(t, "messages"),
	}

	c, data, err := b.SerializeWithCid()
	require.NoError(t, err)
	assert.Equal(t, b.Cid(), c)

	sb, err := b.ToStorageBlock()
	require.NoError(t, err)
	assert.Equal(t, c, sb.Cid())
	assert.Equal(t, data, sb.RawData())
}

func TestBlockHeaderEquals(t *testing.T) {
	tf.UnitTest(t)

	minerAddr := NewForTestGetter()()
	mockCid := CidFromString(t, "mock")
	c1 := CidFromString(t, "a")
	c2 := CidFromString(t, "b")
	s1 := CidFromString(t, "state1")
	s2 := CidFromString(t, "state2")

	var h1 abi.ChainEpoch = 1
	var h2 abi.ChainEpoch = 2

	b1 := &BlockHeader{Miner: minerAddr, Messages: mockCid, ParentMessageReceipts: mockCid, Parents: NewTipSetKey(c1), ParentStateRoot: s1, Height: h1}
	b2 := &BlockHeader{Miner: minerAddr, Messages: mockCid, ParentMessageReceipts: mockCid, Parents: NewTipSetKey(c1), ParentStateRoot: s1, Height: h1}
	b3 := &BlockHeader{Miner: minerAddr, Messages: mockCid, ParentMessageReceipts: mockCid, Parents: NewTipSetKey(c1), ParentStateRoot: s2, Height: h1}
	b4 := &BlockHeader{Miner: minerAddr, Messages: mockCid, ParentMessageReceipts: mockCid, Parents: NewTipSetKey(c2), ParentStateRoot: s1, Height: h1}
	b5 := &BlockHeader{Miner: minerAddr, Messages: mockCid, ParentMessageReceipts: mockCid, Parents: NewTipSetKey(c1), ParentStateRoot: s1, Height: h2}
	assert.True(t, b1.Equals(b1))
	assert.True(t, b1.Equals(b2))
	assert.False(t, b1.Equals(b3))
	assert.False(t, b1.Equals(b4))
	assert.False(t, b1.Equals(b5))
	assert.False(t, b3.Equals(b4))
	assert.False(t, b4.Equals(b5))
}

func TestBlockString(t *testing.T) {
	tf.UnitTest(t)

	b := &BlockHeader{
		Miner:                 NewForTestGetter()(),
		Parents:               NewTipSetKey(CidFromString(t, "a")),
		Height:                2,
		ParentStateRoot:       CidFromString(t, "b"),
		ParentMessageReceipts: CidFromString(t, "receipts"),
		Messages:              CidFromString(t, "messages"),
	}

	c := b.Cid()

	got := b.String()
	assert.Contains(t, got, c.String())
}
