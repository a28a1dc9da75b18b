package types

import (
	"fmt"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CidFromString generates a Cid from a string input.
func CidFromString(t *testing.T, input string) cid.Cid {
	c, err := abi.CidBuilder.Sum([]byte(input))
	require.NoError(t, err)
	return c
}

// NewCidForTestGetter returns a closure that returns a Cid unique to that invocation.
// The Cid is unique wrt the closure returned, not globally.
func NewCidForTestGetter() func() cid.Cid {
	i := 31337
	return func() cid.Cid {
		c, err := abi.CidBuilder.Sum([]byte(fmt.Sprintf("cid: %d", i)))
		if err != nil {
			panic(err)
		}
		i++
		return c
	}
}

// NewForTestGetter returns a closure that returns an address unique to that invocation.
// The address is unique wrt the closure returned, not globally.
func NewForTestGetter() func() address.Address {
	i := 0
	return func() address.Address {
		s := fmt.Sprintf("address%d", i)
		i++
		newAddr, err := address.NewSecp256k1Address([]byte(s))
		if err != nil {
			panic(err)
		}
		return newAddr
	}
}

// HasCid allows two values with CIDs to be compared.
type HasCid interface {
	Cid() cid.Cid
}

// AssertHaveSameCid asserts that two values have identical CIDs.
func AssertHaveSameCid(t *testing.T, m HasCid, n HasCid) {
	if !m.Cid().Equals(n.Cid()) {
		assert.Fail(t, "CIDs don't match", "not equal %v %v", m.Cid(), n.Cid())
	}
}

// RequireNewTipSet instantiates and returns a new tipset of the given blocks
// and requires that the setup validation succeed.
func RequireNewTipSet(t *testing.T, blks ...*BlockHeader) *TipSet {
	ts, err := NewTipSet(blks)
	require.NoError(t, err)
	return ts
}
