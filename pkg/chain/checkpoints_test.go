package chain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbahebinbo/forest/pkg/chain"
	tf "github.com/simbahebinbo/forest/pkg/testhelpers/testflags"
	"github.com/simbahebinbo/forest/pkg/types"
)

func TestDefaultCheckpoints(t *testing.T) {
	tf.UnitTest(t)

	registry := chain.DefaultCheckpoints()
	assert.Equal(t, 2, registry.Len())
}

func TestCheckpointRegistry(t *testing.T) {
	tf.UnitTest(t)

	newCid := types.NewCidForTestGetter()
	checkpoint := types.NewTipSetKey(newCid(), newCid())
	genesis := types.NewTipSetKey(newCid())

	registry := chain.NewCheckpointRegistry()
	registry.Add(checkpoint, genesis)
	require.Equal(t, 1, registry.Len())

	got, ok := registry.GenesisForCheckpoint(checkpoint)
	require.True(t, ok)
	assert.True(t, genesis.Equals(got))

	// Unregistered tipsets miss.
	_, ok = registry.GenesisForCheckpoint(types.NewTipSetKey(newCid()))
	assert.False(t, ok)
}

func TestTipsetHash(t *testing.T) {
	tf.UnitTest(t)

	newCid := types.NewCidForTestGetter()
	c1, c2 := newCid(), newCid()

	h := chain.TipsetHash(types.NewTipSetKey(c1, c2))
	// blake2b-512 rendered as hex.
	assert.Len(t, h, 128)

	// Deterministic, and sensitive to both content and order.
	assert.Equal(t, h, chain.TipsetHash(types.NewTipSetKey(c1, c2)))
	assert.NotEqual(t, h, chain.TipsetHash(types.NewTipSetKey(c2, c1)))
	assert.NotEqual(t, h, chain.TipsetHash(types.NewTipSetKey(c1)))
}
