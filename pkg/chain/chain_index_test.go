package chain_test

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbahebinbo/forest/pkg/chain"
	tf "github.com/simbahebinbo/forest/pkg/testhelpers/testflags"
	"github.com/simbahebinbo/forest/pkg/types"
)

// appendChain extends head by count single-block tipsets, recording each new
// tipset in byHeight (indexed by epoch).
func appendChain(ctx context.Context, builder *chain.Builder, head *types.TipSet, count int, byHeight *[]*types.TipSet) *types.TipSet {
	for i := 0; i < count; i++ {
		head = builder.AppendOn(ctx, head, 1)
		*byHeight = append(*byHeight, head)
	}
	return head
}

func TestGetTipSetByHeight(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	byHeight := []*types.TipSet{builder.Genesis()}
	head := appendChain(ctx, builder, builder.Genesis(), 60, &byHeight)

	idx := chain.NewChainIndex(builder.GetTipSet, chain.NewCheckpointRegistry())

	for _, h := range []abi.ChainEpoch{0, 1, 13, 20, 40, 59, 60} {
		ts, err := idx.GetTipSetByHeight(ctx, head, h)
		require.NoError(t, err)
		assert.True(t, byHeight[h].Equals(ts), "wrong tipset at height %d", h)
	}
}

func TestGetTipSetByHeightDeepLookback(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	byHeight := []*types.TipSet{builder.Genesis()}
	head := appendChain(ctx, builder, builder.Genesis(), 1000, &byHeight)

	idx := chain.NewChainIndex(builder.GetTipSet, chain.NewCheckpointRegistry())

	ts, err := idx.GetTipSetByHeight(ctx, head, 500)
	require.NoError(t, err)
	assert.True(t, byHeight[500].Equals(ts))

	// The bypass variant walks parent links directly and agrees.
	direct, err := idx.GetTipsetByHeightWithoutCache(ctx, head, 500)
	require.NoError(t, err)
	assert.True(t, ts.Equals(direct))

	// A second lookup is served from the warmed cache.
	again, err := idx.GetTipSetByHeight(ctx, head, 500)
	require.NoError(t, err)
	assert.True(t, ts.Equals(again))
}

func TestGetTipSetByHeightNullRounds(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	byHeight := []*types.TipSet{builder.Genesis()}
	beforeGap := appendChain(ctx, builder, builder.Genesis(), 30, &byHeight)

	// Heights 31 through 35 are null rounds; the next tipset lands at 36.
	afterGap := builder.BuildOn(ctx, beforeGap, 1, func(bb *chain.BlockBuilder, i int) { bb.IncHeight(5) })
	require.Equal(t, abi.ChainEpoch(36), afterGap.Height())
	head := builder.AppendManyOn(ctx, 30, afterGap)

	idx := chain.NewChainIndex(builder.GetTipSet, chain.NewCheckpointRegistry())

	// Asking inside the gap returns the first tipset above it.
	ts, err := idx.GetTipSetByHeight(ctx, head, 33)
	require.NoError(t, err)
	assert.True(t, afterGap.Equals(ts))

	// The tipset below the gap is still reachable exactly.
	ts, err = idx.GetTipSetByHeight(ctx, head, 30)
	require.NoError(t, err)
	assert.True(t, beforeGap.Equals(ts))
}

func TestGetTipSetByHeightFutureFails(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	head := builder.AppendManyOn(ctx, 10, builder.Genesis())

	idx := chain.NewChainIndex(builder.GetTipSet, chain.NewCheckpointRegistry())

	_, err := idx.GetTipSetByHeight(ctx, head, head.Height()+1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "height greater than start point")

	_, err = idx.GetTipsetByHeightWithoutCache(ctx, head, head.Height()+1)
	require.Error(t, err)
}

func TestGetTipSetByHeightCheckpoint(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	genesis := builder.Genesis()
	byHeight := []*types.TipSet{genesis}
	head := appendChain(ctx, builder, genesis, 100, &byHeight)

	registry := chain.NewCheckpointRegistry()
	registry.Add(byHeight[60].Key(), genesis.Key())

	idx := chain.NewChainIndex(builder.GetTipSet, registry)

	// The hop sequence from the head down to 3 lands on the checkpoint at
	// height 60 and jumps straight to genesis.
	ts, err := idx.GetTipSetByHeight(ctx, head, 3)
	require.NoError(t, err)
	assert.True(t, genesis.Equals(ts))

	// Lookups that terminate above the checkpoint are unaffected.
	ts, err = idx.GetTipSetByHeight(ctx, head, 75)
	require.NoError(t, err)
	assert.True(t, byHeight[75].Equals(ts))
}

func TestGetTipSetByHeightCanceledContext(t *testing.T) {
	tf.UnitTest(t)
	ctx := context.Background()

	builder := chain.NewBuilder(t, address.Undef)
	head := builder.AppendManyOn(ctx, 2200, builder.Genesis())

	idx := chain.NewChainIndex(builder.GetTipSet, chain.NewCheckpointRegistry())

	// A walk of more than a hundred cache hops checks the context when it
	// yields, and gives up on a canceled one.
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := idx.GetTipSetByHeight(canceled, head, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
