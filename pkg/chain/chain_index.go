package chain

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"

	lru "github.com/hashicorp/golang-lru"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/simbahebinbo/forest/pkg/types"
)

// DefaultChainIndexCacheSize is the capacity of the lookback entry cache.
var DefaultChainIndexCacheSize = 32 << 10

func init() {
	if s := os.Getenv("CHAIN_INDEX_CACHE"); s != "" {
		lcic, err := strconv.Atoi(s)
		if err != nil {
			log.Errorf("failed to parse 'CHAIN_INDEX_CACHE' env var: %s", err)
		} else if lcic > 0 {
			DefaultChainIndexCacheSize = lcic
		}
	}
}

// ChainIndex answers "which tipset was at height h on the chain ending in
// this tipset" in O(h/skipLength) loads by keeping a sparse cache of
// lookback entries. Entries are immutable once built; lookups racing to fill
// the same entry duplicate the fill but the last writer wins idempotently.
type ChainIndex struct { //nolint:revive
	skipCache *lru.Cache

	checkpoints *CheckpointRegistry

	loadTipSet loadTipSetFunc

	skipLength abi.ChainEpoch
}

// NewChainIndex returns a chain index backed by the given tipset loader.
// Walks that land on a tipset registered in checkpoints short-circuit to
// that chain's genesis.
func NewChainIndex(lts loadTipSetFunc, checkpoints *CheckpointRegistry) *ChainIndex {
	if checkpoints == nil {
		checkpoints = NewCheckpointRegistry()
	}
	skipCache, _ := lru.New(DefaultChainIndexCacheSize)
	return &ChainIndex{
		skipCache:   skipCache,
		checkpoints: checkpoints,
		loadTipSet:  lts,
		skipLength:  20,
	}
}

// lbEntry is one hop of the sparse lookback index: the tipset the entry was
// built from and a precomputed skip target roughly skipLength epochs below.
type lbEntry struct {
	tipset       *types.TipSet
	parentHeight abi.ChainEpoch
	targetHeight abi.ChainEpoch
	target       types.TipSetKey
}

// GetTipSetByHeight returns the ancestor of from at height to. If that
// height is a null round the tipset immediately above it is returned.
// Gaps within the skip length are walked directly; larger gaps hop through
// cached lookback entries, filling them on demand.
func (ci *ChainIndex) GetTipSetByHeight(ctx context.Context, from *types.TipSet, to abi.ChainEpoch) (*types.TipSet, error) {
	if from.Height()-to <= ci.skipLength {
		return ci.walkBack(ctx, from, to)
	}

	rounded, err := ci.roundDown(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to round down: %w", err)
	}

	cur := rounded.Key()
	counter := 0
	for {
		lbe, err := ci.lookupOrFill(ctx, cur)
		if err != nil {
			return nil, err
		}

		if genesisKey, ok := ci.checkpoints.GenesisForCheckpoint(lbe.tipset.Key()); ok {
			// A recognized historical tipset vouches for everything below
			// it; stop the walk at genesis right away.
			gts, err := ci.loadTipSet(ctx, genesisKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load checkpoint genesis: %w", err)
			}
			return gts, nil
		}

		if lbe.tipset.Height() == to || lbe.parentHeight < to {
			return lbe.tipset, nil
		} else if to > lbe.targetHeight {
			return ci.walkBack(ctx, lbe.tipset, to)
		}

		cur = lbe.target

		counter++
		if counter == 100 {
			// Long lookbacks served entirely from cache never block; give
			// other goroutines a chance to run.
			counter = 0
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			runtime.Gosched()
		}
	}
}

// GetTipsetByHeightWithoutCache bypasses the skip cache and walks parent
// links directly. Used when the cache is suspected stale, e.g. after a reorg.
func (ci *ChainIndex) GetTipsetByHeightWithoutCache(ctx context.Context, from *types.TipSet, to abi.ChainEpoch) (*types.TipSet, error) {
	return ci.walkBack(ctx, from, to)
}

func (ci *ChainIndex) lookupOrFill(ctx context.Context, tsk types.TipSetKey) (*lbEntry, error) {
	if v, ok := ci.skipCache.Get(tsk); ok {
		return v.(*lbEntry), nil
	}

	lbe, err := ci.fillCache(ctx, tsk)
	if err != nil {
		return nil, fmt.Errorf("failed to fill cache: %w", err)
	}
	return lbe, nil
}

func (ci *ChainIndex) fillCache(ctx context.Context, tsk types.TipSetKey) (*lbEntry, error) {
	ts, err := ci.loadTipSet(ctx, tsk)
	if err != nil {
		return nil, fmt.Errorf("failed to load tipset: %w", err)
	}

	if ts.Height() == 0 {
		// Genesis is its own fixed point and not worth a cache slot.
		return &lbEntry{
			tipset:       ts,
			parentHeight: 0,
			targetHeight: 0,
			target:       tsk,
		}, nil
	}

	// will either be equal to ts.Height, or at least > ts.Parent.Height()
	rheight := ci.roundHeight(ts.Height())

	parent, err := ci.loadTipSet(ctx, ts.Parents())
	if err != nil {
		return nil, err
	}

	rheight -= ci.skipLength
	if rheight < 0 {
		rheight = 0
	}

	var skipTarget *types.TipSet
	if parent.Height() < rheight {
		skipTarget = parent
	} else {
		skipTarget, err = ci.walkBack(ctx, parent, rheight)
		if err != nil {
			return nil, fmt.Errorf("fillCache walkback: %w", err)
		}
	}

	lbe := &lbEntry{
		tipset:       ts,
		parentHeight: parent.Height(),
		targetHeight: skipTarget.Height(),
		target:       skipTarget.Key(),
	}
	ci.skipCache.Add(tsk, lbe)

	return lbe, nil
}

// floors to nearest skipLength multiple
func (ci *ChainIndex) roundHeight(h abi.ChainEpoch) abi.ChainEpoch {
	return (h / ci.skipLength) * ci.skipLength
}

func (ci *ChainIndex) roundDown(ctx context.Context, ts *types.TipSet) (*types.TipSet, error) {
	target := ci.roundHeight(ts.Height())

	rounded, err := ci.walkBack(ctx, ts, target)
	if err != nil {
		return nil, fmt.Errorf("failed to walk back: %w", err)
	}

	return rounded, nil
}

func (ci *ChainIndex) walkBack(ctx context.Context, from *types.TipSet, to abi.ChainEpoch) (*types.TipSet, error) {
	if to > from.Height() {
		return nil, fmt.Errorf("looking for tipset with height greater than start point")
	}

	if to == from.Height() {
		return from, nil
	}

	ts := from

	for {
		pts, err := ci.loadTipSet(ctx, ts.Parents())
		if err != nil {
			return nil, fmt.Errorf("failed to load tipset: %w", err)
		}

		if to > pts.Height() {
			// in case pts is lower than the epoch we're looking for (null blocks)
			// return a tipset above that height
			return ts, nil
		}
		if to == pts.Height() {
			return pts, nil
		}

		ts = pts
	}
}
