package chain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/filecoin-project/pubsub"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/go-state-types/abi"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
	"github.com/simbahebinbo/forest/pkg/types"
)

var log = logging.Logger("chain.store")

// HeadKey is the key at which the head tipset cid's are written in the datastore.
var HeadKey = datastore.NewKey("/chain/heaviestTipSet")

var ErrNotifeeDone = errors.New("notifee is done and should be removed")

type loadTipSetFunc func(context.Context, types.TipSetKey) (*types.TipSet, error)

// ReorgNotifee represents a callback that gets called upon reorgs.
type ReorgNotifee func(rev, app []*types.TipSet) error

var DefaultTipsetLruCacheSize = 10000

type reorg struct {
	old []*types.TipSet
	new []*types.TipSet
}

// Store tracks the best known chain: its head, the blocks reachable from it,
// and a lookback index over it. Block and state data lives in a block store;
// the head key is the only private metadata kept in the datastore.
type Store struct {
	// stateAndBlockSource is a wrapper around ipld storage.  It is used
	// for reading block headers and traversable state kept by the node.
	stateAndBlockSource cbor.IpldStore

	bsstore blockstoreutil.Blockstore

	// ds is the datastore for the chain's private metadata, which is
	// the heaviest tipset key.
	ds datastore.Batching

	// genesis is the CID of the genesis block.
	genesis cid.Cid
	// head is the tipset at the head of the best known chain.
	head *types.TipSet
	// Protects head.
	mu sync.RWMutex

	// headEvents is a pubsub channel that publishes an event every time the head changes.
	// We operate under the assumption that tipsets published to this channel
	// will always be queued and delivered to subscribers in the order discovered.
	// Successive published tipsets may be supersets of previously published tipsets.
	headEvents *pubsub.PubSub

	checkpoints *CheckpointRegistry

	chainIndex *ChainIndex

	reorgCh        chan reorg
	reorgNotifeeCh chan ReorgNotifee

	tsCache *lru.ARCCache
}

// NewStore constructs a new default store.
func NewStore(chainDs datastore.Batching,
	bsstore blockstoreutil.Blockstore,
	genesisCid cid.Cid,
	checkpoints *CheckpointRegistry,
) *Store {
	if checkpoints == nil {
		checkpoints = NewCheckpointRegistry()
	}
	tsCache, _ := lru.NewARC(DefaultTipsetLruCacheSize)
	store := &Store{
		stateAndBlockSource: cbor.NewCborStore(blockstoreutil.Adapt(bsstore)),
		ds:                  chainDs,
		bsstore:             bsstore,
		headEvents:          pubsub.New(64),

		checkpoints:    checkpoints,
		genesis:        genesisCid,
		reorgNotifeeCh: make(chan ReorgNotifee),
		tsCache:        tsCache,
	}
	store.chainIndex = NewChainIndex(store.GetTipSet, checkpoints)

	store.reorgCh = store.reorgWorker(context.TODO())
	return store
}

// Load restores the chain head from the store's datastore. A datastore that
// carries no head yet boots at genesis, whose block must already be present
// in the block store.
func (store *Store) Load(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "Store.Load")
	defer span.End()

	headTS, err := store.loadHead(ctx)
	if err == datastore.ErrNotFound {
		log.Info("no stored head, booting chain store at genesis")
		headTS, err = store.GetTipSet(ctx, types.NewTipSetKey(store.genesis))
	}
	if err != nil {
		return err
	}

	log.Infof("start loading chain at tipset: %s, height: %d", headTS.Key(), headTS.Height())

	return store.SetHead(ctx, headTS)
}

// loadHead loads the latest known head from disk.
func (store *Store) loadHead(ctx context.Context) (*types.TipSet, error) {
	tskBytes, err := store.ds.Get(ctx, HeadKey)
	if err != nil {
		if err == datastore.ErrNotFound {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to read HeadKey")
	}

	var tsk types.TipSetKey
	err = tsk.UnmarshalCBOR(bytes.NewReader(tskBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to cast headCids")
	}

	return store.GetTipSet(ctx, tsk)
}

// Ls returns the count tipsets ending at fromTS, earliest first.
func (store *Store) Ls(ctx context.Context, fromTS *types.TipSet, count int) ([]*types.TipSet, error) {
	tipsets := []*types.TipSet{fromTS}
	fromKey := fromTS.Parents()
	for i := 0; i < count-1; i++ {
		ts, err := store.GetTipSet(ctx, fromKey)
		if err != nil {
			return nil, err
		}
		tipsets = append(tipsets, ts)
		fromKey = ts.Parents()
	}
	Reverse(tipsets)
	return tipsets, nil
}

// GetBlock returns the block identified by `cid`.
func (store *Store) GetBlock(ctx context.Context, blockID cid.Cid) (*types.BlockHeader, error) {
	var block types.BlockHeader
	err := store.stateAndBlockSource.Get(ctx, blockID, &block)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get block %s", blockID.String())
	}
	return &block, nil
}

// PutObject stores obj and returns its CID.
func (store *Store) PutObject(ctx context.Context, obj interface{}) (cid.Cid, error) {
	return store.stateAndBlockSource.Put(ctx, obj)
}

// GetTipSet returns the tipset identified by `key`.
func (store *Store) GetTipSet(ctx context.Context, key types.TipSetKey) (*types.TipSet, error) {
	if key.IsEmpty() {
		return store.GetHead(), nil
	}

	val, has := store.tsCache.Get(key)
	if has {
		return val.(*types.TipSet), nil
	}

	cids := key.Cids()
	blks := make([]*types.BlockHeader, len(cids))
	for idx, c := range cids {
		blk, err := store.GetBlock(ctx, c)
		if err != nil {
			return nil, err
		}

		blks[idx] = blk
	}

	ts, err := types.NewTipSet(blks)
	if err != nil {
		return nil, err
	}
	store.tsCache.Add(key, ts)

	return ts, nil
}

// GetTipSetByHeight looks back from ts for the tipset at the specified epoch.
// If there are no blocks at the specified epoch, the first tipset above it is
// returned, or its parent when prev is set.
func (store *Store) GetTipSetByHeight(ctx context.Context, ts *types.TipSet, h abi.ChainEpoch, prev bool) (*types.TipSet, error) {
	if ts == nil {
		ts = store.GetHead()
	}

	if h > ts.Height() {
		return nil, fmt.Errorf("looking for tipset with height greater than start point")
	}

	if h == ts.Height() {
		return ts, nil
	}

	lbts, err := store.chainIndex.GetTipSetByHeight(ctx, ts, h)
	if err != nil {
		return nil, err
	}

	if lbts.Height() < h {
		log.Warnf("chain index returned the wrong tipset at height %d, using slow retrieval", h)
		lbts, err = store.chainIndex.GetTipsetByHeightWithoutCache(ctx, ts, h)
		if err != nil {
			return nil, err
		}
	}

	if lbts.Height() == h || !prev {
		return lbts, nil
	}

	return store.GetTipSet(ctx, lbts.Parents())
}

// GetGenesisBlock returns the genesis block held by the chain store.
func (store *Store) GetGenesisBlock(ctx context.Context) (*types.BlockHeader, error) {
	return store.GetBlock(ctx, store.GenesisCid())
}

// SetHead sets the passed in tipset as the new head of this chain.
func (store *Store) SetHead(ctx context.Context, newTS *types.TipSet) error {
	log.Infof("SetHead %s %d", newTS.String(), newTS.Height())
	if !newTS.Defined() {
		return errors.New("cannot set an undefined head")
	}

	// reorg tipset
	dropped, added, update, err := func() ([]*types.TipSet, []*types.TipSet, bool, error) {
		var dropped []*types.TipSet
		var added []*types.TipSet
		var err error
		store.mu.Lock()
		defer store.mu.Unlock()

		if store.head != nil {
			if store.head.Equals(newTS) {
				return nil, nil, false, nil
			}
			// reorg
			oldHead := store.head
			dropped, added, err = ReorgOps(store.GetTipSet, oldHead, newTS)
			if err != nil {
				return nil, nil, false, err
			}
		} else {
			added = []*types.TipSet{newTS}
		}

		// Ensure consistency by storing this new head on disk.
		if errInner := store.writeHead(ctx, newTS.Key()); errInner != nil {
			return nil, nil, false, errors.Wrap(errInner, "failed to write new Head to datastore")
		}
		store.head = newTS
		return dropped, added, true, nil
	}()
	if err != nil {
		return err
	}

	if !update {
		return nil
	}

	// Applies are published oldest first.
	Reverse(added)

	store.reorgCh <- reorg{
		old: dropped,
		new: added,
	}
	return nil
}

func (store *Store) reorgWorker(ctx context.Context) chan reorg {
	headChangeNotifee := func(rev, app []*types.TipSet) error {
		notif := make([]*types.HeadChange, len(rev)+len(app))
		for i, revert := range rev {
			notif[i] = &types.HeadChange{
				Type: types.HCRevert,
				Val:  revert,
			}
		}

		for i, apply := range app {
			notif[i+len(rev)] = &types.HeadChange{
				Type: types.HCApply,
				Val:  apply,
			}
		}

		// Publish an event that we have a new head.
		store.headEvents.Pub(notif, types.HeadChangeTopic)
		return nil
	}

	out := make(chan reorg, 32)
	notifees := []ReorgNotifee{headChangeNotifee}

	go func() {
		defer log.Warn("reorgWorker quit")
		for {
			select {
			case n := <-store.reorgNotifeeCh:
				notifees = append(notifees, n)

			case r := <-out:
				var toremove map[int]struct{}
				for i, hcf := range notifees {
					err := hcf(r.old, r.new)

					switch err {
					case nil:

					case ErrNotifeeDone:
						if toremove == nil {
							toremove = make(map[int]struct{})
						}
						toremove[i] = struct{}{}

					default:
						log.Error("head change func errored (BAD): ", err)
					}
				}

				if len(toremove) > 0 {
					newNotifees := make([]ReorgNotifee, 0, len(notifees)-len(toremove))
					for i, hcf := range notifees {
						_, remove := toremove[i]
						if remove {
							continue
						}
						newNotifees = append(newNotifees, hcf)
					}
					notifees = newNotifees
				}

			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SubHeadChanges returns channel with chain head updates.
// First message is guaranteed to be of len == 1, and type == 'current'.
// Then events in the message may be HCApply and HCRevert.
func (store *Store) SubHeadChanges(ctx context.Context) chan []*types.HeadChange {
	store.mu.RLock()
	subCh := store.headEvents.Sub(types.HeadChangeTopic)
	head := store.head
	store.mu.RUnlock()

	out := make(chan []*types.HeadChange, 16)
	out <- []*types.HeadChange{{
		Type: types.HCCurrent,
		Val:  head,
	}}

	go func() {
		defer close(out)
		var unsubOnce sync.Once

		for {
			select {
			case val, ok := <-subCh:
				if !ok {
					log.Warn("chain head sub exit loop")
					return
				}

				select {
				case out <- val.([]*types.HeadChange):
				default:
					log.Errorf("closing head change subscription due to slow reader")
					return
				}
				if len(out) > 5 {
					log.Warnf("head change sub is slow, has %d buffered entries", len(out))
				}
			case <-ctx.Done():
				unsubOnce.Do(func() {
					go store.headEvents.Unsub(subCh)
				})
			}
		}
	}()
	return out
}

// SubscribeHeadChanges subscribe head change event
func (store *Store) SubscribeHeadChanges(f ReorgNotifee) {
	store.reorgNotifeeCh <- f
}

// writeHead writes the given cid set as head to disk.
func (store *Store) writeHead(ctx context.Context, cids types.TipSetKey) error {
	log.Debugf("WriteHead %s", cids.String())
	buf := new(bytes.Buffer)
	err := cids.MarshalCBOR(buf)
	if err != nil {
		return err
	}

	return store.ds.Put(ctx, HeadKey, buf.Bytes())
}

// GetHead returns the current head tipset.
func (store *Store) GetHead() *types.TipSet {
	store.mu.RLock()
	defer store.mu.RUnlock()
	if !store.head.Defined() {
		return types.UndefTipSet
	}

	return store.head
}

// GenesisCid returns the genesis cid of the chain tracked by the default store.
func (store *Store) GenesisCid() cid.Cid {
	return store.genesis
}

// Export writes a snapshot rooted at ts to w as a CAR file. Message DAGs are
// included within inclRecentRoots epochs of the root unless skipOldMsgs is
// false; receipts are never included.
func (store *Store) Export(ctx context.Context, ts *types.TipSet, inclRecentRoots abi.ChainEpoch, skipOldMsgs bool, w io.Writer) error {
	if ts == nil {
		ts = store.GetHead()
	}

	h := &car.CarHeader{
		Roots:   ts.Cids(),
		Version: 1,
	}

	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("failed to write car header: %s", err)
	}

	load := BlockLoader(store.bsstore)
	return store.WalkSnapshot(ctx, ts, inclRecentRoots, skipOldMsgs, true, func(c cid.Cid) error {
		data, err := load(ctx, c)
		if err != nil {
			return fmt.Errorf("writing object to car, bs.Get: %w", err)
		}

		if err := carutil.LdWrite(w, c.Bytes(), data); err != nil {
			return fmt.Errorf("failed to write block to car output: %w", err)
		}

		return nil
	})
}

// WalkSnapshot visits every block a snapshot rooted at ts must carry. A nil
// ts walks from the current head. See the package-level WalkSnapshot.
func (store *Store) WalkSnapshot(ctx context.Context, ts *types.TipSet, inclRecentRoots abi.ChainEpoch, skipOldMsgs, skipMsgReceipts bool, cb func(cid.Cid) error) error {
	if ts == nil {
		ts = store.GetHead()
	}

	return WalkSnapshot(ctx, BlockLoader(store.bsstore), ts, inclRecentRoots, skipOldMsgs, skipMsgReceipts, cb)
}

// Import loads a chain snapshot from r into dst and returns its root tipset.
// dst must be visible to the store's read path for the returned tipset to
// load; the store itself routes generic writes nowhere.
func (store *Store) Import(ctx context.Context, r io.Reader, dst blockstoreutil.Blockstore) (*types.TipSet, error) {
	header, err := car.LoadCar(ctx, blockstoreutil.Adapt(dst), r)
	if err != nil {
		return nil, fmt.Errorf("loadcar failed: %w", err)
	}

	root, err := store.GetTipSet(ctx, types.NewTipSetKey(header.Roots...))
	if err != nil {
		return nil, fmt.Errorf("failed to load root tipset from chainfile: %w", err)
	}

	log.Infow("import complete", "root", root.Key().String(), "height", root.Height())

	return root, nil
}

// Blockstore returns the block store backing this chain store.
func (store *Store) Blockstore() blockstoreutil.Blockstore { // nolint
	return store.bsstore
}

// Stop stops all activities and cleans up.
func (store *Store) Stop() {
	store.headEvents.Shutdown()
}

// ReorgOps used to reorganize the blockchain. Whenever a new tipset is approved,
// the new tipset compared with the local tipset to obtain which tipset need to be revert and which tipsets are applied
func (store *Store) ReorgOps(a, b *types.TipSet) ([]*types.TipSet, []*types.TipSet, error) {
	return ReorgOps(store.GetTipSet, a, b)
}

// ReorgOps takes two tipsets (which can be at different heights), and walks
// their corresponding chains backwards one step at a time until we find
// a common ancestor. It then returns the respective chain segments that fork
// from the identified ancestor, in reverse order, where the first element of
// each slice is the supplied tipset, and the last element is the common
// ancestor.
//
// If an error happens along the way, we return the error with nil slices.
func ReorgOps(lts func(context.Context, types.TipSetKey) (*types.TipSet, error), a, b *types.TipSet) ([]*types.TipSet, []*types.TipSet, error) {
	left := a
	right := b

	var leftChain, rightChain []*types.TipSet
	for !left.Equals(right) {
		if left.Height() > right.Height() {
			leftChain = append(leftChain, left)
			par, err := lts(context.TODO(), left.Parents())
			if err != nil {
				return nil, nil, err
			}

			left = par
		} else {
			rightChain = append(rightChain, right)
			par, err := lts(context.TODO(), right.Parents())
			if err != nil {
				log.Infof("failed to fetch right.Parents: %s", err)
				return nil, nil, err
			}

			right = par
		}
	}

	return leftChain, rightChain, nil
}
