package rolling

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"
	"github.com/raulk/clock"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"

	"github.com/simbahebinbo/forest/pkg/db"
	"github.com/simbahebinbo/forest/pkg/types"
)

const (
	// writeBufferBudget caps how many block bytes the collector buffers
	// before issuing a bulk write into the next partition.
	writeBufferBudget = 128 << 20

	// walkChannelSize bounds the walker-to-writer stream so a slow disk
	// applies backpressure to the graph walk.
	walkChannelSize = 100
)

// ErrCollectionInProgress is returned when a collection is requested while
// another one is still running. The request is dropped, not queued; callers
// may resubmit once the running cycle ends.
var ErrCollectionInProgress = errors.New("gc: collection already in progress")

// HeadFunc snapshots the current chain head.
type HeadFunc func() *types.TipSet

// SnapshotWalker enumerates every block reachable from ts that must survive a
// collection: parent headers back to genesis, plus messages and state trees
// within inclRecentRoots epochs of the head.
type SnapshotWalker func(ctx context.Context, ts *types.TipSet, inclRecentRoots abi.ChainEpoch, cb func(cid.Cid) error) error

// GarbageCollector rewrites the reachable part of a rolling store into a
// fresh partition and retires everything else. At most one collection runs at
// a time; extra requests fail fast with ErrCollectionInProgress.
type GarbageCollector struct {
	store       *RollingStore
	head        HeadFunc
	walker      SnapshotWalker
	recentRoots abi.ChainEpoch
	interval    time.Duration
	clk         clock.Clock

	collecting int32
	requests   chan chan error
}

func NewGarbageCollector(store *RollingStore, head HeadFunc, walker SnapshotWalker, recentRoots abi.ChainEpoch, interval time.Duration, clk clock.Clock) *GarbageCollector {
	return &GarbageCollector{
		store:       store,
		head:        head,
		walker:      walker,
		recentRoots: recentRoots,
		interval:    interval,
		clk:         clk,
		requests:    make(chan chan error),
	}
}

// TriggerCollection submits a collection request to the event loop and waits
// for the cycle's outcome.
func (gc *GarbageCollector) TriggerCollection(ctx context.Context) error {
	resp := make(chan error, 1)
	select {
	case gc.requests <- resp:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CollectLoopEvent services explicit collection requests until ctx ends. Each
// request runs in its own goroutine, so the loop keeps accepting requests
// while a collection is in flight; the overlapping ones fail fast.
func (gc *GarbageCollector) CollectLoopEvent(ctx context.Context) {
	log.Info("listening for collection requests")
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-gc.requests:
			go func(resp chan error) {
				err := gc.collectOnce(ctx)
				if err != nil {
					log.Warnf("triggered collection failed: %s", err)
				}
				resp <- err
			}(resp)
		}
	}
}

// CollectLoopPassive checks the store's size profile every interval and
// collects when the live partition has grown to dominate it: once the current
// partition is over a third of everything on disk, rewriting the reachable
// set is expected to reclaim space.
func (gc *GarbageCollector) CollectLoopPassive(ctx context.Context) {
	log.Infof("passive collection loop running every %s", gc.interval)
	ticker := gc.clk.Ticker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := gc.store.CurrentSizeBytes(ctx)
			if err != nil {
				log.Warnf("skipping collection, cannot size current partition: %s", err)
				continue
			}
			total, err := gc.store.TotalSizeBytes(ctx)
			if err != nil {
				log.Warnf("skipping collection, cannot size store: %s", err)
				continue
			}
			if current*3 <= total {
				continue
			}
			if err := gc.collectOnce(ctx); err != nil {
				if err == ErrCollectionInProgress {
					continue
				}
				log.Warnf("passive collection failed: %s", err)
			}
		}
	}
}

// collectOnce runs one collection cycle: walk the graph from the current
// head, copy every reachable block the rolling store holds into the next
// partition, then atomically swap it in and delete the old buckets. Any
// failure before the swap leaves the store exactly as it was.
func (gc *GarbageCollector) collectOnce(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&gc.collecting, 0, 1) {
		return ErrCollectionInProgress
	}
	defer atomic.StoreInt32(&gc.collecting, 0)

	ctx, span := trace.StartSpan(ctx, "GarbageCollector.collectOnce")
	defer span.End()

	start := gc.clk.Now()

	head := gc.head()
	if !head.Defined() {
		return errors.New("gc: no chain head to collect from")
	}

	next, err := gc.store.OpenNext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open next partition")
	}

	log.Infow("collection started", "head", head.Height(), "next", next.Index())

	ch := make(chan cid.Cid, walkChannelSize)
	grp, wctx := errgroup.WithContext(ctx)

	var copied, copiedBytes int64
	grp.Go(func() error {
		var kvs []db.KV
		var buffered int64
		flush := func() error {
			if len(kvs) == 0 {
				return nil
			}
			if err := next.BulkWrite(wctx, kvs); err != nil {
				return errors.Wrap(err, "failed to copy blocks into next partition")
			}
			copied += int64(len(kvs))
			copiedBytes += buffered
			kvs = kvs[:0]
			buffered = 0
			return nil
		}

		for c := range ch {
			data, found, err := gc.store.Read(wctx, c.Bytes())
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			kvs = append(kvs, db.KV{Key: c.Bytes(), Value: data})
			buffered += int64(len(data))
			if buffered >= writeBufferBudget {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	walkErr := gc.walker(wctx, head, gc.recentRoots, func(c cid.Cid) error {
		key := c.Bytes()
		found, err := next.Exists(wctx, key)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
		found, err = gc.store.Exists(wctx, key)
		if err != nil {
			return err
		}
		if !found {
			// Resident in the persistent store; nothing to carry over.
			return nil
		}
		select {
		case ch <- c:
			return nil
		case <-wctx.Done():
			return wctx.Err()
		}
	})
	close(ch)

	if err := grp.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return errors.Wrap(walkErr, "snapshot walk failed")
	}

	if err := gc.store.Advance(ctx, next); err != nil {
		return errors.Wrap(err, "failed to advance rolling store")
	}

	log.Infow("collection finished",
		"took", gc.clk.Since(start),
		"blocks", copied,
		"bytes", copiedBytes,
		"current", next.Index())

	return nil
}
