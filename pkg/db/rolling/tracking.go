package rolling

import (
	"context"
	"sync"
	"time"

	"github.com/simbahebinbo/forest/pkg/constants"
	"github.com/simbahebinbo/forest/pkg/db"
)

// TrackingStore wraps a partition and records when it was last touched, so
// eviction logs can say how long a handle sat idle. The timestamp is
// diagnostic only; eviction order is decided by bucket index.
type TrackingStore struct {
	Partition

	mu       sync.Mutex
	lastUsed time.Time
}

var _ Partition = (*TrackingStore)(nil)

func NewTrackingStore(p Partition) *TrackingStore {
	ts := &TrackingStore{Partition: p}
	ts.touch()
	return ts
}

func (ts *TrackingStore) touch() {
	ts.mu.Lock()
	ts.lastUsed = constants.Clock.Now()
	ts.mu.Unlock()
}

// Idle reports how long ago the partition was last used.
func (ts *TrackingStore) Idle() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return constants.Clock.Since(ts.lastUsed)
}

// LastUsed returns the time of the most recent operation.
func (ts *TrackingStore) LastUsed() time.Time {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastUsed
}

func (ts *TrackingStore) Read(ctx context.Context, key []byte) ([]byte, bool, error) {
	ts.touch()
	return ts.Partition.Read(ctx, key)
}

func (ts *TrackingStore) Exists(ctx context.Context, key []byte) (bool, error) {
	ts.touch()
	return ts.Partition.Exists(ctx, key)
}

func (ts *TrackingStore) Write(ctx context.Context, key, value []byte) error {
	ts.touch()
	return ts.Partition.Write(ctx, key, value)
}

func (ts *TrackingStore) Delete(ctx context.Context, key []byte) error {
	ts.touch()
	return ts.Partition.Delete(ctx, key)
}

func (ts *TrackingStore) BulkWrite(ctx context.Context, kvs []db.KV) error {
	ts.touch()
	return ts.Partition.BulkWrite(ctx, kvs)
}
