package rolling

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/simbahebinbo/forest/pkg/db"
)

// MemoryPartitionOpener keeps partitions in process memory. Each opener owns
// its own registry, so closing a handle and reopening the same index sees the
// same data while independent openers stay isolated.
type MemoryPartitionOpener struct {
	mu     sync.Mutex
	stores map[int64]*db.MemoryStore
}

var _ PartitionOpener = (*MemoryPartitionOpener)(nil)

func NewMemoryPartitionOpener() *MemoryPartitionOpener {
	return &MemoryPartitionOpener{stores: make(map[int64]*db.MemoryStore)}
}

func (o *MemoryPartitionOpener) Open(ctx context.Context, index int64) (Partition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	store, ok := o.stores[index]
	if !ok {
		store = db.NewMemoryStore()
		o.stores[index] = store
	}
	return &memoryPartition{MemoryStore: store, index: index}, nil
}

func (o *MemoryPartitionOpener) Delete(ctx context.Context, index int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.stores, index)
	return nil
}

func (o *MemoryPartitionOpener) List(ctx context.Context) ([]int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]int64, 0, len(o.stores))
	for idx := range o.stores {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (o *MemoryPartitionOpener) TotalSizeBytes(ctx context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var total int64
	for _, store := range o.stores {
		total += store.SizeBytes()
	}
	return total, nil
}

// memoryPartition is a handle onto an opener-owned store. Closing it is a
// no-op: the data lives until the opener deletes the index.
type memoryPartition struct {
	*db.MemoryStore
	index int64
}

var _ Partition = (*memoryPartition)(nil)

func (p *memoryPartition) Index() int64 { return p.index }

func (p *memoryPartition) Dir() string { return fmt.Sprintf("memory/%d", p.index) }

func (p *memoryPartition) SizeBytes() (int64, error) { return p.MemoryStore.SizeBytes(), nil }

// BadgerPartitionOpener lays partitions out as one badger directory per
// bucket index, named by the decimal index, under a common root.
type BadgerPartitionOpener struct {
	root string
}

var _ PartitionOpener = (*BadgerPartitionOpener)(nil)

func NewBadgerPartitionOpener(root string) *BadgerPartitionOpener {
	return &BadgerPartitionOpener{root: root}
}

func (o *BadgerPartitionOpener) dir(index int64) string {
	return filepath.Join(o.root, strconv.FormatInt(index, 10))
}

func (o *BadgerPartitionOpener) Open(ctx context.Context, index int64) (Partition, error) {
	store, err := db.NewBadgerStore(o.dir(index))
	if err != nil {
		return nil, err
	}
	return &badgerPartition{BadgerStore: store, index: index}, nil
}

func (o *BadgerPartitionOpener) Delete(ctx context.Context, index int64) error {
	if err := os.RemoveAll(o.dir(index)); err != nil {
		return errors.Wrapf(err, "failed to delete partition directory %s", o.dir(index))
	}
	return nil
}

func (o *BadgerPartitionOpener) List(ctx context.Context) ([]int64, error) {
	entries, err := os.ReadDir(o.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read store root %s", o.root)
	}

	out := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		idx, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			// Not a partition directory.
			continue
		}
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (o *BadgerPartitionOpener) TotalSizeBytes(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.Walk(o.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, errors.Wrapf(err, "failed to size store root %s", o.root)
	}
	return total, nil
}

type badgerPartition struct {
	*db.BadgerStore
	index int64
}

var _ Partition = (*badgerPartition)(nil)

func (p *badgerPartition) Index() int64 { return p.index }
