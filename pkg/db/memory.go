package db

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
)

// MemoryStore is a Store over a plain map, safe for concurrent use. It doubles
// as a content-addressed block store by keying blocks on their CID bytes.
type MemoryStore struct {
	mu sync.RWMutex
	kv map[string][]byte
}

var (
	_ Store                     = (*MemoryStore)(nil)
	_ blockstoreutil.Blockstore = (*MemoryStore)(nil)
)

// NewMemoryStore makes a new instance of MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kv: make(map[string][]byte)}
}

func (ms *MemoryStore) Read(ctx context.Context, key []byte) ([]byte, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	value, found := ms.kv[string(key)]
	if !found {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (ms *MemoryStore) Exists(ctx context.Context, key []byte) (bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	_, found := ms.kv[string(key)]
	return found, nil
}

func (ms *MemoryStore) Write(ctx context.Context, key, value []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.kv[string(key)] = append([]byte(nil), value...)
	return nil
}

func (ms *MemoryStore) Delete(ctx context.Context, key []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.kv, string(key))
	return nil
}

func (ms *MemoryStore) BulkWrite(ctx context.Context, kvs []KV) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, kv := range kvs {
		ms.kv[string(kv.Key)] = append([]byte(nil), kv.Value...)
	}
	return nil
}

func (ms *MemoryStore) Flush(ctx context.Context) error {
	return nil
}

// Len returns the number of stored pairs.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.kv)
}

// SizeBytes reports the total size of stored keys and values.
func (ms *MemoryStore) SizeBytes() int64 {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var size int64
	for k, v := range ms.kv {
		size += int64(len(k) + len(v))
	}
	return size
}

func (ms *MemoryStore) Close() error {
	return nil
}

// Get reads the block stored under c, keyed by its CID bytes.
func (ms *MemoryStore) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	return ms.Read(ctx, c.Bytes())
}

// Has reports whether the block keyed by c is present.
func (ms *MemoryStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return ms.Exists(ctx, c.Bytes())
}

// PutKeyed stores data under the CID bytes of c.
func (ms *MemoryStore) PutKeyed(ctx context.Context, c cid.Cid, data []byte) error {
	return ms.Write(ctx, c.Bytes(), data)
}
