package db

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/go-datastore"
	badgerds "github.com/ipfs/go-ds-badger2"
	dshelp "github.com/ipfs/go-ipfs-ds-help"
	"github.com/pkg/errors"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
)

func badgerOptions() *badgerds.Options {
	result := &badgerds.DefaultOptions
	result.Truncate = true
	return result
}

// BadgerStore is a Store over a badger datastore on disk. Raw binary keys are
// mapped through dshelp so any byte string is a legal key.
type BadgerStore struct {
	ds  *badgerds.Datastore
	dir string
}

var (
	_ Store                     = (*BadgerStore)(nil)
	_ blockstoreutil.Blockstore = (*BadgerStore)(nil)
)

// NewBadgerStore opens (creating if needed) a badger store rooted at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, errors.Wrapf(err, "failed to create store directory %s", dir)
	}

	ds, err := badgerds.NewDatastore(dir, badgerOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open badger store at %s", dir)
	}

	return &BadgerStore{ds: ds, dir: dir}, nil
}

func dsKey(key []byte) datastore.Key {
	return dshelp.NewKeyFromBinary(key)
}

func (bs *BadgerStore) Read(ctx context.Context, key []byte) ([]byte, bool, error) {
	value, err := bs.ds.Get(ctx, dsKey(key))
	if err == datastore.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (bs *BadgerStore) Exists(ctx context.Context, key []byte) (bool, error) {
	return bs.ds.Has(ctx, dsKey(key))
}

func (bs *BadgerStore) Write(ctx context.Context, key, value []byte) error {
	return bs.ds.Put(ctx, dsKey(key), value)
}

func (bs *BadgerStore) Delete(ctx context.Context, key []byte) error {
	return bs.ds.Delete(ctx, dsKey(key))
}

func (bs *BadgerStore) BulkWrite(ctx context.Context, kvs []KV) error {
	batch, err := bs.ds.Batch(ctx)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := batch.Put(ctx, dsKey(kv.Key), kv.Value); err != nil {
			return err
		}
	}
	return batch.Commit(ctx)
}

func (bs *BadgerStore) Flush(ctx context.Context) error {
	return bs.ds.Sync(ctx, datastore.NewKey(""))
}

func (bs *BadgerStore) Close() error {
	return bs.ds.Close()
}

// Dir returns the directory backing this store.
func (bs *BadgerStore) Dir() string {
	return bs.dir
}

// SizeBytes reports the on-disk footprint of the store.
func (bs *BadgerStore) SizeBytes() (int64, error) {
	var size int64
	err := filepath.Walk(bs.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// Get reads the block stored under c, keyed by its CID bytes.
func (bs *BadgerStore) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	return bs.Read(ctx, c.Bytes())
}

// Has reports whether the block keyed by c is present.
func (bs *BadgerStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return bs.Exists(ctx, c.Bytes())
}

// PutKeyed stores data under the CID bytes of c.
func (bs *BadgerStore) PutKeyed(ctx context.Context, c cid.Cid, data []byte) error {
	return bs.Write(ctx, c.Bytes(), data)
}
