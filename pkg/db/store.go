package db

import "context"

// KV is one key-value pair in a bulk write.
type KV struct {
	Key   []byte
	Value []byte
}

// ReadStore is the read half of a key-value store. A missing key is reported
// through the found return, never as an error.
type ReadStore interface {
	Read(ctx context.Context, key []byte) (value []byte, found bool, err error)
	// Exists reports whether key is present without fetching its value.
	Exists(ctx context.Context, key []byte) (bool, error)
}

// WriteStore is the write half of a key-value store.
type WriteStore interface {
	Write(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	// BulkWrite stores a batch of pairs in one engine operation.
	BulkWrite(ctx context.Context, kvs []KV) error
	// Flush forces buffered writes down to durable storage.
	Flush(ctx context.Context) error
}

// Store is a general-purpose key-value store.
type Store interface {
	ReadStore
	WriteStore
}
