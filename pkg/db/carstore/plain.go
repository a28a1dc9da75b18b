package carstore

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"

	"github.com/simbahebinbo/forest/pkg/blockstoreutil"
	"github.com/simbahebinbo/forest/pkg/types"
)

var log = logging.Logger("carstore")

// cidPeekLimit bounds how many bytes of a block frame are inspected to parse
// its CID. Real chain CIDs are at most ~72 bytes; anything needing more is
// treated as a malformed frame.
const cidPeekLimit = 128

// blockLocation is the byte range of one block's payload within the archive,
// excluding its CID prefix.
type blockLocation struct {
	offset uint64
	length uint32
}

// PlainCar is a read-mostly block store over an immutable CARv1 archive. The
// archive is indexed once at construction with a single linear scan; payloads
// stay on disk and are fetched with random-access reads. Blocks put to the
// store that are not part of the archive live in an in-memory write cache.
//
// All operations perform blocking file I/O. Do not call them from a context
// that cannot tolerate blocking.
//
// Lock order is index then cache, on every path.
type PlainCar struct {
	reader io.ReaderAt
	closer io.Closer

	indexMu sync.RWMutex
	index   map[cid.Cid]blockLocation

	cacheMu sync.RWMutex
	cache   map[cid.Cid][]byte

	roots []cid.Cid
}

var _ blockstoreutil.Blockstore = (*PlainCar)(nil)

// NewPlainCar indexes the CARv1 archive readable through r. The archive must
// declare version 1, carry at least one root and contain at least one block
// frame; anything else is a construction error.
func NewPlainCar(r io.ReaderAt) (*PlainCar, error) {
	sr := io.NewSectionReader(r, 0, math.MaxInt64)
	br := bufio.NewReader(sr)

	header, err := car.ReadHeader(br)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read car header")
	}
	if header.Version != 1 {
		return nil, errors.Errorf("unsupported car version %d, want 1", header.Version)
	}
	if len(header.Roots) == 0 {
		return nil, errors.New("car archive has no roots")
	}

	pos, err := sr.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	offset := pos - int64(br.Buffered())

	index := make(map[cid.Cid]blockLocation)
	for {
		frameLen, err := varint.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read block frame length")
		}
		if frameLen > uint64(carutil.MaxAllowedSectionSize) {
			return nil, errors.Errorf("malformed car; block frame of %d bytes exceeds limit", frameLen)
		}
		if frameLen < 2 {
			return nil, errors.Errorf("malformed car; block frame of %d bytes is too short", frameLen)
		}
		offset += int64(varint.UvarintSize(frameLen))

		peekLen := int(frameLen)
		if peekLen > cidPeekLimit {
			peekLen = cidPeekLimit
		}
		peek, err := br.Peek(peekLen)
		if err != nil {
			return nil, errors.Wrap(err, "truncated block frame")
		}
		if peek[0] == 0x12 && peek[1] == 0x20 && len(peek) < 34 {
			// CIDv0 is a fixed 34 bytes; a shorter frame cannot hold one.
			return nil, errors.Errorf("malformed car; truncated cid in %d byte frame", frameLen)
		}

		c, cidLen, err := carutil.ReadCid(peek)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse block cid")
		}
		if uint64(cidLen) > frameLen {
			return nil, errors.Errorf("malformed car; cid of %d bytes overruns its %d byte frame", cidLen, frameLen)
		}

		index[c] = blockLocation{
			offset: uint64(offset) + uint64(cidLen),
			length: uint32(frameLen - uint64(cidLen)),
		}

		if _, err := br.Discard(int(frameLen)); err != nil {
			return nil, errors.Wrap(err, "truncated block frame")
		}
		offset += int64(frameLen)
	}

	if len(index) == 0 {
		return nil, errors.New("car archive contains no blocks")
	}

	log.Debugf("indexed car archive: %d blocks, %d roots", len(index), len(header.Roots))

	return &PlainCar{
		reader: r,
		index:  index,
		cache:  make(map[cid.Cid][]byte),
		roots:  header.Roots,
	}, nil
}

// OpenPlainCar indexes the CARv1 archive at path. The returned store owns the
// file handle; Close releases it.
func OpenPlainCar(path string) (*PlainCar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open car archive %s", path)
	}

	pc, err := NewPlainCar(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	pc.closer = f

	return pc, nil
}

// Get returns the block keyed by c from the archive or the write cache. When
// a cached block has also become readable from the archive the cached copy is
// served one last time and dropped; the archive is authoritative from then on.
func (pc *PlainCar) Get(ctx context.Context, c cid.Cid) ([]byte, bool, error) {
	pc.indexMu.RLock()
	loc, onDisk := pc.index[c]
	pc.indexMu.RUnlock()

	pc.cacheMu.RLock()
	data, cached := pc.cache[c]
	pc.cacheMu.RUnlock()

	if cached {
		if onDisk {
			pc.cacheMu.Lock()
			delete(pc.cache, c)
			pc.cacheMu.Unlock()
		}
		return data, true, nil
	}

	if onDisk {
		return pc.readAt(loc)
	}

	return nil, false, nil
}

// Has reports whether the block keyed by c is in the archive or the cache.
func (pc *PlainCar) Has(ctx context.Context, c cid.Cid) (bool, error) {
	pc.indexMu.RLock()
	_, onDisk := pc.index[c]
	pc.indexMu.RUnlock()
	if onDisk {
		return true, nil
	}

	pc.cacheMu.RLock()
	_, cached := pc.cache[c]
	pc.cacheMu.RUnlock()
	return cached, nil
}

// PutKeyed buffers a block that is not part of the archive. Writing a CID
// that the archive already holds is a no-op; archive content is immutable.
// Re-writing a cached CID with identical bytes is a no-op, with different
// bytes it panics: a content-addressed key mapping to two payloads is a
// programming error, not a runtime condition.
func (pc *PlainCar) PutKeyed(ctx context.Context, c cid.Cid, data []byte) error {
	pc.indexMu.RLock()
	_, onDisk := pc.index[c]
	pc.indexMu.RUnlock()
	if onDisk {
		return nil
	}

	pc.cacheMu.Lock()
	defer pc.cacheMu.Unlock()
	if prev, cached := pc.cache[c]; cached {
		if !bytes.Equal(prev, data) {
			panic(fmt.Sprintf("mismatched blocks: %s rewritten with different content", c))
		}
		return nil
	}
	pc.cache[c] = append([]byte(nil), data...)

	return nil
}

func (pc *PlainCar) readAt(loc blockLocation) ([]byte, bool, error) {
	buf := make([]byte, loc.length)
	if _, err := pc.reader.ReadAt(buf, int64(loc.offset)); err != nil {
		return nil, false, errors.Wrap(err, "failed to read block from car archive")
	}
	return buf, true, nil
}

// Roots returns the archive's root CIDs.
func (pc *PlainCar) Roots() []cid.Cid {
	out := make([]cid.Cid, len(pc.roots))
	copy(out, pc.roots)
	return out
}

// Cids enumerates the CIDs indexed from the archive file. Write-cached blocks
// are not included.
func (pc *PlainCar) Cids() []cid.Cid {
	pc.indexMu.RLock()
	defer pc.indexMu.RUnlock()
	out := make([]cid.Cid, 0, len(pc.index))
	for c := range pc.index {
		out = append(out, c)
	}
	return out
}

// Len returns the number of blocks indexed from the archive file.
func (pc *PlainCar) Len() int {
	pc.indexMu.RLock()
	defer pc.indexMu.RUnlock()
	return len(pc.index)
}

// HeaviestTipSet assembles the tipset formed by the archive's roots.
func (pc *PlainCar) HeaviestTipSet(ctx context.Context) (*types.TipSet, error) {
	headers := make([]*types.BlockHeader, 0, len(pc.roots))
	for _, c := range pc.roots {
		data, found, err := pc.Get(ctx, c)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.Errorf("root %s not present in archive", c)
		}

		bh, err := types.DecodeBlock(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode root %s", c)
		}
		headers = append(headers, bh)
	}

	return types.NewTipSet(headers)
}

// Close releases the underlying file when the store was opened from a path.
func (pc *PlainCar) Close() error {
	if pc.closer != nil {
		return pc.closer.Close()
	}
	return nil
}
