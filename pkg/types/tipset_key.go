package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	xerrors "github.com/pkg/errors"
	cbg "github.com/whyrusleeping/cbor-gen"
)

// EmptyTSK is the zero-value key, carrying no CIDs.
var EmptyTSK = TipSetKey{}

// The length of a block header CID in bytes.
var blockHeaderCIDLen int

func init() {
	// hash a large string of zeros so we don't estimate based on inlined CIDs.
	var buf [256]byte
	c, err := abi.CidBuilder.Sum(buf[:])
	if err != nil {
		panic(err)
	}
	blockHeaderCIDLen = len(c.Bytes())
}

// A TipSetKey is an immutable collection of CIDs forming a unique key for a tipset.
// The CIDs are assumed to be distinct and in canonical order. Two keys with the same
// CIDs in a different order are not considered equal.
// TipSetKey is a lightweight value type, and may be compared for equality with ==.
type TipSetKey struct {
	// The internal representation is a concatenation of the bytes of the CIDs,
	// which are self-describing, wrapped as a string. This makes the key usable
	// as a map key. The empty key has value "".
	value string
}

// NewTipSetKey builds a new key from a slice of CIDs.
// The CIDs are assumed to be ordered correctly.
func NewTipSetKey(cids ...cid.Cid) TipSetKey {
	encoded := encodeKey(cids)
	return TipSetKey{string(encoded)}
}

// TipSetKeyFromBytes wraps an encoded key, validating correct decoding.
func TipSetKeyFromBytes(encoded []byte) (TipSetKey, error) {
	_, err := decodeKey(encoded)
	if err != nil {
		return EmptyTSK, err
	}
	return TipSetKey{string(encoded)}, nil
}

// Cids returns a slice of the CIDs comprising this key.
func (tsk TipSetKey) Cids() []cid.Cid {
	cids, err := decodeKey([]byte(tsk.value))
	if err != nil {
		panic("invalid tipset key: " + err.Error())
	}
	return cids
}

// String returns a human-readable representation of the key.
func (tsk TipSetKey) String() string {
	b := strings.Builder{}
	b.WriteString("{")
	for _, c := range tsk.Cids() {
		b.WriteString(" " + c.String())
	}
	b.WriteString(" }")
	return b.String()
}

// Bytes returns a binary representation of the key.
func (tsk TipSetKey) Bytes() []byte {
	return []byte(tsk.value)
}

func (tsk TipSetKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(tsk.Cids())
}

func (tsk *TipSetKey) UnmarshalJSON(b []byte) error {
	var cids []cid.Cid
	if err := json.Unmarshal(b, &cids); err != nil {
		return err
	}
	tsk.value = string(encodeKey(cids))
	return nil
}

func (tsk TipSetKey) IsEmpty() bool {
	return len(tsk.value) == 0
}

// Equals checks whether the set contains exactly the same CIDs as another.
func (tsk TipSetKey) Equals(other TipSetKey) bool {
	return tsk.value == other.value
}

// Has checks whether the set contains `id`.
func (tsk TipSetKey) Has(id cid.Cid) bool {
	for _, c := range tsk.Cids() {
		if c == id {
			return true
		}
	}
	return false
}

// ContainsAll checks if another set is a subset of this one.
func (tsk TipSetKey) ContainsAll(other TipSetKey) bool {
	for _, c := range other.Cids() {
		if !tsk.Has(c) {
			return false
		}
	}
	return true
}

func (tsk *TipSetKey) UnmarshalCBOR(r io.Reader) error {
	br := cbg.GetPeeker(r)
	scratch := make([]byte, 8)
	maj, extra, err := cbg.CborReadHeaderBuf(br, scratch)
	if err != nil {
		return err
	}

	if extra > cbg.MaxLength {
		return fmt.Errorf("tipset key: array too large (%d)", extra)
	}

	if maj != cbg.MajArray {
		return fmt.Errorf("expected cbor array")
	}

	tsk.value = ""
	if extra > 0 {
		cids := make([]cid.Cid, extra)
		for i := 0; i < int(extra); i++ {
			c, err := cbg.ReadCid(br)
			if err != nil {
				return xerrors.Wrap(err, "reading tipset key cid")
			}
			cids[i] = c
		}
		tsk.value = string(encodeKey(cids))
	}
	return nil
}

func (tsk TipSetKey) MarshalCBOR(w io.Writer) error {
	cids := tsk.Cids()
	if len(cids) > cbg.MaxLength {
		return xerrors.New("tipset key too long to marshal")
	}
	scratch := make([]byte, 9)

	if err := cbg.WriteMajorTypeHeaderBuf(scratch, w, cbg.MajArray, uint64(len(cids))); err != nil {
		return err
	}
	for _, v := range cids {
		if err := cbg.WriteCidBuf(scratch, w, v); err != nil {
			return xerrors.Wrap(err, "writing tipset key cid")
		}
	}
	return nil
}

func encodeKey(cids []cid.Cid) []byte {
	buffer := new(bytes.Buffer)
	for _, c := range cids {
		// bytes.Buffer.Write() err is documented to be always nil.
		_, _ = buffer.Write(c.Bytes())
	}
	return buffer.Bytes()
}

func decodeKey(encoded []byte) ([]cid.Cid, error) {
	// To avoid reallocation of the underlying array, estimate the number of CIDs
	// to be extracted by dividing the encoded length by the expected CID length.
	estimatedCount := len(encoded) / blockHeaderCIDLen
	cids := make([]cid.Cid, 0, estimatedCount)
	nextIdx := 0
	for nextIdx < len(encoded) {
		nr, c, err := cid.CidFromBytes(encoded[nextIdx:])
		if err != nil {
			return nil, err
		}
		cids = append(cids, c)
		nextIdx += nr
	}
	return cids, nil
}
