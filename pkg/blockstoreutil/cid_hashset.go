package blockstoreutil

import (
	"hash/maphash"

	"github.com/ipfs/go-cid"
)

// CidHashSet remembers CIDs by a 64-bit hash of their byte representation,
// holding a fixed 8 bytes per entry no matter how large the CIDs are. Graph
// walks over millions of blocks visit each CID once; the full keys are never
// needed again, so hash collisions only risk re-skipping an already rare
// duplicate. Not safe for concurrent use.
type CidHashSet struct {
	seed maphash.Seed
	set  map[uint64]struct{}
}

// NewCidHashSet initializes and returns a new CidHashSet.
func NewCidHashSet() *CidHashSet {
	return &CidHashSet{
		seed: maphash.MakeSeed(),
		set:  make(map[uint64]struct{}),
	}
}

func (s *CidHashSet) hash(c cid.Cid) uint64 {
	return maphash.Bytes(s.seed, c.Bytes())
}

// Visit adds a Cid to the set, reporting whether it was newly added.
func (s *CidHashSet) Visit(c cid.Cid) bool {
	h := s.hash(c)
	if _, ok := s.set[h]; ok {
		return false
	}
	s.set[h] = struct{}{}
	return true
}

// Has returns if the set contains a given Cid.
func (s *CidHashSet) Has(c cid.Cid) bool {
	_, ok := s.set[s.hash(c)]
	return ok
}

// Len returns how many elements the set has.
func (s *CidHashSet) Len() int {
	return len(s.set)
}
