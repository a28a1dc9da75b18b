package constants

import (
	"github.com/filecoin-project/go-state-types/abi"
	mh "github.com/multiformats/go-multihash"
	"github.com/raulk/clock"
)

// Clock is the global clock for the system. In standard builds it is the real
// time; tests may swap it out for a fake clock.
var Clock = clock.New()

const (
	// MainNetBlockDelay is the protocol block production interval in seconds.
	MainNetBlockDelay = uint64(30)

	// EpochsInDay is the number of epochs produced in one day at the
	// standard block delay. Rolling store partitions cover one such window.
	EpochsInDay = abi.ChainEpoch(2880)

	// DefaultHashFunction is the multihash all chain objects are keyed with.
	DefaultHashFunction = uint64(mh.BLAKE2B_MIN + 31)
)
