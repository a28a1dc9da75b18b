package chain

import (
	"encoding/hex"

	"github.com/ipfs/go-cid"
	blake2b "github.com/minio/blake2b-simd"

	"github.com/simbahebinbo/forest/pkg/types"
)

// Genesis blocks of the networks we ship checkpoints for.
const (
	mainnetGenesisCid  = "bafy2bzacecnamqgqmifpluoeldx7zzglxcljo6oja4vrmtj7432rphldpdmm2"
	calibnetGenesisCid = "bafy2bzacecyaggy24wol5ruvs6qm73gjibs2l2iyhcqmvi7r7a4ph7zx3yqd4"
)

// TipsetHash values of well-known historical tipsets.
const (
	// mainnet, epoch 2325300
	mainnetCheckpoint = "319f2351ceaf78fbcc8688dc75a19bdf8ee6e895e547ff5cc2f7b18a3a36b65ff94c1860733137d0244352f82ba6fd9672aec14deee358e7cf6e088bf89a28b1"
	// calibration network, epoch 1405400
	calibnetCheckpoint = "7930ad8bf32b35314b3bc47b9e25249af8ec6ba7f5544c05e8b5bd3b3ec09f76df8bd2278f9b318badf1a08d0a468abd55130465c6c55f99e67badc0e614ca79"
)

// CheckpointRegistry maps hashes of well-known tipsets to the genesis key of
// the chain they belong to. A lookback walk that lands on a registered
// tipset can jump straight to genesis instead of validating the rest of the
// chain below it.
//
// The registry is populated before it is handed to a ChainIndex and is
// read-only afterwards; Add must not race with lookups.
type CheckpointRegistry struct {
	checkpoints map[string]types.TipSetKey
}

// NewCheckpointRegistry returns an empty registry.
func NewCheckpointRegistry() *CheckpointRegistry {
	return &CheckpointRegistry{
		checkpoints: make(map[string]types.TipSetKey),
	}
}

// DefaultCheckpoints returns a registry preloaded with the known mainnet and
// calibration network checkpoints.
func DefaultCheckpoints() *CheckpointRegistry {
	registry := NewCheckpointRegistry()
	registry.checkpoints[mainnetCheckpoint] = types.NewTipSetKey(mustParseCid(mainnetGenesisCid))
	registry.checkpoints[calibnetCheckpoint] = types.NewTipSetKey(mustParseCid(calibnetGenesisCid))
	return registry
}

// Add registers tsk as a checkpoint on the chain rooted at genesis.
func (r *CheckpointRegistry) Add(tsk types.TipSetKey, genesis types.TipSetKey) {
	r.checkpoints[TipsetHash(tsk)] = genesis
}

// GenesisForCheckpoint resolves a tipset key against the registry. The
// second return is false when the tipset is not a registered checkpoint.
func (r *CheckpointRegistry) GenesisForCheckpoint(tsk types.TipSetKey) (types.TipSetKey, bool) {
	genesis, ok := r.checkpoints[TipsetHash(tsk)]
	return genesis, ok
}

// Len returns the number of registered checkpoints.
func (r *CheckpointRegistry) Len() int {
	return len(r.checkpoints)
}

// TipsetHash is the identity under which a tipset is registered as a
// checkpoint: the hex digest of blake2b-512 over the concatenated bytes of
// the member block CIDs.
func TipsetHash(tsk types.TipSetKey) string {
	var buf []byte
	for _, c := range tsk.Cids() {
		buf = append(buf, c.Bytes()...)
	}
	digest := blake2b.Sum512(buf)
	return hex.EncodeToString(digest[:])
}

func mustParseCid(s string) cid.Cid {
	c, err := cid.Decode(s)
	if err != nil {
		panic(err)
	}
	return c
}
