package repo

import (
	"context"
	"sync"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"

	"github.com/simbahebinbo/forest/pkg/config"
	"github.com/simbahebinbo/forest/pkg/db"
	"github.com/simbahebinbo/forest/pkg/db/rolling"
)

// MemRepo is an in-memory implementation of the repo interface.
type MemRepo struct {
	// lk guards the config
	lk      sync.RWMutex
	C       *config.Config
	D       *rolling.ProxyStore
	Chain   Datastore
	version uint
}

var _ Repo = (*MemRepo)(nil)

// NewInMemoryRepo makes a new instance of MemRepo
func NewInMemoryRepo() *MemRepo {
	cfg := config.NewDefaultConfig()
	rollingStore, _ := rolling.NewRollingStore(context.TODO(), rolling.NewMemoryPartitionOpener(), cfg.Storage.RollingCapacity)
	return &MemRepo{
		C:       cfg,
		D:       rolling.NewProxyStore(db.NewMemoryStore(), rollingStore),
		Chain:   dss.MutexWrap(datastore.NewMapDatastore()),
		version: LatestVersion,
	}
}

// Config returns the configuration object.
func (mr *MemRepo) Config() *config.Config {
	mr.lk.RLock()
	defer mr.lk.RUnlock()

	return mr.C
}

// ReplaceConfig replaces the current config with the newly passed in one.
func (mr *MemRepo) ReplaceConfig(cfg *config.Config) error {
	mr.lk.Lock()
	defer mr.lk.Unlock()

	mr.C = cfg

	return nil
}

// Datastore returns the composite block storage.
func (mr *MemRepo) Datastore() *rolling.ProxyStore {
	return mr.D
}

// ChainDatastore returns the chain datastore.
func (mr *MemRepo) ChainDatastore() Datastore {
	return mr.Chain
}

// Version returns the version of the repo.
func (mr *MemRepo) Version() uint {
	return mr.version
}

// Path returns the default path.
func (mr *MemRepo) Path() (string, error) {
	return "", nil
}

// Close shuts down the repo's stores.
func (mr *MemRepo) Close() error {
	return mr.D.Rolling().Close()
}
