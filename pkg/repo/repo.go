package repo

import (
	"github.com/ipfs/go-datastore"

	"github.com/simbahebinbo/forest/pkg/config"
	"github.com/simbahebinbo/forest/pkg/db/rolling"
)

// Datastore is the datastore interface provided by the repo
type Datastore interface {
	// NB: there are other more featureful interfaces we could require here, we
	// can either force it, or just do hopeful type checks. Not all datastores
	// implement every feature.
	datastore.Batching
}

// Repo is a representation of all persistent data in a node.
type Repo interface {
	Config() *config.Config
	// ReplaceConfig replaces the current config, with the newly passed in one.
	ReplaceConfig(cfg *config.Config) error

	// Datastore is the composite block storage: the persistent store backed
	// by the rolling partitions.
	Datastore() *rolling.ProxyStore

	// ChainDatastore is a specific storage solution, only used to store already validated chain data.
	ChainDatastore() Datastore

	// Version returns the current repo version.
	Version() uint

	// Path returns the repo path.
	Path() (string, error)

	// Close shuts down the repo.
	Close() error
}
