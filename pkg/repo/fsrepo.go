package repo

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	badgerds "github.com/ipfs/go-ds-badger2"
	lockfile "github.com/ipfs/go-fs-lock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/simbahebinbo/forest/pkg/config"
	"github.com/simbahebinbo/forest/pkg/db"
	"github.com/simbahebinbo/forest/pkg/db/rolling"
)

// LatestVersion is the number of the latest repo version.
const LatestVersion uint = 1

const (
	configFilename     = "config.json"
	tempConfigFilename = ".config.json.temp"
	lockFile           = "repo.lock"
	versionFilename    = "version"

	chainDatastorePrefix  = "chain"
	persistentStorePrefix = "persistent"
	rollingStorePrefix    = "rolling"
)

var log = logging.Logger("repo")

// FSRepo is a repo implementation backed by a filesystem.
type FSRepo struct {
	// Path to the repo root directory.
	path    string
	version uint

	// lk protects the config file
	lk  sync.RWMutex
	cfg *config.Config

	chainDs      Datastore
	persistent   *db.BadgerStore
	rollingStore *rolling.RollingStore
	proxy        *rolling.ProxyStore

	// lockfile is the file system lock to prevent others from opening the same repo.
	lockfile io.Closer
}

var _ Repo = (*FSRepo)(nil)

// InitFSRepo initializes a new repo at the target path with the provided
// configuration (the default config when nil). The target path must not
// exist, or must reference an empty, read/writable directory.
func InitFSRepo(targetPath string, version uint, cfg *config.Config) error {
	repoPath, err := homedir.Expand(targetPath)
	if err != nil {
		return err
	}

	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	if err := ensureWritableDirectory(repoPath); err != nil {
		return errors.Wrap(err, "no writable directory")
	}

	empty, err := isEmptyDir(repoPath)
	if err != nil {
		return errors.Wrapf(err, "failed to list repo directory %s", repoPath)
	}
	if !empty {
		return fmt.Errorf("refusing to initialize repo in non-empty directory %s", repoPath)
	}

	if err := WriteVersion(repoPath, version); err != nil {
		return errors.Wrap(err, "initializing repo version failed")
	}

	if err := initConfig(repoPath, cfg); err != nil {
		return errors.Wrap(err, "initializing config file failed")
	}

	return nil
}

// OpenFSRepo opens an initialized fsrepo, expecting a specific version.
func OpenFSRepo(repoPath string, version uint) (*FSRepo, error) {
	repoPath, err := homedir.Expand(repoPath)
	if err != nil {
		return nil, err
	}

	hasConfig, err := hasConfig(repoPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check for repo config")
	}
	if !hasConfig {
		return nil, errors.Errorf("no repo found at %s", repoPath)
	}

	r := &FSRepo{path: repoPath, version: version}

	r.lockfile, err = lockfile.Lock(r.path, lockFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take repo lock")
	}

	if err := r.loadFromDisk(); err != nil {
		_ = r.lockfile.Close()
		return nil, err
	}

	log.Infof("repo open at %s, rolling capacity %d", r.path, r.cfg.Storage.RollingCapacity)

	return r, nil
}

func (r *FSRepo) loadFromDisk() error {
	localVersion, err := r.readVersion()
	if err != nil {
		return errors.Wrap(err, "failed to read version")
	}

	if localVersion < r.version {
		return fmt.Errorf("out of date repo version, got %d expected %d", localVersion, r.version)
	}
	if localVersion > r.version {
		return fmt.Errorf("binary needs update to handle repo version, got %d expected %d", localVersion, r.version)
	}

	if err := r.loadConfig(); err != nil {
		return errors.Wrap(err, "failed to load config file")
	}

	if err := r.openDatastores(); err != nil {
		return errors.Wrap(err, "failed to open datastores")
	}

	return nil
}

// Config returns the configuration object.
func (r *FSRepo) Config() *config.Config {
	r.lk.RLock()
	defer r.lk.RUnlock()

	return r.cfg
}

// ReplaceConfig replaces the current config with the newly passed in one.
func (r *FSRepo) ReplaceConfig(cfg *config.Config) error {
	r.lk.Lock()
	defer r.lk.Unlock()

	r.cfg = cfg
	tmp := filepath.Join(r.path, tempConfigFilename)
	err := os.RemoveAll(tmp)
	if err != nil {
		return err
	}
	err = r.cfg.WriteFile(tmp)
	if err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(r.path, configFilename))
}

// Datastore returns the composite block storage.
func (r *FSRepo) Datastore() *rolling.ProxyStore {
	return r.proxy
}

// ChainDatastore returns the chain datastore.
func (r *FSRepo) ChainDatastore() Datastore {
	return r.chainDs
}

// Version returns the version of the repo
func (r *FSRepo) Version() uint {
	return r.version
}

// Path returns the path the fsrepo is at
func (r *FSRepo) Path() (string, error) {
	return r.path, nil
}

// Close closes the repo.
func (r *FSRepo) Close() error {
	if err := r.rollingStore.Close(); err != nil {
		return errors.Wrap(err, "failed to close rolling store")
	}

	if err := r.persistent.Close(); err != nil {
		return errors.Wrap(err, "failed to close persistent store")
	}

	if err := r.chainDs.Close(); err != nil {
		return errors.Wrap(err, "failed to close chain datastore")
	}

	return r.lockfile.Close()
}

// Tests whether a repo directory contains the expected config file.
func hasConfig(p string) (bool, error) {
	configPath := filepath.Join(p, configFilename)

	_, err := os.Lstat(configPath)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (r *FSRepo) loadConfig() error {
	configFile := filepath.Join(r.path, configFilename)

	cfg, err := config.ReadFile(configFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file at %q", configFile)
	}

	r.cfg = cfg
	return nil
}

// readVersion reads the repo's version file (but does not change r.version).
func (r *FSRepo) readVersion() (uint, error) {
	content, err := ReadVersion(r.path)
	if err != nil {
		return 0, err
	}

	version, err := strconv.Atoi(content)
	if err != nil {
		return 0, errors.New("corrupt version file: version is not an integer")
	}

	return uint(version), nil
}

func (r *FSRepo) openDatastores() error {
	ctx := context.TODO()

	chainDs, err := badgerds.NewDatastore(filepath.Join(r.path, chainDatastorePrefix), badgerOptions())
	if err != nil {
		return errors.Wrap(err, "failed to open chain datastore")
	}
	r.chainDs = chainDs

	persistent, err := db.NewBadgerStore(filepath.Join(r.path, persistentStorePrefix))
	if err != nil {
		return errors.Wrap(err, "failed to open persistent store")
	}
	r.persistent = persistent

	opener := rolling.NewBadgerPartitionOpener(filepath.Join(r.path, rollingStorePrefix))
	rollingStore, err := rolling.NewRollingStore(ctx, opener, r.cfg.Storage.RollingCapacity)
	if err != nil {
		return errors.Wrap(err, "failed to open rolling store")
	}
	r.rollingStore = rollingStore

	r.proxy = rolling.NewProxyStore(persistent, rollingStore)

	return nil
}

// WriteVersion writes the given version to the repo version file.
func WriteVersion(p string, version uint) error {
	return ioutil.WriteFile(filepath.Join(p, versionFilename), []byte(strconv.Itoa(int(version))), 0644)
}

// ReadVersion returns the unparsed (string) version
// from the version file in the specified repo.
func ReadVersion(repoPath string) (string, error) {
	file, err := ioutil.ReadFile(filepath.Join(repoPath, versionFilename))
	if err != nil {
		return "", err
	}
	return strings.Trim(string(file), "\n"), nil
}

func initConfig(p string, cfg *config.Config) error {
	configFile := filepath.Join(p, configFilename)
	exists, err := fileExists(configFile)
	if err != nil {
		return errors.Wrap(err, "error inspecting config file")
	} else if exists {
		return fmt.Errorf("config file already exists: %s", configFile)
	}

	return cfg.WriteFile(configFile)
}

// Ensures that path points to a read/writable directory, creating it if necessary.
func ensureWritableDirectory(path string) error {
	// Attempt to create the requested directory, accepting that something might already be there.
	err := os.Mkdir(path, 0775)

	if err == nil {
		return nil // Skip the checks below, we just created it.
	} else if !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create directory %s", path)
	}

	// Inspect existing directory.
	stat, err := os.Stat(path)
	if err != nil {
		return errors.Wrapf(err, "failed to stat path \"%s\"", path)
	}
	if !stat.IsDir() {
		return errors.Errorf("%s is not a directory", path)
	}
	if (stat.Mode() & 0600) != 0600 {
		return errors.Errorf("insufficient permissions for path %s, got %04o need %04o", path, stat.Mode(), 0600)
	}
	return nil
}

// Tests whether the directory at path is empty
func isEmptyDir(path string) (bool, error) {
	infos, err := ioutil.ReadDir(path)
	if err != nil {
		return false, err
	}
	return len(infos) == 0, nil
}

func fileExists(file string) (bool, error) {
	_, err := os.Stat(file)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func badgerOptions() *badgerds.Options {
	result := &badgerds.DefaultOptions
	result.Truncate = true
	return result
}
