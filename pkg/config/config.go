package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config is an in-memory representation of the node's config.json, scoped to
// the storage layer.
type Config struct {
	Storage *StorageConfig `json:"storage"`
}

// StorageConfig holds the rolling-store and collection settings.
type StorageConfig struct {
	// RollingCapacity bounds how many retention buckets the rolling store
	// keeps open at once.
	RollingCapacity int `json:"rollingCapacity"`
	// RecentRoots is how many epochs of messages and state trees below the
	// chain head a collection carries over.
	RecentRoots int64 `json:"recentRoots"`
	// GCInterval is how often the passive collection loop sizes the store,
	// as a Go duration string.
	GCInterval string `json:"gcInterval"`
	// EnableGC turns the passive collection loop on.
	EnableGC bool `json:"enableGC"`
}

func newDefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		RollingCapacity: 3,
		RecentRoots:     2000,
		GCInterval:      "10m",
		EnableGC:        true,
	}
}

// ParseGCInterval parses the configured collection interval.
func (cfg *StorageConfig) ParseGCInterval() (time.Duration, error) {
	d, err := time.ParseDuration(cfg.GCInterval)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid gcInterval %q", cfg.GCInterval)
	}
	return d, nil
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values.
func NewDefaultConfig() *Config {
	return &Config{
		Storage: newDefaultStorageConfig(),
	}
}

// WriteFile writes the config to the given file path.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close() // nolint: errcheck

	configString, err := json.MarshalIndent(*cfg, "", "\t")
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(f, string(configString))
	return err
}

// ReadFile reads a config file from disk. Missing sections and fields keep
// their default values.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	cfg := NewDefaultConfig()
	rawConfig, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(rawConfig) == 0 {
		return cfg, nil
	}

	err = json.Unmarshal(rawConfig, &cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}
