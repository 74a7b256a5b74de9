package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fleetcrawl/internal/common"
)

// BadgerDB owns the badgerhold store shared by the instance, login session and task
// stores and by the crawl queue
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens the store at config.Path. With ResetOnStartup the directory is wiped
// first, which drops saved logins and continuous tasks along with everything else.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config == nil || config.Path == "" {
		return nil, errors.New("badger path is required")
	}
	path := filepath.Clean(config.Path)

	if config.ResetOnStartup {
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("failed to reset database at %s: %w", path, err)
		}
		logger.Warn().Str("path", path).Msg("Database reset on startup, saved logins and tasks discarded")
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", path, err)
	}

	db := &BadgerDB{store: store, logger: logger, path: path}
	lsm, vlog := db.DiskUsage()
	logger.Debug().
		Str("path", path).
		Int64("lsm_bytes", lsm).
		Int64("vlog_bytes", vlog).
		Msg("Badger database opened")
	return db, nil
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// DiskUsage reports the LSM tree and value log sizes badger last measured
func (b *BadgerDB) DiskUsage() (lsm, vlog int64) {
	if b.store == nil {
		return 0, 0
	}
	return b.store.Badger().Size()
}

func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	if err != nil {
		return fmt.Errorf("failed to close badger database at %s: %w", b.path, err)
	}
	return nil
}
