package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db           *BadgerDB
	instance     interfaces.InstanceStorage
	loginSession interfaces.LoginSessionStorage
	crawlTask    interfaces.CrawlTaskStorage
	logger       arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")
	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:           db,
		instance:     NewInstanceStorage(db, logger),
		loginSession: NewLoginSessionStorage(db, logger),
		crawlTask:    NewCrawlTaskStorage(db, logger),
		logger:       logger,
	}
}

// InstanceStorage returns the browser instance storage
func (m *Manager) InstanceStorage() interfaces.InstanceStorage {
	return m.instance
}

// LoginSessionStorage returns the saved login session storage
func (m *Manager) LoginSessionStorage() interfaces.LoginSessionStorage {
	return m.loginSession
}

// CrawlTaskStorage returns the continuous crawl task storage
func (m *Manager) CrawlTaskStorage() interfaces.CrawlTaskStorage {
	return m.crawlTask
}

// DB returns the underlying badgerhold store
func (m *Manager) DB() interface{} {
	if m.db != nil {
		return m.db.Store()
	}
	return nil
}

func (m *Manager) DiskUsage() (lsm, vlog int64) {
	if m.db == nil {
		return 0, 0
	}
	return m.db.DiskUsage()
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
