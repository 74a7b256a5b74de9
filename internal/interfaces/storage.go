package interfaces

import (
	"context"

	"github.com/ternarybob/fleetcrawl/internal/models"
)

// InstanceStorage persists browser instance rows. Used for durability, not coordination.
type InstanceStorage interface {
	SaveInstance(ctx context.Context, instance *models.BrowserInstance) error
	// GetInstance returns models.ErrNotFound when no row exists
	GetInstance(ctx context.Context, id string) (*models.BrowserInstance, error)
	DeleteInstance(ctx context.Context, id string) error
	// ListInstances filters by state; empty state lists everything
	ListInstances(ctx context.Context, state models.InstanceState) ([]*models.BrowserInstance, error)
}

// LoginSessionStorage persists captured login state for restoration
type LoginSessionStorage interface {
	SaveLoginSession(ctx context.Context, session *models.SavedLoginSession) error
	GetLoginSession(ctx context.Context, id string) (*models.SavedLoginSession, error)
	// GetLatestLoginSession returns the most recently saved session, models.ErrNotFound if none
	GetLatestLoginSession(ctx context.Context, sessionID, platform string) (*models.SavedLoginSession, error)
	ListLoginSessions(ctx context.Context, sessionID string) ([]*models.SavedLoginSession, error)
	DeleteLoginSession(ctx context.Context, id string) error
}

// CrawlTaskStorage persists continuous crawl tasks
type CrawlTaskStorage interface {
	SaveTask(ctx context.Context, task *models.ContinuousCrawlTask) error
	GetTask(ctx context.Context, id string) (*models.ContinuousCrawlTask, error)
	// ListTasks returns tasks newest first
	ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.ContinuousCrawlTask, error)
	DeleteTask(ctx context.Context, id string) error
}

// StorageManager - interface for the storage backend
type StorageManager interface {
	InstanceStorage() InstanceStorage
	LoginSessionStorage() LoginSessionStorage
	CrawlTaskStorage() CrawlTaskStorage
	DB() interface{}
	// DiskUsage reports LSM and value-log bytes on disk
	DiskUsage() (lsm, vlog int64)
	Close() error
}
