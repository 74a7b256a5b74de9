package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// CrawlTaskStorage implements the CrawlTaskStorage interface for Badger
type CrawlTaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrawlTaskStorage creates a new CrawlTaskStorage
func NewCrawlTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CrawlTaskStorage {
	return &CrawlTaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CrawlTaskStorage) SaveTask(ctx context.Context, task *models.ContinuousCrawlTask) error {
	if task.ID == "" {
		return fmt.Errorf("%w: task ID is required", models.ErrInvalidInput)
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	if err := s.db.Store().Upsert(task.ID, task); err != nil {
		return fmt.Errorf("failed to save crawl task: %w", err)
	}
	return nil
}

func (s *CrawlTaskStorage) GetTask(ctx context.Context, id string) (*models.ContinuousCrawlTask, error) {
	var task models.ContinuousCrawlTask
	if err := s.db.Store().Get(id, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: crawl task %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get crawl task: %w", err)
	}
	return &task, nil
}

func (s *CrawlTaskStorage) ListTasks(ctx context.Context, filter models.TaskFilter) ([]*models.ContinuousCrawlTask, error) {
	query := badgerhold.Where("ID").Ne("")
	if filter.SessionID != "" {
		query = query.And("SessionID").Eq(filter.SessionID)
	}
	if filter.InstanceID != "" {
		query = query.And("InstanceID").Eq(filter.InstanceID)
	}
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	query = query.SortBy("CreatedAt").Reverse()
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var tasks []models.ContinuousCrawlTask
	if err := s.db.Store().Find(&tasks, query); err != nil {
		return nil, fmt.Errorf("failed to list crawl tasks: %w", err)
	}

	result := make([]*models.ContinuousCrawlTask, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result, nil
}

func (s *CrawlTaskStorage) DeleteTask(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.ContinuousCrawlTask{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete crawl task: %w", err)
	}
	return nil
}
