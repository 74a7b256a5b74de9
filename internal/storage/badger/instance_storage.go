package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// InstanceStorage implements the InstanceStorage interface for Badger
type InstanceStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewInstanceStorage creates a new InstanceStorage
func NewInstanceStorage(db *BadgerDB, logger arbor.ILogger) interfaces.InstanceStorage {
	return &InstanceStorage{
		db:     db,
		logger: logger,
	}
}

func (s *InstanceStorage) SaveInstance(ctx context.Context, instance *models.BrowserInstance) error {
	if instance.ID == "" {
		return fmt.Errorf("%w: instance ID is required", models.ErrInvalidInput)
	}
	if err := s.db.Store().Upsert(instance.ID, instance); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

func (s *InstanceStorage) GetInstance(ctx context.Context, id string) (*models.BrowserInstance, error) {
	var instance models.BrowserInstance
	if err := s.db.Store().Get(id, &instance); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: instance %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return &instance, nil
}

func (s *InstanceStorage) DeleteInstance(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.BrowserInstance{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete instance: %w", err)
	}
	return nil
}

func (s *InstanceStorage) ListInstances(ctx context.Context, state models.InstanceState) ([]*models.BrowserInstance, error) {
	query := badgerhold.Where("ID").Ne("")
	if state != "" {
		query = query.And("State").Eq(state)
	}
	query = query.SortBy("CreatedAt").Reverse()

	var instances []models.BrowserInstance
	if err := s.db.Store().Find(&instances, query); err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	result := make([]*models.BrowserInstance, len(instances))
	for i := range instances {
		result[i] = &instances[i]
	}
	return result, nil
}
