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

// LoginSessionStorage implements the LoginSessionStorage interface for Badger
type LoginSessionStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewLoginSessionStorage creates a new LoginSessionStorage
func NewLoginSessionStorage(db *BadgerDB, logger arbor.ILogger) interfaces.LoginSessionStorage {
	return &LoginSessionStorage{
		db:     db,
		logger: logger,
	}
}

func (s *LoginSessionStorage) SaveLoginSession(ctx context.Context, session *models.SavedLoginSession) error {
	if session.ID == "" || session.SessionID == "" {
		return fmt.Errorf("%w: saved session requires ID and session ID", models.ErrInvalidInput)
	}
	if err := s.db.Store().Upsert(session.ID, session); err != nil {
		return fmt.Errorf("failed to save login session: %w", err)
	}
	return nil
}

func (s *LoginSessionStorage) GetLoginSession(ctx context.Context, id string) (*models.SavedLoginSession, error) {
	var session models.SavedLoginSession
	if err := s.db.Store().Get(id, &session); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: login session %s", models.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get login session: %w", err)
	}
	return &session, nil
}

func (s *LoginSessionStorage) GetLatestLoginSession(ctx context.Context, sessionID, platform string) (*models.SavedLoginSession, error) {
	query := badgerhold.Where("SessionID").Eq(sessionID).
		And("Platform").Eq(platform).
		SortBy("SavedAt").Reverse().
		Limit(1)

	var sessions []models.SavedLoginSession
	if err := s.db.Store().Find(&sessions, query); err != nil {
		return nil, fmt.Errorf("failed to find login session: %w", err)
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: no saved login for session %s on %s", models.ErrNotFound, sessionID, platform)
	}
	return &sessions[0], nil
}

func (s *LoginSessionStorage) ListLoginSessions(ctx context.Context, sessionID string) ([]*models.SavedLoginSession, error) {
	query := badgerhold.Where("SessionID").Eq(sessionID).SortBy("SavedAt").Reverse()

	var sessions []models.SavedLoginSession
	if err := s.db.Store().Find(&sessions, query); err != nil {
		return nil, fmt.Errorf("failed to list login sessions: %w", err)
	}

	result := make([]*models.SavedLoginSession, len(sessions))
	for i := range sessions {
		result[i] = &sessions[i]
	}
	return result, nil
}

func (s *LoginSessionStorage) DeleteLoginSession(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.SavedLoginSession{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete login session: %w", err)
	}
	return nil
}
