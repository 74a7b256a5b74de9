package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	"github.com/ternarybob/fleetcrawl/internal/services/continuous"
	"github.com/ternarybob/fleetcrawl/internal/services/login"
	"github.com/ternarybob/fleetcrawl/internal/services/pool"
)

// CreateRequest describes a new browser instance
type CreateRequest struct {
	SessionID string
	Platform  string
	TTL       time.Duration
	Headless  *bool
	UserAgent string
	// SkipRestore disables login restoration for this instance
	SkipRestore bool
}

// CreateResult is the new instance plus what happened during restoration
type CreateResult struct {
	Instance  *models.BrowserInstance `json:"instance"`
	Restore   *models.RestoreResult   `json:"restore,omitempty"`
	AutoCrawl *NavigationOutcome      `json:"auto_crawl,omitempty"`
}

// CreateInstance launches an instance, replays the session's saved login and, when the
// restore succeeds, runs the landed page through the auto-crawl hook
func (a *App) CreateInstance(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.SessionID == "" || req.Platform == "" {
		return nil, fmt.Errorf("%w: session id and platform are required", models.ErrInvalidInput)
	}

	inst, err := a.Pool.Create(ctx, req.SessionID, req.Platform, pool.CreateOptions{
		TTL:       req.TTL,
		Headless:  req.Headless,
		UserAgent: req.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	result := &CreateResult{Instance: inst}

	if !a.Config.Login.RestoreOnCreate || req.SkipRestore {
		return result, nil
	}

	logger := a.Logger.WithCorrelationId(inst.ID)

	// Navigation performed by the restorer is evaluated once, below
	release := a.nav.suppress(inst.ID)
	err = a.Pool.WithPage(ctx, inst.ID, func(ctx context.Context, page interfaces.BrowserPage) error {
		restored, err := a.Restorer.Restore(ctx, inst.ID, req.SessionID, req.Platform, page)
		if err != nil {
			return err
		}
		result.Restore = restored
		return nil
	})
	release()
	if err != nil {
		// the instance itself is usable; restoration is best effort
		logger.Warn().Err(err).Msg("Login restore failed")
		return result, nil
	}

	if result.Restore.Restored && a.Config.Login.AutoCrawlOnRestore && crawlableURL(result.Restore.LandedURL) {
		outcome, err := a.evaluate(ctx, inst, inst.ActivePageID, result.Restore.LandedURL, models.TriggerAuto)
		if err != nil {
			logger.Warn().Err(err).Str("url", result.Restore.LandedURL).Msg("Auto-crawl after restore failed")
		}
		result.AutoCrawl = outcome
	}

	if current, err := a.Pool.Get(ctx, inst.ID); err == nil {
		result.Instance = current
	}
	return result, nil
}

// GetInstance returns a snapshot of a live instance
func (a *App) GetInstance(ctx context.Context, id string) (*models.BrowserInstance, error) {
	return a.Pool.Get(ctx, id)
}

// ListInstances returns snapshots of every live instance
func (a *App) ListInstances() []models.BrowserInstance {
	return a.Pool.List()
}

// CloseInstance closes an instance and stops the continuous tasks bound to it.
// It returns false when the instance was not live.
func (a *App) CloseInstance(ctx context.Context, id string) bool {
	return a.Pool.Close(ctx, id, models.CloseReasonExplicit)
}

// Navigate loads url in the instance's active page and returns the landed URL
func (a *App) Navigate(ctx context.Context, id, url string, wait interfaces.WaitCondition) (string, error) {
	return a.Pool.Navigate(ctx, id, url, wait)
}

// ExecuteScript evaluates script in the active page
func (a *App) ExecuteScript(ctx context.Context, id, script string) (interface{}, error) {
	return a.Pool.EvaluateScript(ctx, id, script)
}

func (a *App) Screenshot(ctx context.Context, id string, fullPage bool) ([]byte, error) {
	return a.Pool.Screenshot(ctx, id, fullPage)
}

func (a *App) GetCookies(ctx context.Context, id string) ([]models.Cookie, error) {
	return a.Pool.GetCookies(ctx, id)
}

func (a *App) SetCookies(ctx context.Context, id string, cookies []models.Cookie) error {
	return a.Pool.SetCookies(ctx, id, cookies)
}

// CheckLoginStatus detects login on the active page, publishes the verdict to every open
// page and saves the login state when the verdict is confident enough
func (a *App) CheckLoginStatus(ctx context.Context, id string) (*models.LoginStatus, error) {
	inst, err := a.Pool.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	logger := a.Logger.WithCorrelationId(id)

	var status *models.LoginStatus
	err = a.Pool.WithSession(ctx, id, func(ctx context.Context, active interfaces.BrowserPage, pages []interfaces.BrowserPage) error {
		detected, err := a.Detector.Detect(ctx, inst.Platform, active)
		if err != nil {
			return err
		}
		detected.InstanceID = id
		status = detected

		if n, err := login.Broadcast(ctx, pages, status); err != nil {
			logger.Debug().Err(err).Int("pages", n).Msg("Login status broadcast incomplete")
		}

		if status.IsLoggedIn && status.Confidence >= a.Config.Login.SaveThreshold {
			if _, err := a.Restorer.Save(ctx, inst.SessionID, inst.Platform, active, status); err != nil {
				logger.Warn().Err(err).Msg("Failed to save login session")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug().
		Str("platform", inst.Platform).
		Bool("logged_in", status.IsLoggedIn).
		Str("method", string(status.Method)).
		Int("confidence", status.Confidence).
		Msg("Login status checked")
	return status, nil
}

// ContinuousRequest starts a user-initiated continuous crawl on an instance
type ContinuousRequest struct {
	InstanceID string
	UserID     string
	URL        string // empty = the instance's active page URL
	Config     *models.TaskConfig
}

// StartContinuousCrawl starts polling a page the user is on
func (a *App) StartContinuousCrawl(ctx context.Context, req ContinuousRequest) (*models.ContinuousCrawlTask, error) {
	inst, err := a.Pool.Get(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}

	target := req.URL
	if target == "" {
		err := a.Pool.WithPage(ctx, inst.ID, func(ctx context.Context, page interfaces.BrowserPage) error {
			current, err := page.URL(ctx)
			target = current
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	return a.Continuous.Start(ctx, continuous.StartRequest{
		SessionID:   inst.SessionID,
		UserID:      req.UserID,
		InstanceID:  inst.ID,
		URL:         target,
		Platform:    a.platformFor(inst, target),
		TriggerType: models.TriggerUser,
		Config:      req.Config,
	})
}

func (a *App) StopContinuousCrawl(ctx context.Context, taskID string) error {
	return a.Continuous.Stop(ctx, taskID)
}

func (a *App) PauseContinuousCrawl(ctx context.Context, taskID string) error {
	return a.Continuous.Pause(ctx, taskID)
}

func (a *App) ResumeContinuousCrawl(ctx context.Context, taskID string) error {
	return a.Continuous.Resume(ctx, taskID)
}

// GetContinuousTask returns one task by ID
func (a *App) GetContinuousTask(ctx context.Context, taskID string) (*models.ContinuousCrawlTask, error) {
	return a.Continuous.Get(ctx, taskID)
}

// ListContinuousTasks lists tasks matching filter
func (a *App) ListContinuousTasks(ctx context.Context, filter models.TaskFilter) ([]*models.ContinuousCrawlTask, error) {
	return a.Continuous.List(ctx, filter)
}

// PoolStats returns a snapshot of pool occupancy
func (a *App) PoolStats() models.PoolStats {
	return a.Pool.Stats()
}

// TaskStats returns scheduler counts plus queue depth and tracked pages
func (a *App) TaskStats(ctx context.Context) (models.TaskStats, error) {
	stats, err := a.Continuous.Stats(ctx)
	if err != nil {
		return stats, err
	}
	queued, err := a.Queue.Len(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to read queue depth: %w", err)
	}
	stats.QueuedJobs = queued
	stats.TrackedPages = a.nav.tracked()
	return stats, nil
}
