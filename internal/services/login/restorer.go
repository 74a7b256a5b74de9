package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	"github.com/ternarybob/fleetcrawl/internal/platforms"
)

var navigationWaits = []interfaces.WaitCondition{
	interfaces.WaitLoad,
	interfaces.WaitDOMContentLoaded,
	interfaces.WaitCommit,
}

// Restorer captures authenticated state from a page and replays it into fresh instances
type Restorer struct {
	detector *Detector
	store    interfaces.LoginSessionStorage
	catalog  *platforms.Catalog
	cfg      common.LoginConfig
	logger   arbor.ILogger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRestorer creates a restorer that verifies restored state with detector
func NewRestorer(detector *Detector, store interfaces.LoginSessionStorage, catalog *platforms.Catalog, cfg common.LoginConfig, logger arbor.ILogger) *Restorer {
	return &Restorer{
		detector: detector,
		store:    store,
		catalog:  catalog,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Save captures cookies, both storages and the current URL of page. The latest record for
// the session and platform is updated in place so restore counters carry over.
func (r *Restorer) Save(ctx context.Context, sessionID, platform string, page interfaces.BrowserPage, status *models.LoginStatus) (*models.SavedLoginSession, error) {
	if sessionID == "" || platform == "" {
		return nil, fmt.Errorf("%w: session ID and platform are required", models.ErrInvalidInput)
	}

	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	local, err := page.Storage(ctx, models.LocalStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to read localStorage: %w", err)
	}
	session, err := page.Storage(ctx, models.SessionStorage)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessionStorage: %w", err)
	}
	current, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page URL: %w", err)
	}

	record, err := r.store.GetLatestLoginSession(ctx, sessionID, platform)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
		record = &models.SavedLoginSession{
			ID:        common.NewSavedSessionID(),
			SessionID: sessionID,
			Platform:  platform,
		}
	}

	record.Cookies = cookies
	record.LocalStorage = local
	record.SessionStorage = session
	record.LastURL = current
	record.SavedAt = r.now()
	record.RestoreFailed = false
	if status != nil {
		record.LoginUser = status.LoginUser
		record.Confidence = status.Confidence
	}

	if err := r.store.SaveLoginSession(ctx, record); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("session_id", sessionID).
		Str("platform", platform).
		Int("cookies", len(cookies)).
		Int("storage_keys", len(local)+len(session)).
		Msg("Login session saved")
	return record, nil
}

// Restore replays the latest saved login state for sessionID into page and verifies it.
// A missing record or a rejected verification is reported in the result, not as an error.
func (r *Restorer) Restore(ctx context.Context, instanceID, sessionID, platform string, page interfaces.BrowserPage) (*models.RestoreResult, error) {
	result := &models.RestoreResult{}
	logger := r.logger.WithCorrelationId(instanceID)

	saved, err := r.store.GetLatestLoginSession(ctx, sessionID, platform)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			result.Reason = "no saved login session"
			return result, nil
		}
		return nil, err
	}
	result.SavedSessionID = saved.ID
	p := r.catalog.Get(platform)

	cookies := r.liveCookies(saved.Cookies)
	if len(cookies) > 0 {
		if err := page.SetCookies(ctx, cookies); err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			logger.Warn().Err(err).Msg("Failed to apply saved cookies")
		} else {
			result.CookiesApplied = len(cookies)
		}
	}

	home := p.HomeURL
	if home == "" {
		home = common.OriginOf(saved.LastURL)
	}

	if len(saved.LocalStorage)+len(saved.SessionStorage) > 0 {
		applied, err := r.applyStorage(ctx, page, p, saved)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			logger.Warn().Err(err).Msg("Failed to apply saved storage")
		}
		result.StorageApplied = applied
	}

	target := saved.LastURL
	if target == "" || p.IsLoginURL(target) {
		target = home
	}
	if target != "" {
		usedFallback, err := r.navigate(ctx, page, target, home)
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			logger.Warn().Err(err).Str("url", target).Msg("Navigation after restore failed, verifying anyway")
		}
		result.UsedFallbackURL = usedFallback
	}

	status, attempts, err := r.verify(ctx, platform, page)
	if err != nil {
		return nil, err
	}
	status.InstanceID = instanceID
	result.Attempts = attempts
	result.Status = status
	if landed, err := page.URL(ctx); err == nil {
		result.LandedURL = landed
	}

	if r.accepts(status) {
		result.Restored = true
		saved.RestoreCount++
		saved.LastRestoreAt = r.now()
		saved.RestoreFailed = false
	} else {
		result.Reason = "login not confirmed after restore"
		saved.RestoreFailed = true
		saved.FailedRestoreCount++
	}
	if err := r.store.SaveLoginSession(ctx, saved); err != nil {
		logger.Warn().Err(err).Msg("Failed to update saved login session")
	}

	logger.Info().
		Str("session_id", sessionID).
		Str("platform", platform).
		Bool("restored", result.Restored).
		Int("attempts", attempts).
		Int("cookies", result.CookiesApplied).
		Int("storage_keys", result.StorageApplied).
		Int("confidence", status.Confidence).
		Msg("Login restore finished")
	return result, nil
}

// liveCookies drops cookies whose expiry has passed
func (r *Restorer) liveCookies(cookies []models.Cookie) []models.Cookie {
	now := float64(r.now().Unix())
	live := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c.Expires > 0 && c.Expires < now {
			continue
		}
		live = append(live, c)
	}
	return live
}

// applyStorage opens the origin first because web storage is scoped to it
func (r *Restorer) applyStorage(ctx context.Context, page interfaces.BrowserPage, p *platforms.Platform, saved *models.SavedLoginSession) (int, error) {
	origin := p.HomeOrigin()
	if origin == "" {
		origin = common.OriginOf(saved.LastURL)
	}
	if origin == "" {
		return 0, fmt.Errorf("no origin for saved storage")
	}
	if err := page.Navigate(ctx, origin, interfaces.WaitCommit); err != nil {
		return 0, err
	}

	applied := 0
	if len(saved.LocalStorage) > 0 {
		if err := page.SetStorage(ctx, models.LocalStorage, saved.LocalStorage); err != nil {
			return applied, err
		}
		applied += len(saved.LocalStorage)
	}
	if len(saved.SessionStorage) > 0 {
		if err := page.SetStorage(ctx, models.SessionStorage, saved.SessionStorage); err != nil {
			return applied, err
		}
		applied += len(saved.SessionStorage)
	}
	return applied, nil
}

// navigate tries progressively weaker wait conditions, then the home URL
func (r *Restorer) navigate(ctx context.Context, page interfaces.BrowserPage, target, home string) (bool, error) {
	var lastErr error
	for _, wait := range navigationWaits {
		err := page.Navigate(ctx, target, wait)
		if err == nil {
			return false, nil
		}
		if fatal(ctx, err) {
			return false, err
		}
		lastErr = err
	}

	if home == "" || home == target {
		return false, lastErr
	}
	if err := page.Navigate(ctx, home, interfaces.WaitCommit); err != nil {
		return true, err
	}
	return true, nil
}

// verify detects login with a wait before each attempt and a reload between attempts
func (r *Restorer) verify(ctx context.Context, platform string, page interfaces.BrowserPage) (*models.LoginStatus, int, error) {
	waits := r.cfg.VerifyWaits
	if len(waits) == 0 {
		waits = []common.Duration{0}
	}

	var status *models.LoginStatus
	attempts := 0
	for i, wait := range waits {
		if i > 0 {
			if err := page.Reload(ctx); err != nil && fatal(ctx, err) {
				return nil, attempts, err
			}
		}
		if err := r.sleep(ctx, wait.D()); err != nil {
			return nil, attempts, err
		}

		var err error
		status, err = r.detector.Detect(ctx, platform, page)
		attempts++
		if err != nil {
			return nil, attempts, err
		}
		if r.accepts(status) {
			return status, attempts, nil
		}
	}
	return status, attempts, nil
}

// accepts is lenient: the session was known good when saved, so anything short of a
// decisive negative (visible login button, 401/403 from the API check) or a failed detection passes
func (r *Restorer) accepts(status *models.LoginStatus) bool {
	if status.IsLoggedIn {
		return true
	}
	for _, s := range status.Signals {
		if s.LoggedIn && s.Method != models.MethodError {
			return true
		}
	}
	if decisiveNegative(status) {
		return false
	}
	if status.Confidence >= r.cfg.RestoreAcceptance {
		return true
	}
	return status.Method != models.MethodError
}

func decisiveNegative(status *models.LoginStatus) bool {
	if status.IsLoggedIn {
		return false
	}
	return status.Method == models.MethodLoginButton || status.Method == models.MethodAPICheck
}

func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, models.ErrDriverDisconnected) || ctx.Err() != nil
}
