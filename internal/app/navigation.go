package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	"github.com/ternarybob/fleetcrawl/internal/services/continuous"
	"github.com/ternarybob/fleetcrawl/internal/services/gatekeeper"
)

const navigationTimeout = 2 * time.Minute

// NavigationOutcome records what the pipeline decided for one page event
type NavigationOutcome struct {
	InstanceID     string                      `json:"instance_id"`
	PageID         string                      `json:"page_id"`
	URL            string                      `json:"url"`
	Platform       string                      `json:"platform"`
	Classification models.URLClassification    `json:"classification"`
	Login          *models.LoginStatus         `json:"login,omitempty"`
	Decision       *models.TriggerDecision     `json:"decision,omitempty"`
	Task           *models.ContinuousCrawlTask `json:"task,omitempty"`
}

// Triggered reports whether a crawl job was queued
func (o *NavigationOutcome) Triggered() bool {
	return o != nil && o.Decision != nil && o.Decision.Allowed
}

// onNavigation is registered with the pool. It runs on the driver's event path, often
// under the instance lock, so it only filters and hands the event to a goroutine.
func (a *App) onNavigation(event models.NavigationEvent) {
	if event.Kind == models.NavigationClosed {
		a.nav.forgetPage(event.InstanceID, event.PageID)
		return
	}
	if !crawlableURL(event.URL) {
		return
	}
	if !a.nav.admit(event) {
		return
	}

	common.SafeGo(a.Logger, "handleNavigation", func() {
		defer a.nav.done()
		ctx, cancel := context.WithTimeout(a.ctx, navigationTimeout)
		defer cancel()
		if _, err := a.HandleNavigation(ctx, event); err != nil {
			a.Logger.Debug().
				Err(err).
				Str("instance_id", event.InstanceID).
				Str("url", event.URL).
				Msg("Navigation handling failed")
		}
	})
}

func crawlableURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://")
}

// HandleNavigation runs one page event through classification, login detection and the
// gatekeeper, and starts a continuous crawl when a job was queued.
// A page that is not a target or a gated trigger is a normal outcome, not an error.
func (a *App) HandleNavigation(ctx context.Context, event models.NavigationEvent) (*NavigationOutcome, error) {
	if !crawlableURL(event.URL) {
		return nil, fmt.Errorf("%w: not a crawlable url: %q", models.ErrInvalidInput, event.URL)
	}
	inst, err := a.Pool.Get(ctx, event.InstanceID)
	if err != nil {
		return nil, err
	}
	return a.evaluate(ctx, inst, event.PageID, event.URL, models.TriggerAuto)
}

// evaluate classifies url on the given page (the active page when pageID is unknown),
// detects login on a target page and asks the gatekeeper for a crawl
func (a *App) evaluate(ctx context.Context, inst *models.BrowserInstance, pageID, url string, trigger models.TriggerType) (*NavigationOutcome, error) {
	logger := a.Logger.WithCorrelationId(inst.ID)
	outcome := &NavigationOutcome{
		InstanceID: inst.ID,
		PageID:     pageID,
		URL:        url,
		Platform:   a.platformFor(inst, url),
	}

	err := a.Pool.WithSession(ctx, inst.ID, func(ctx context.Context, active interfaces.BrowserPage, pages []interfaces.BrowserPage) error {
		page := active
		for _, candidate := range pages {
			if candidate.ID() == pageID {
				page = candidate
				break
			}
		}
		outcome.PageID = page.ID()

		outcome.Classification = a.Classifier.Classify(ctx, url, outcome.Platform, page)
		if !outcome.Classification.IsTarget {
			return nil
		}

		status, err := a.Detector.Detect(ctx, outcome.Platform, page)
		if errors.Is(err, models.ErrDriverDisconnected) {
			// surfaced so the pool tears the instance down
			return err
		}
		if err != nil {
			// inconclusive detection degrades to not logged in
			logger.Debug().Err(err).Str("url", url).Msg("Login detection failed during navigation")
			status = &models.LoginStatus{Platform: outcome.Platform, Method: models.MethodError}
		}
		status.InstanceID = inst.ID
		outcome.Login = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !outcome.Classification.IsTarget {
		logger.Debug().
			Str("url", url).
			Float64("confidence", outcome.Classification.Confidence).
			Msg("Page is not a crawl target")
		return outcome, nil
	}

	decision, err := a.Gatekeeper.Trigger(ctx, gatekeeper.Request{
		URL:         url,
		Platform:    outcome.Platform,
		SessionID:   inst.SessionID,
		InstanceID:  inst.ID,
		TriggerType: trigger,
		LoggedIn:    outcome.Login != nil && outcome.Login.IsLoggedIn,
	})
	if err != nil {
		return outcome, err
	}
	outcome.Decision = &decision
	if !decision.Allowed || !a.Config.Continuous.AutoStart {
		return outcome, nil
	}

	task, err := a.Continuous.Start(ctx, continuous.StartRequest{
		SessionID:   inst.SessionID,
		InstanceID:  inst.ID,
		URL:         url,
		Platform:    outcome.Platform,
		TriggerType: trigger,
	})
	if err != nil {
		logger.Warn().Err(err).Str("url", url).Msg("Failed to start continuous crawl")
		return outcome, nil
	}
	outcome.Task = task
	return outcome, nil
}

// platformFor prefers the catalog entry owning the URL's host over the instance platform
func (a *App) platformFor(inst *models.BrowserInstance, url string) string {
	if p, ok := a.Catalog.ForURL(url); ok {
		return p.Name
	}
	return inst.Platform
}
