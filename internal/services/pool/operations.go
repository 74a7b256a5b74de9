package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// PageFunc runs against the instance's active page while the instance lock is held
type PageFunc func(ctx context.Context, page interfaces.BrowserPage) error

// withInstance serializes fn against every other mutating call on the same instance.
// Disconnects are cleaned up after the lock is released and still reported to the caller.
func (p *Pool) withInstance(ctx context.Context, id string, touch bool, fn func(session interfaces.BrowserSession) error) error {
	unlock := p.locks.Lock(id)
	// the instance may have been closed while we waited
	session, err := p.session(id)
	if err == nil {
		err = fn(session)
	}
	unlock()
	if session == nil && !p.tracked(id) {
		// closed or never existed: drop the lock Lock just created
		p.locks.Forget(id)
	}

	if errors.Is(err, models.ErrDriverDisconnected) {
		p.forceCleanup(id, err)
		return err
	}
	if err == nil && touch {
		p.touch(ctx, id)
	}
	return err
}

func (p *Pool) tracked(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.instances[id]
	return ok
}

func (p *Pool) session(id string) (interfaces.BrowserSession, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.instances[id]
	if !ok || e.session == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrInstanceNotFound, id)
	}
	return e.session, nil
}

// activePage resolves the page the user is on, opening one when the browser has none
func (p *Pool) activePage(ctx context.Context, id string, session interfaces.BrowserSession) (interfaces.BrowserPage, error) {
	pages, err := session.Pages(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	activeID := ""
	if e, ok := p.instances[id]; ok {
		activeID = e.instance.ActivePageID
	}
	p.mu.RUnlock()

	for _, page := range pages {
		if page.ID() == activeID {
			return page, nil
		}
	}
	if len(pages) > 0 {
		p.setActivePage(id, pages[0].ID())
		return pages[0], nil
	}

	page, err := session.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	p.setActivePage(id, page.ID())
	return page, nil
}

func (p *Pool) setActivePage(id, pageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.instances[id]; ok {
		e.instance.ActivePageID = pageID
	}
}

// touch records activity and persists it, rebuilding the row when it has gone missing
func (p *Pool) touch(ctx context.Context, id string) {
	p.mu.Lock()
	e, ok := p.instances[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.instance.LastActivityAt = p.now()
	snapshot := e.instance
	p.mu.Unlock()

	if _, err := p.store.GetInstance(ctx, id); err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			p.logger.Debug().Err(err).Str("instance_id", id).Msg("Failed to load instance record")
			return
		}
		p.logger.Warn().
			Err(models.ErrStaleRecord).
			Str("instance_id", id).
			Str("platform", snapshot.Platform).
			Msg("Instance record missing for live instance, rebuilding")
	}
	if err := p.store.SaveInstance(ctx, &snapshot); err != nil {
		p.logger.Debug().Err(err).Str("instance_id", id).Msg("Failed to persist instance activity")
	}
}

func (p *Pool) pageEventHandler(id string) interfaces.PageEventHandler {
	return func(event models.NavigationEvent) {
		event.InstanceID = id

		switch event.Kind {
		case models.NavigationCreated, models.NavigationNavigated:
			p.setActivePage(id, event.PageID)
		case models.NavigationClosed:
			p.mu.Lock()
			if e, ok := p.instances[id]; ok && e.instance.ActivePageID == event.PageID {
				e.instance.ActivePageID = ""
			}
			p.mu.Unlock()
		}

		p.hooksMu.RLock()
		handler := p.navHandler
		p.hooksMu.RUnlock()
		if handler != nil {
			handler(event)
		}
	}
}

// WithPage runs fn on the active page under the instance lock
func (p *Pool) WithPage(ctx context.Context, id string, fn PageFunc) error {
	return p.withInstance(ctx, id, true, func(session interfaces.BrowserSession) error {
		page, err := p.activePage(ctx, id, session)
		if err != nil {
			return err
		}
		return fn(ctx, page)
	})
}

// WithSession runs fn with every open page under the instance lock
func (p *Pool) WithSession(ctx context.Context, id string, fn func(ctx context.Context, active interfaces.BrowserPage, pages []interfaces.BrowserPage) error) error {
	return p.withInstance(ctx, id, true, func(session interfaces.BrowserSession) error {
		active, err := p.activePage(ctx, id, session)
		if err != nil {
			return err
		}
		pages, err := session.Pages(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, active, pages)
	})
}

// Navigate loads url in the active page and returns the URL the page settled on
func (p *Pool) Navigate(ctx context.Context, id, url string, wait interfaces.WaitCondition) (string, error) {
	if url == "" {
		return "", fmt.Errorf("%w: url is required", models.ErrInvalidInput)
	}
	if wait == "" {
		wait = interfaces.WaitLoad
	}

	var landed string
	err := p.WithPage(ctx, id, func(ctx context.Context, page interfaces.BrowserPage) error {
		navCtx := ctx
		if timeout := p.browserCfg.NavigationTimeout.D(); timeout > 0 {
			var cancel context.CancelFunc
			navCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := page.Navigate(navCtx, url, wait); err != nil {
			return err
		}
		current, err := page.URL(ctx)
		if err != nil {
			return err
		}
		landed = current
		return nil
	})
	return landed, err
}

// EvaluateScript runs script in the active page and returns its JSON-decoded result
func (p *Pool) EvaluateScript(ctx context.Context, id, script string) (interface{}, error) {
	if script == "" {
		return nil, fmt.Errorf("%w: script is required", models.ErrInvalidInput)
	}
	var result interface{}
	err := p.WithPage(ctx, id, func(ctx context.Context, page interfaces.BrowserPage) error {
		return page.Evaluate(ctx, script, &result)
	})
	return result, err
}

// Screenshot captures the active page as PNG
func (p *Pool) Screenshot(ctx context.Context, id string, fullPage bool) ([]byte, error) {
	var buf []byte
	err := p.WithPage(ctx, id, func(ctx context.Context, page interfaces.BrowserPage) error {
		var err error
		buf, err = page.Screenshot(ctx, fullPage)
		return err
	})
	return buf, err
}

// GetCookies returns the cookies visible to the active page
func (p *Pool) GetCookies(ctx context.Context, id string) ([]models.Cookie, error) {
	var cookies []models.Cookie
	err := p.WithPage(ctx, id, func(ctx context.Context, page interfaces.BrowserPage) error {
		var err error
		cookies, err = page.Cookies(ctx)
		return err
	})
	return cookies, err
}

// SetCookies writes cookies into the browser context
func (p *Pool) SetCookies(ctx context.Context, id string, cookies []models.Cookie) error {
	return p.WithPage(ctx, id, func(ctx context.Context, page interfaces.BrowserPage) error {
		return page.SetCookies(ctx, cookies)
	})
}

// CurrentURLs lists the URL of every open page in the instance
func (p *Pool) CurrentURLs(ctx context.Context, id string) ([]string, error) {
	var urls []string
	// background polling must not count as user activity for eviction
	err := p.withInstance(ctx, id, false, func(session interfaces.BrowserSession) error {
		pages, err := session.Pages(ctx)
		if err != nil {
			return err
		}
		for _, page := range pages {
			url, err := page.URL(ctx)
			if err != nil {
				if errors.Is(err, models.ErrDriverDisconnected) {
					return err
				}
				continue
			}
			urls = append(urls, url)
		}
		return nil
	})
	return urls, err
}

// Compile-time check
var _ interfaces.PageLookup = (*Pool)(nil)
