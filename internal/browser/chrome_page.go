package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

type chromePage struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc // nil for the first tab, which lives and dies with the browser
	session *chromeSession
}

func newChromePage(session *chromeSession, ctx context.Context, cancel context.CancelFunc) *chromePage {
	id := ""
	if c := chromedp.FromContext(ctx); c != nil && c.Target != nil {
		id = string(c.Target.TargetID)
	}
	return &chromePage{id: id, ctx: ctx, cancel: cancel, session: session}
}

// listen forwards main-frame navigations and load events to the session handler
func (p *chromePage) listen() {
	chromedp.ListenTarget(p.ctx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame == nil || e.Frame.ParentID != "" {
				return
			}
			p.session.emit(models.NavigationEvent{PageID: p.id, URL: e.Frame.URL, Kind: models.NavigationNavigated})
		case *page.EventLoadEventFired:
			// URL is resolved by the consumer; reading it here would block the listener
			p.session.emit(models.NavigationEvent{PageID: p.id, Kind: models.NavigationLoaded})
		}
	})
}

// run executes actions on the page bounded by the caller's context
func (p *chromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("%w: page %s closed", models.ErrDriverDisconnected, p.id)
	}

	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classify(err)
	}
	return nil
}

func (p *chromePage) ID() string {
	return p.id
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var location string
	err := p.run(ctx, p.session.scriptTimeout, chromedp.Location(&location))
	return location, err
}

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, p.session.scriptTimeout, chromedp.Title(&title))
	return title, err
}

func (p *chromePage) Navigate(ctx context.Context, url string, wait interfaces.WaitCondition) error {
	timeout := navigationBudget(ctx, p.session.scriptTimeout)

	var err error
	switch wait {
	case interfaces.WaitCommit, interfaces.WaitDOMContentLoaded:
		err = p.navigateLoose(ctx, url, wait, timeout)
	default:
		err = p.run(ctx, timeout, chromedp.Navigate(url))
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", models.ErrNavigationTimeout, url)
	}
	if err != nil && !isDisconnect(err) {
		return fmt.Errorf("%w: %s: %v", models.ErrNavigationFailed, url, err)
	}
	return err
}

// navigateLoose assigns location.href and polls instead of waiting for the load event
func (p *chromePage) navigateLoose(ctx context.Context, url string, wait interfaces.WaitCondition, timeout time.Duration) error {
	encoded, _ := json.Marshal(url)
	var before string
	if err := p.run(ctx, timeout, chromedp.Evaluate(`location.href`, &before)); err != nil {
		return err
	}
	// the old execution context may be torn down mid-call; only a dead page is fatal here
	if err := p.run(ctx, timeout, chromedp.Evaluate(fmt.Sprintf(`(location.href = %s, true)`, encoded), nil)); isDisconnect(err) {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var state struct {
			Href  string `json:"href"`
			Ready string `json:"ready"`
		}
		err := p.run(ctx, 2*time.Second, chromedp.Evaluate(`({href: location.href, ready: document.readyState})`, &state))
		if err == nil && state.Href != before && state.Href != "about:blank" {
			if wait == interfaces.WaitCommit || state.Ready != "loading" {
				return nil
			}
		}
		if isDisconnect(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return context.DeadlineExceeded
}

func navigationBudget(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return fallback * 3
}

func (p *chromePage) Reload(ctx context.Context) error {
	return p.run(ctx, navigationBudget(ctx, p.session.scriptTimeout), chromedp.Reload())
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	return p.run(ctx, p.session.scriptTimeout, chromedp.Evaluate(script, out, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}))
}

func (p *chromePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 90)
	}
	if err := p.run(ctx, p.session.scriptTimeout*2, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := p.run(ctx, p.session.scriptTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

const queryScript = `(() => {
	const el = document.querySelector(%s);
	if (!el) return {found: false, visible: false, text: "", width: 0, height: 0};
	const rect = el.getBoundingClientRect();
	const style = window.getComputedStyle(el);
	const visible = rect.width > 0 && rect.height > 0 && style.visibility !== "hidden" && style.display !== "none" && style.opacity !== "0";
	return {found: true, visible: visible, text: (el.innerText || el.getAttribute("alt") || el.getAttribute("title") || "").trim().slice(0, 200), width: rect.width, height: rect.height};
})()`

func (p *chromePage) Query(ctx context.Context, selector string) (interfaces.ElementInfo, error) {
	encoded, _ := json.Marshal(selector)
	var info interfaces.ElementInfo
	err := p.Evaluate(ctx, fmt.Sprintf(queryScript, encoded), &info)
	return info, err
}

const readStorageScript = `(() => {
	const s = window[%s];
	const out = {};
	if (!s) return out;
	for (let i = 0; i < s.length; i++) { const k = s.key(i); out[k] = s.getItem(k); }
	return out;
})()`

const writeStorageScript = `(() => {
	const s = window[%s];
	const values = %s;
	let n = 0;
	for (const k of Object.keys(values)) { try { s.setItem(k, values[k]); n++; } catch (e) {} }
	return n;
})()`

func (p *chromePage) Storage(ctx context.Context, kind models.StorageKind) (map[string]string, error) {
	encoded, _ := json.Marshal(string(kind))
	values := map[string]string{}
	if err := p.Evaluate(ctx, fmt.Sprintf(readStorageScript, encoded), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func (p *chromePage) SetStorage(ctx context.Context, kind models.StorageKind, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	encodedKind, _ := json.Marshal(string(kind))
	encodedValues, err := json.Marshal(values)
	if err != nil {
		return err
	}
	var written int
	return p.Evaluate(ctx, fmt.Sprintf(writeStorageScript, encodedKind, encodedValues), &written)
}

func (p *chromePage) Fetch(ctx context.Context, path string) (int, error) {
	encoded, _ := json.Marshal(path)
	var status int
	script := fmt.Sprintf(`fetch(%s, {credentials: "include", headers: {"Accept": "application/json"}}).then(r => r.status).catch(() => 0)`, encoded)
	err := p.Evaluate(ctx, script, &status)
	return status, err
}

func (p *chromePage) Cookies(ctx context.Context) ([]models.Cookie, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, p.session.scriptTimeout,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, err
	}

	result := make([]models.Cookie, 0, len(cookies))
	for _, c := range cookies {
		result = append(result, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return result, nil
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}

	now := time.Now()
	return p.run(ctx, p.session.scriptTimeout,
		network.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			failed := 0
			var lastErr error
			for _, c := range cookies {
				var expires *cdp.TimeSinceEpoch
				if c.Expires > 0 {
					expiresAt := time.Unix(int64(c.Expires), 0)
					if expiresAt.Before(now) {
						continue
					}
					ts := cdp.TimeSinceEpoch(expiresAt)
					expires = &ts
				}

				path := c.Path
				if path == "" {
					path = "/"
				}
				if err := network.SetCookie(c.Name, c.Value).
					WithDomain(c.Domain).
					WithPath(path).
					WithSecure(c.Secure).
					WithHTTPOnly(c.HTTPOnly).
					WithSameSite(sameSite(c.SameSite)).
					WithExpires(expires).
					Do(ctx); err != nil {
					failed++
					lastErr = err
				}
			}
			if failed == len(cookies) && lastErr != nil {
				return fmt.Errorf("failed to set any cookie: %w", lastErr)
			}
			if failed > 0 {
				p.session.logger.Debug().Int("failed", failed).Int("total", len(cookies)).Err(lastErr).Msg("Some cookies were rejected")
			}
			return nil
		}),
	)
}

func sameSite(value string) network.CookieSameSite {
	switch strings.ToLower(value) {
	case "strict":
		return network.CookieSameSiteStrict
	case "none":
		return network.CookieSameSiteNone
	default:
		return network.CookieSameSiteLax
	}
}

func (p *chromePage) Close(ctx context.Context) error {
	if p.cancel == nil {
		// first tab: navigate away instead of tearing down the browser
		return p.run(ctx, p.session.scriptTimeout, chromedp.Navigate("about:blank"))
	}
	p.cancel()
	p.session.dropPage(p.id)
	return nil
}
