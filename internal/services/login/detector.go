package login

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	"github.com/ternarybob/fleetcrawl/internal/platforms"
)

// Platform-independent page markers
var (
	genericLoggedIn = []platforms.WeightedSelector{
		{Selector: `a[href*="logout"]`, Confidence: 85},
		{Selector: `[class*="logout" i]`, Confidence: 80},
		{Selector: `[class*="user-avatar" i]`, Confidence: 75},
		{Selector: `[aria-label*="profile" i]`, Confidence: 72},
		{Selector: `[class*="username" i]`, Confidence: 70},
	}
	genericLoggedOut = []platforms.WeightedSelector{
		{Selector: `form input[type="password"]`, Confidence: 80},
		{Selector: `[class*="login-btn" i]`, Confidence: 75},
		{Selector: `[class*="signin" i]`, Confidence: 70},
	}
	genericStorageKeys = []string{"token", "userinfo", "user_info", "session"}
)

var rejectedUsernames = []string{"登录", "注册", "login", "log in", "sign in", "sign up"}

// Detector combines independent evidence into a login verdict for a page
type Detector struct {
	catalog *platforms.Catalog
	cfg     common.LoginConfig
	logger  arbor.ILogger
	now     func() time.Time
}

// NewDetector creates a detector using the platform table in catalog
func NewDetector(catalog *platforms.Catalog, cfg common.LoginConfig, logger arbor.ILogger) *Detector {
	return &Detector{
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

type strategy struct {
	method models.DetectionMethod
	run    func(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error)
}

func (d *Detector) strategies() []strategy {
	return []strategy{
		{models.MethodDOMIndicator, d.domIndicators},
		{models.MethodLoginButton, d.loginButton},
		{models.MethodGenericPattern, d.genericPatterns},
		{models.MethodCookie, d.cookies},
		{models.MethodStorage, d.storage},
		{models.MethodAPICheck, d.apiCheck},
		{models.MethodURLShape, d.urlShape},
	}
}

// Detect runs the strategies in order and returns the combined verdict. Strategy failures
// are recorded as error signals; only a lost browser or a cancelled context is returned.
func (d *Detector) Detect(ctx context.Context, platform string, page interfaces.BrowserPage) (*models.LoginStatus, error) {
	p := d.catalog.Get(platform)
	status := &models.LoginStatus{
		Platform:  p.Name,
		Method:    models.MethodNone,
		CheckedAt: d.now(),
	}
	if platform != "" && !strings.EqualFold(platform, p.Name) {
		status.Platform = strings.ToLower(platform)
	}

	for _, s := range d.strategies() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		signal, err := s.run(ctx, p, page)
		if err != nil {
			if errors.Is(err, models.ErrDriverDisconnected) || ctx.Err() != nil {
				return nil, err
			}
			d.logger.Debug().Err(err).Str("method", string(s.method)).Str("platform", status.Platform).Msg("Login detection strategy failed")
			status.Signals = append(status.Signals, models.LoginSignal{Method: models.MethodError, Detail: fmt.Sprintf("%s: %v", s.method, err)})
			continue
		}
		if signal == nil {
			continue
		}
		signal.Method = s.method
		status.Signals = append(status.Signals, *signal)

		// a visible login button settles the question
		if s.method == models.MethodLoginButton {
			break
		}
		if signal.Confidence >= d.cfg.ShortCircuit {
			break
		}
	}

	d.decide(ctx, p, page, status)
	return status, nil
}

// decide weighs the strongest positive against the strongest negative; ties go negative
func (d *Detector) decide(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage, status *models.LoginStatus) {
	var positive, negative *models.LoginSignal
	username := ""
	for i := range status.Signals {
		s := &status.Signals[i]
		if s.Method == models.MethodError {
			continue
		}
		if s.LoggedIn {
			if positive == nil || s.Confidence > positive.Confidence {
				positive = s
			}
			if username == "" {
				username = s.Username
			}
			continue
		}
		if negative == nil || s.Confidence > negative.Confidence {
			negative = s
		}
	}

	switch {
	case positive != nil && (negative == nil || positive.Confidence > negative.Confidence):
		status.IsLoggedIn = true
		status.Method = positive.Method
		status.Confidence = positive.Confidence
		if username == "" {
			username = d.username(ctx, p, page)
		}
		status.LoginUser = username

		floor := d.cfg.PositiveFloor
		if username != "" && d.cfg.UsernameFloor > floor {
			floor = d.cfg.UsernameFloor
		}
		if status.Confidence < floor {
			status.Confidence = floor
		}
	case negative != nil:
		status.Method = negative.Method
		status.Confidence = negative.Confidence
	default:
		status.Method = models.MethodNone
		if hasErrors(status.Signals) {
			status.Method = models.MethodError
		}
		status.Confidence = 0
		d.logger.Debug().
			Err(models.ErrDetectionInconclusive).
			Str("platform", status.Platform).
			Int("signals", len(status.Signals)).
			Msg("No login evidence on page")
	}
	status.Confidence = clamp(status.Confidence)
}

func hasErrors(signals []models.LoginSignal) bool {
	for _, s := range signals {
		if s.Method == models.MethodError {
			return true
		}
	}
	return false
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func visible(info interfaces.ElementInfo) bool {
	return info.Found && (info.Visible || (info.Width > 0 && info.Height > 0))
}

// domIndicators looks for the platform's logged-in-only elements
func (d *Detector) domIndicators(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	var best *models.LoginSignal
	for _, sel := range p.LoggedInSelectors {
		info, err := page.Query(ctx, sel.Selector)
		if err != nil {
			return nil, err
		}
		if !visible(info) {
			continue
		}
		confidence := sel.Confidence
		if sel.TestID {
			confidence += 3
		}
		if confidence > 98 {
			confidence = 98
		}
		if best == nil || confidence > best.Confidence {
			best = &models.LoginSignal{
				LoggedIn:   true,
				Confidence: confidence,
				Detail:     sel.Selector,
				Username:   cleanUsername(info.Text),
			}
		}
	}
	return best, nil
}

// loginButton looks for a visible sign-in control, which only logged-out pages show
func (d *Detector) loginButton(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	for _, sel := range p.LoginButtonSelectors {
		info, err := page.Query(ctx, sel.Selector)
		if err != nil {
			return nil, err
		}
		if visible(info) {
			return &models.LoginSignal{Confidence: sel.Confidence, Detail: sel.Selector}, nil
		}
	}
	return nil, nil
}

func (d *Detector) genericPatterns(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	var best *models.LoginSignal
	check := func(selectors []platforms.WeightedSelector, loggedIn bool) error {
		for _, sel := range selectors {
			info, err := page.Query(ctx, sel.Selector)
			if err != nil {
				return err
			}
			if !visible(info) {
				continue
			}
			if best == nil || sel.Confidence > best.Confidence {
				best = &models.LoginSignal{LoggedIn: loggedIn, Confidence: sel.Confidence, Detail: sel.Selector}
			}
		}
		return nil
	}
	if err := check(genericLoggedIn, true); err != nil {
		return nil, err
	}
	if err := check(genericLoggedOut, false); err != nil {
		return nil, err
	}
	return best, nil
}

// cookies checks for the platform's session cookies. Missing cookies are not evidence either way.
func (d *Detector) cookies(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return nil, err
	}
	now := float64(d.now().Unix())
	present := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		if c.Expires > 0 && c.Expires < now {
			continue
		}
		if plausibleToken(c.Value) {
			present[c.Name] = true
		}
	}

	if name, ok := firstPresent(p.HighCookies, present); ok {
		return &models.LoginSignal{LoggedIn: true, Confidence: 85, Detail: name}, nil
	}
	if name, ok := firstPresent(p.MediumCookies, present); ok {
		return &models.LoginSignal{LoggedIn: true, Confidence: 75, Detail: name}, nil
	}
	return nil, nil
}

func (d *Detector) storage(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	present := make(map[string]bool)
	var keys []string
	for _, kind := range []models.StorageKind{models.LocalStorage, models.SessionStorage} {
		values, err := page.Storage(ctx, kind)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			if plausibleToken(v) {
				present[k] = true
				keys = append(keys, k)
			}
		}
	}

	if key, ok := firstPresent(p.HighStorageKeys, present); ok {
		return &models.LoginSignal{LoggedIn: true, Confidence: 85, Detail: key}, nil
	}
	for _, key := range keys {
		lower := strings.ToLower(key)
		for _, marker := range genericStorageKeys {
			if strings.Contains(lower, marker) {
				return &models.LoginSignal{LoggedIn: true, Confidence: 70, Detail: key}, nil
			}
		}
	}
	if key, ok := firstPresent(p.MediumStorageKeys, present); ok {
		return &models.LoginSignal{LoggedIn: true, Confidence: 65, Detail: key}, nil
	}
	return nil, nil
}

// apiCheck calls an endpoint that only answers for authenticated users
func (d *Detector) apiCheck(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	if p.CheckPath == "" {
		return nil, nil
	}
	checkCtx := ctx
	if timeout := d.cfg.CheckTimeout.D(); timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, err := page.Fetch(checkCtx, p.CheckPath)
	if err != nil {
		if errors.Is(err, models.ErrDriverDisconnected) || ctx.Err() != nil {
			return nil, err
		}
		// API check timeouts are routine on slow pages
		return nil, nil
	}
	switch status {
	case 200:
		return &models.LoginSignal{LoggedIn: true, Confidence: 80, Detail: fmt.Sprintf("%s -> %d", p.CheckPath, status)}, nil
	case 401, 403:
		return &models.LoginSignal{Confidence: 85, Detail: fmt.Sprintf("%s -> %d", p.CheckPath, status)}, nil
	}
	return nil, nil
}

func (d *Detector) urlShape(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) (*models.LoginSignal, error) {
	current, err := page.URL(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case p.IsLoginURL(current):
		return &models.LoginSignal{Confidence: 80, Detail: current}, nil
	case p.IsLoggedInURL(current):
		return &models.LoginSignal{LoggedIn: true, Confidence: 65, Detail: current}, nil
	}
	return nil, nil
}

// username reads the display name from the page, falling back to parsing the document
func (d *Detector) username(ctx context.Context, p *platforms.Platform, page interfaces.BrowserPage) string {
	for _, sel := range p.UsernameSelectors {
		info, err := page.Query(ctx, sel)
		if err != nil {
			return ""
		}
		if name := cleanUsername(info.Text); info.Found && name != "" {
			return name
		}
	}
	if len(p.UsernameSelectors) == 0 {
		return ""
	}

	html, err := page.HTML(ctx)
	if err != nil || html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	for _, sel := range p.UsernameSelectors {
		if name := cleanUsername(doc.Find(sel).First().Text()); name != "" {
			return name
		}
	}
	return ""
}

func cleanUsername(text string) string {
	name := strings.Join(strings.Fields(text), " ")
	if name == "" || utf8.RuneCountInString(name) > 40 {
		return ""
	}
	lower := strings.ToLower(name)
	for _, rejected := range rejectedUsernames {
		if lower == rejected {
			return ""
		}
	}
	return name
}

func plausibleToken(value string) bool {
	value = strings.TrimSpace(value)
	if len(value) < 4 {
		return false
	}
	switch strings.ToLower(value) {
	case "null", "undefined", "deleted", "false", "{}", "[]":
		return false
	}
	return true
}

func firstPresent(names []string, present map[string]bool) (string, bool) {
	for _, name := range names {
		if present[name] {
			return name, true
		}
	}
	return "", false
}

// Broadcast publishes status to every page as window.__fleetcrawlLogin and a
// fleetcrawl:login DOM event. It returns the number of pages reached.
func Broadcast(ctx context.Context, pages []interfaces.BrowserPage, status *models.LoginStatus) (int, error) {
	script := broadcastScript(status)
	reached := 0
	for _, page := range pages {
		if err := page.Evaluate(ctx, script, nil); err != nil {
			if errors.Is(err, models.ErrDriverDisconnected) {
				return reached, err
			}
			continue
		}
		reached++
	}
	return reached, nil
}

func broadcastScript(status *models.LoginStatus) string {
	payload := fmt.Sprintf(`{isLoggedIn:%t,platform:%q,user:%q,method:%q,confidence:%d}`,
		status.IsLoggedIn, status.Platform, status.LoginUser, status.Method, status.Confidence)
	return `(() => {
	const detail = ` + payload + `;
	window.__fleetcrawlLogin = detail;
	window.dispatchEvent(new CustomEvent("fleetcrawl:login", { detail }));
	return true;
})()`
}
