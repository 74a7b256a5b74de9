// Package browsertest provides an in-memory browser driver for service tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// PageSetup prepares every page the driver creates
type PageSetup func(p *FakePage)

// FakeDriver launches FakeSessions. LaunchErrs are consumed one per Launch call.
type FakeDriver struct {
	mu         sync.Mutex
	LaunchErrs []error
	LaunchHook func(opts interfaces.LaunchOptions)
	Setup      PageSetup
	Launches   []interfaces.LaunchOptions
	Sessions   []*FakeSession
}

// NewFakeDriver creates a driver whose pages are prepared by setup (may be nil)
func NewFakeDriver(setup PageSetup) *FakeDriver {
	return &FakeDriver{Setup: setup}
}

func (d *FakeDriver) Launch(ctx context.Context, opts interfaces.LaunchOptions) (interfaces.BrowserSession, error) {
	d.mu.Lock()
	d.Launches = append(d.Launches, opts)
	var err error
	if len(d.LaunchErrs) > 0 {
		err = d.LaunchErrs[0]
		d.LaunchErrs = d.LaunchErrs[1:]
	}
	hook := d.LaunchHook
	d.mu.Unlock()

	if hook != nil {
		hook(opts)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s := &FakeSession{driver: d, opts: opts, alive: true}
	s.addPage()

	d.mu.Lock()
	d.Sessions = append(d.Sessions, s)
	d.mu.Unlock()
	return s, nil
}

// LaunchCount returns the number of Launch calls
func (d *FakeDriver) LaunchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Launches)
}

// Session returns the session launched for an instance ID
func (d *FakeDriver) Session(instanceID string) *FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.Sessions) - 1; i >= 0; i-- {
		if d.Sessions[i].opts.InstanceID == instanceID {
			return d.Sessions[i]
		}
	}
	return nil
}

// FakeSession is an in-memory browser context
type FakeSession struct {
	driver *FakeDriver
	opts   interfaces.LaunchOptions

	mu      sync.Mutex
	pages   []*FakePage
	handler interfaces.PageEventHandler
	alive   bool
	closed  bool
	nextID  int
}

func (s *FakeSession) addPage() *FakePage {
	s.mu.Lock()
	s.nextID++
	p := newFakePage(s, fmt.Sprintf("page-%d", s.nextID))
	s.pages = append(s.pages, p)
	s.mu.Unlock()

	if s.driver != nil && s.driver.Setup != nil {
		s.driver.Setup(p)
	}
	return p
}

func (s *FakeSession) Pages(ctx context.Context) ([]interfaces.BrowserPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return nil, models.ErrDriverDisconnected
	}
	pages := make([]interfaces.BrowserPage, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	return pages, nil
}

func (s *FakeSession) NewPage(ctx context.Context) (interfaces.BrowserPage, error) {
	if !s.Alive(ctx) {
		return nil, models.ErrDriverDisconnected
	}
	p := s.addPage()
	s.Emit(models.NavigationEvent{PageID: p.id, Kind: models.NavigationCreated})
	return p, nil
}

func (s *FakeSession) OnPageEvent(handler interfaces.PageEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *FakeSession) Alive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.alive = false
	return nil
}

// Closed reports whether Close was called
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Kill simulates the browser process dying: every call now fails with ErrDriverDisconnected
func (s *FakeSession) Kill() {
	s.mu.Lock()
	s.alive = false
	pages := append([]*FakePage(nil), s.pages...)
	s.mu.Unlock()
	for _, p := range pages {
		p.Disconnect()
	}
}

// Emit delivers a page event to the registered handler
func (s *FakeSession) Emit(event models.NavigationEvent) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if handler != nil {
		handler(event)
	}
}

// Page returns the page at index i
func (s *FakeSession) Page(i int) *FakePage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[i]
}

// Options returns the launch options used for the session
func (s *FakeSession) Options() interfaces.LaunchOptions {
	return s.opts
}

// FakePage is an in-memory tab. Elements are keyed by exact selector.
type FakePage struct {
	id      string
	session *FakeSession

	mu           sync.Mutex
	url          string
	title        string
	html         string
	elements     map[string]interfaces.ElementInfo
	cookies      []models.Cookie
	storage      map[models.StorageKind]map[string]string
	fetchStatus  map[string]int
	navigateErr  map[interfaces.WaitCondition]error
	disconnected bool
	navigations  []string
	scripts      []string
	reloads      int

	// EvaluateFunc answers Evaluate calls; the result is JSON-decoded into out
	EvaluateFunc func(script string) (interface{}, error)
	// OnNavigate runs after a successful navigation, under no lock
	OnNavigate func(p *FakePage, url string)
	// OnReload runs after each reload, under no lock
	OnReload func(p *FakePage)
	// Delay is applied to every Navigate call
	Delay time.Duration

	active int32
	// MaxConcurrent records the highest number of overlapping calls seen
	MaxConcurrent int32
}

// NewFakePage creates a page outside of any session
func NewFakePage(id string) *FakePage {
	return newFakePage(nil, id)
}

func newFakePage(s *FakeSession, id string) *FakePage {
	return &FakePage{
		id:          id,
		session:     s,
		url:         "about:blank",
		elements:    make(map[string]interfaces.ElementInfo),
		storage:     map[models.StorageKind]map[string]string{models.LocalStorage: {}, models.SessionStorage: {}},
		fetchStatus: make(map[string]int),
		navigateErr: make(map[interfaces.WaitCondition]error),
	}
}

func (p *FakePage) enter() func() {
	n := atomic.AddInt32(&p.active, 1)
	for {
		max := atomic.LoadInt32(&p.MaxConcurrent)
		if n <= max || atomic.CompareAndSwapInt32(&p.MaxConcurrent, max, n) {
			break
		}
	}
	return func() { atomic.AddInt32(&p.active, -1) }
}

func (p *FakePage) check() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disconnected {
		return fmt.Errorf("%w: %s", models.ErrDriverDisconnected, p.id)
	}
	return nil
}

// --- scripting helpers ---

// SetURL sets the current URL without recording a navigation
func (p *FakePage) SetURL(url string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return p
}

func (p *FakePage) SetTitle(title string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
	return p
}

func (p *FakePage) SetHTML(html string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
	return p
}

// SetElement makes selector resolve to a visible element with text
func (p *FakePage) SetElement(selector, text string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = interfaces.ElementInfo{Found: true, Visible: true, Text: text, Width: 32, Height: 32}
	return p
}

// SetHiddenElement makes selector resolve to an element that is not visible
func (p *FakePage) SetHiddenElement(selector string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = interfaces.ElementInfo{Found: true}
	return p
}

func (p *FakePage) RemoveElement(selector string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.elements, selector)
	return p
}

func (p *FakePage) AddCookie(c models.Cookie) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, c)
	return p
}

func (p *FakePage) SetStorageValue(kind models.StorageKind, key, value string) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.storage[kind][key] = value
	return p
}

// SetFetchStatus sets the HTTP status returned for path
func (p *FakePage) SetFetchStatus(path string, status int) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchStatus[path] = status
	return p
}

// FailNavigate makes Navigate with the given wait condition fail
func (p *FakePage) FailNavigate(wait interfaces.WaitCondition, err error) *FakePage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigateErr[wait] = err
	return p
}

// Disconnect makes every later call fail with ErrDriverDisconnected
func (p *FakePage) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = true
}

func (p *FakePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

func (p *FakePage) Scripts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.scripts...)
}

func (p *FakePage) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

// CurrentCookies returns a copy of the page cookies
func (p *FakePage) CurrentCookies() []models.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Cookie(nil), p.cookies...)
}

// StorageValues returns a copy of one storage area
func (p *FakePage) StorageValues(kind models.StorageKind) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.storage[kind]))
	for k, v := range p.storage[kind] {
		out[k] = v
	}
	return out
}

// --- interfaces.BrowserPage ---

func (p *FakePage) ID() string {
	return p.id
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *FakePage) Title(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *FakePage) Navigate(ctx context.Context, url string, wait interfaces.WaitCondition) error {
	defer p.enter()()
	if err := p.check(); err != nil {
		return err
	}
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}

	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	if err := p.navigateErr[wait]; err != nil {
		p.mu.Unlock()
		return err
	}
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()

	if hook != nil {
		hook(p, url)
	}
	if p.session != nil {
		p.session.Emit(models.NavigationEvent{PageID: p.id, URL: url, Kind: models.NavigationNavigated})
	}
	return nil
}

func (p *FakePage) Reload(ctx context.Context) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.reloads++
	hook := p.OnReload
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *FakePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	defer p.enter()()
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	p.scripts = append(p.scripts, script)
	fn := p.EvaluateFunc
	p.mu.Unlock()

	if fn == nil {
		return nil
	}
	result, err := fn(script)
	if err != nil || out == nil || result == nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (p *FakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	if fullPage {
		return []byte("\x89PNG-full"), nil
	}
	return []byte("\x89PNG"), nil
}

func (p *FakePage) HTML(ctx context.Context) (string, error) {
	if err := p.check(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *FakePage) Query(ctx context.Context, selector string) (interfaces.ElementInfo, error) {
	if err := p.check(); err != nil {
		return interfaces.ElementInfo{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elements[selector], nil
}

func (p *FakePage) Storage(ctx context.Context, kind models.StorageKind) (map[string]string, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.StorageValues(kind), nil
}

func (p *FakePage) SetStorage(ctx context.Context, kind models.StorageKind, values map[string]string) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range values {
		p.storage[kind][k] = v
	}
	return nil
}

func (p *FakePage) Fetch(ctx context.Context, path string) (int, error) {
	if err := p.check(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchStatus[path], nil
}

func (p *FakePage) Cookies(ctx context.Context) ([]models.Cookie, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	return p.CurrentCookies(), nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []models.Cookie) error {
	if err := p.check(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range cookies {
		replaced := false
		for i := range p.cookies {
			if p.cookies[i].Name == c.Name && strings.EqualFold(p.cookies[i].Domain, c.Domain) {
				p.cookies[i] = c
				replaced = true
			}
		}
		if !replaced {
			p.cookies = append(p.cookies, c)
		}
	}
	return nil
}

func (p *FakePage) Close(ctx context.Context) error {
	if p.session == nil {
		return nil
	}
	p.session.mu.Lock()
	for i, other := range p.session.pages {
		if other == p {
			p.session.pages = append(p.session.pages[:i], p.session.pages[i+1:]...)
			break
		}
	}
	p.session.mu.Unlock()
	p.session.Emit(models.NavigationEvent{PageID: p.id, Kind: models.NavigationClosed})
	return nil
}
