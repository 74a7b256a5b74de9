package browser

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// ChromeDriver launches persistent Chrome contexts through chromedp
type ChromeDriver struct {
	logger arbor.ILogger
}

// NewChromeDriver creates a chromedp-backed browser driver
func NewChromeDriver(logger arbor.ILogger) *ChromeDriver {
	return &ChromeDriver{logger: logger}
}

// Launch starts a browser process bound to opts.WorkDir and verifies it responds
func (d *ChromeDriver) Launch(ctx context.Context, opts interfaces.LaunchOptions) (interfaces.BrowserSession, error) {
	startTime := time.Now()

	if opts.WorkDir == "" {
		return nil, fmt.Errorf("%w: work dir is required", models.ErrInvalidInput)
	}
	if err := os.MkdirAll(opts.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(opts.WorkDir),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", opts.DisableGPU),
		chromedp.Flag("no-sandbox", opts.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", false),
		chromedp.Flag("disable-renderer-backgrounding", false),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	if opts.UserAgent != "" {
		allocatorOpts = append(allocatorOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.WindowWidth > 0 && opts.WindowHeight > 0 {
		allocatorOpts = append(allocatorOpts, chromedp.WindowSize(opts.WindowWidth, opts.WindowHeight))
	}
	if opts.ExecPath != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ExecPath(opts.ExecPath))
	}

	// The browser outlives the launch request, so it hangs off Background
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	testCtx, testCancel := context.WithTimeout(browserCtx, timeout)
	defer testCancel()

	stop := context.AfterFunc(ctx, testCancel)
	defer stop()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("browser failed startup test: %w", err)
	}

	session := &chromeSession{
		instanceID:      opts.InstanceID,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		allocatorCancel: allocatorCancel,
		scriptTimeout:   timeout,
		pages:           make(map[string]*chromePage),
		logger:          logger(d.logger, opts.InstanceID),
	}

	first := newChromePage(session, browserCtx, nil)
	session.addPage(first)
	session.listen()

	d.logger.Debug().
		Str("instance_id", opts.InstanceID).
		Str("work_dir", opts.WorkDir).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser launched and tested successfully")

	return session, nil
}

func logger(base arbor.ILogger, instanceID string) arbor.ILogger {
	if instanceID == "" {
		return base
	}
	return base.WithCorrelationId(instanceID)
}

type chromeSession struct {
	instanceID      string
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	allocatorCancel context.CancelFunc
	scriptTimeout   time.Duration
	logger          arbor.ILogger

	mu      sync.Mutex
	pages   map[string]*chromePage
	order   []string
	handler interfaces.PageEventHandler
	closed  bool
}

// listen adopts tabs the site opens on its own (popups, target=_blank)
func (s *chromeSession) listen() {
	chromedp.ListenBrowser(s.browserCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			if e.TargetInfo == nil || e.TargetInfo.Type != "page" {
				return
			}
			id := string(e.TargetInfo.TargetID)
			if s.hasPage(id) {
				return
			}
			// listeners must not block; attaching runs CDP commands
			go s.adopt(e.TargetInfo.TargetID)
		case *target.EventTargetDestroyed:
			s.dropPage(string(e.TargetID))
		}
	})
}

func (s *chromeSession) adopt(id target.ID) {
	// NewPage registers its own targets once attached; give it time before attaching a second time
	time.Sleep(500 * time.Millisecond)
	if s.hasPage(string(id)) || s.browserCtx.Err() != nil {
		return
	}

	ctx, cancel := chromedp.NewContext(s.browserCtx, chromedp.WithTargetID(id))
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		s.logger.Debug().Err(err).Str("target_id", string(id)).Msg("Failed to attach to new tab")
		return
	}
	s.addPage(newChromePage(s, ctx, cancel))
}

func (s *chromeSession) hasPage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[id]
	return ok
}

func (s *chromeSession) addPage(p *chromePage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.pages[p.id]; exists {
		s.mu.Unlock()
		return
	}
	s.pages[p.id] = p
	s.order = append(s.order, p.id)
	s.mu.Unlock()

	p.listen()
	s.emit(models.NavigationEvent{PageID: p.id, Kind: models.NavigationCreated})
}

func (s *chromeSession) dropPage(id string) {
	s.mu.Lock()
	_, ok := s.pages[id]
	if ok {
		delete(s.pages, id)
		for i, pid := range s.order {
			if pid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.emit(models.NavigationEvent{PageID: id, Kind: models.NavigationClosed})
	}
}

func (s *chromeSession) emit(event models.NavigationEvent) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	handler(event)
}

func (s *chromeSession) Pages(ctx context.Context) ([]interfaces.BrowserPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, models.ErrDriverDisconnected
	}
	pages := make([]interfaces.BrowserPage, 0, len(s.order))
	for _, id := range s.order {
		pages = append(pages, s.pages[id])
	}
	return pages, nil
}

func (s *chromeSession) NewPage(ctx context.Context) (interfaces.BrowserPage, error) {
	pageCtx, cancel := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		cancel()
		return nil, classify(err)
	}
	p := newChromePage(s, pageCtx, cancel)
	s.addPage(p)
	return p, nil
}

func (s *chromeSession) OnPageEvent(handler interfaces.PageEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *chromeSession) Alive(ctx context.Context) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || s.browserCtx.Err() != nil {
		return false
	}

	checkCtx, cancel := context.WithTimeout(s.browserCtx, 5*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var ready string
	return chromedp.Run(checkCtx, chromedp.Evaluate(`document.readyState`, &ready)) == nil
}

func (s *chromeSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.handler = nil
	pages := s.pages
	s.pages = make(map[string]*chromePage)
	s.order = nil
	s.mu.Unlock()

	for _, p := range pages {
		if p.cancel != nil {
			p.cancel()
		}
	}

	// Cancelling the browser context closes the browser gracefully; give it a moment
	done := make(chan struct{})
	go func() {
		s.browserCancel()
		s.allocatorCancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("Browser cleanup timed out")
	}
	return nil
}
