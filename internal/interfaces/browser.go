package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/models"
)

// WaitCondition selects how long Navigate waits
type WaitCondition string

const (
	WaitLoad             WaitCondition = "load"
	WaitDOMContentLoaded WaitCondition = "domcontentloaded"
	WaitCommit           WaitCondition = "commit"
)

// LaunchOptions configures one persistent browser context
type LaunchOptions struct {
	InstanceID   string
	WorkDir      string // user data directory, owned by the instance
	Headless     bool
	NoSandbox    bool
	DisableGPU   bool
	UserAgent    string
	ExecPath     string
	WindowWidth  int
	WindowHeight int
	Timeout      time.Duration
}

// PageEventHandler receives page events. InstanceID is left empty by drivers.
type PageEventHandler func(event models.NavigationEvent)

// BrowserDriver launches persistent browser contexts
type BrowserDriver interface {
	Launch(ctx context.Context, opts LaunchOptions) (BrowserSession, error)
}

// BrowserSession is one live browser context with one or more pages
type BrowserSession interface {
	Pages(ctx context.Context) ([]BrowserPage, error)
	NewPage(ctx context.Context) (BrowserPage, error)
	OnPageEvent(handler PageEventHandler)
	// Alive performs a cheap liveness check
	Alive(ctx context.Context) bool
	Close() error
}

// ElementInfo describes the first element matching a selector
type ElementInfo struct {
	Found   bool    `json:"found"`
	Visible bool    `json:"visible"`
	Text    string  `json:"text"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// BrowserPage is one tab. Errors that mean the page or context is gone wrap models.ErrDriverDisconnected.
type BrowserPage interface {
	ID() string
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string, wait WaitCondition) error
	Reload(ctx context.Context) error
	// Evaluate runs script (awaiting promises) and decodes the JSON result into out; out may be nil
	Evaluate(ctx context.Context, script string, out interface{}) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	Query(ctx context.Context, selector string) (ElementInfo, error)
	Storage(ctx context.Context, kind models.StorageKind) (map[string]string, error)
	SetStorage(ctx context.Context, kind models.StorageKind, values map[string]string) error
	// Fetch issues a same-origin credentialed GET from the page and returns the HTTP status
	Fetch(ctx context.Context, path string) (int, error)
	Cookies(ctx context.Context) ([]models.Cookie, error)
	SetCookies(ctx context.Context, cookies []models.Cookie) error
	Close(ctx context.Context) error
}
