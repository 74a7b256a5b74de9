package extraction

import (
	"context"

	"github.com/go-resty/resty/v2"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/httpclient"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
)

// HTTPNotifier pings an external worker pool that the crawl queue has work.
// Pings beyond the configured rate are dropped; failures are logged and swallowed.
type HTTPNotifier struct {
	url     string
	http    *resty.Client
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewHTTPNotifier creates a notifier for notifyURL. ratePerSec <= 0 disables throttling.
func NewHTTPNotifier(notifyURL string, ratePerSec float64, cfg common.ExtractionConfig, logger arbor.ILogger) *HTTPNotifier {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	return &HTTPNotifier{
		url:     notifyURL,
		http:    httpclient.NewRestyClient(cfg.Timeout.D(), cfg.UserAgent).SetRetryCount(0),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Notify sends one best-effort ping
func (n *HTTPNotifier) Notify(ctx context.Context) {
	if n.url == "" {
		return
	}
	if !n.limiter.Allow() {
		n.logger.Debug().Msg("Worker notification throttled")
		return
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"event": "queue_available"}).
		Post(n.url)
	if err != nil {
		n.logger.Debug().Err(err).Str("url", n.url).Msg("Worker notification failed")
		return
	}
	if resp.IsError() {
		n.logger.Debug().Int("status", resp.StatusCode()).Str("url", n.url).Msg("Worker notification rejected")
	}
}

// MultiNotifier fans a notification out to every non-nil notifier
type MultiNotifier []interfaces.WorkerNotifier

// Notify calls each notifier in order
func (m MultiNotifier) Notify(ctx context.Context) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx)
		}
	}
}

var (
	_ interfaces.WorkerNotifier = (*HTTPNotifier)(nil)
	_ interfaces.WorkerNotifier = MultiNotifier(nil)
)
