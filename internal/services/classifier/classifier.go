package classifier

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	"github.com/ternarybob/fleetcrawl/internal/platforms"
)

// Signal weights. Without a live page the content weight is shared by the other two.
const (
	weightPattern   = 0.4
	weightStructure = 0.35
	weightContent   = 0.25

	positiveSignal = 0.5
)

// Decision thresholds on the combined score
const (
	thresholdTarget = 0.75
	thresholdOne    = 0.5
	thresholdTwo    = 0.3
)

var blacklistedRoots = map[string]bool{
	"index": true, "index.html": true, "index.php": true, "home": true,
	"login": true, "signin": true, "signup": true, "register": true,
	"explore": true, "discover": true, "feed": true,
}

var searchQueryParams = []string{"q", "query", "keyword", "keywords", "wd", "k", "search"}

// Classifier decides whether a URL is target content worth crawling
type Classifier struct {
	catalog *platforms.Catalog
	cfg     common.ClassifierConfig
	logger  arbor.ILogger
	cache   *resultCache
	now     func() time.Time
}

// NewClassifier creates a classifier with its own result cache
func NewClassifier(catalog *platforms.Catalog, cfg common.ClassifierConfig, logger arbor.ILogger) *Classifier {
	c := &Classifier{
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
	c.cache = newResultCache(cfg.CacheTTL.D(), cfg.CacheSize, cfg.CacheTrimTo, func() time.Time { return c.now() })
	return c
}

// IsTargetPage returns the verdict and combined confidence for rawURL. page is optional;
// when given and showing rawURL, its document feeds the content signal.
func (c *Classifier) IsTargetPage(ctx context.Context, rawURL, platform string, page interfaces.BrowserPage) (bool, float64) {
	result := c.Classify(ctx, rawURL, platform, page)
	return result.IsTarget, result.Confidence
}

// Classify returns the full classification, served from cache when fresh
func (c *Classifier) Classify(ctx context.Context, rawURL, platform string, page interfaces.BrowserPage) models.URLClassification {
	rawURL = strings.TrimSpace(rawURL)
	p := c.resolve(rawURL, platform)
	key := common.HashURL(p.Name + " " + rawURL)

	if cached, ok := c.cache.get(key); ok {
		c.logger.Debug().Str("url", rawURL).Bool("is_target", cached.IsTarget).Msg("Classification cache hit")
		return cached
	}

	result := c.classify(ctx, rawURL, p, page)
	c.cache.put(key, result)

	c.logger.Debug().
		Str("url", rawURL).
		Str("platform", p.Name).
		Bool("is_target", result.IsTarget).
		Float64("confidence", result.Confidence).
		Int("positive", result.Positive).
		Bool("blacklist", result.Blacklist).
		Msg("URL classified")
	return result
}

// Stats returns cache occupancy and hit counters
func (c *Classifier) Stats() CacheStats {
	return c.cache.stats()
}

// Purge empties the result cache
func (c *Classifier) Purge() {
	c.cache.purge()
}

func (c *Classifier) resolve(rawURL, platform string) *platforms.Platform {
	if platform != "" {
		return c.catalog.Get(platform)
	}
	if p, ok := c.catalog.ForURL(rawURL); ok {
		return p
	}
	return c.catalog.Get(platforms.GenericName)
}

func (c *Classifier) classify(ctx context.Context, rawURL string, p *platforms.Platform, page interfaces.BrowserPage) models.URLClassification {
	result := models.URLClassification{
		URLHash:    common.HashURL(rawURL),
		URL:        rawURL,
		Platform:   p.Name,
		ComputedAt: c.now(),
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || blacklisted(u, p) {
		result.Blacklist = true
		return result
	}

	pattern := patternScore(u, p, c.catalog.Get(platforms.GenericName))
	structure := structureScore(u, p)
	signals := map[string]float64{"pattern": pattern, "structure": structure}

	content, hasContent := 0.0, false
	if page != nil && c.cfg.UseContent {
		content, hasContent = c.contentSignal(ctx, rawURL, p, page)
	}

	var score float64
	if hasContent {
		signals["content"] = content
		score = weightPattern*pattern + weightStructure*structure + weightContent*content
	} else {
		share := weightPattern + weightStructure
		score = (weightPattern/share)*pattern + (weightStructure/share)*structure
	}
	score = clamp01(score)

	positive := 0
	for _, v := range signals {
		if v >= positiveSignal {
			positive++
		}
	}

	result.Signals = signals
	result.Positive = positive
	result.Confidence = round3(score)
	result.IsTarget = decide(score, positive)
	return result
}

func decide(score float64, positive int) bool {
	switch {
	case score >= thresholdTarget:
		return true
	case score >= thresholdOne:
		return positive >= 1
	case score >= thresholdTwo:
		return positive >= 2
	}
	return false
}

// blacklisted reports root, index-like, login, query-less search and platform static pages
func blacklisted(u *url.URL, p *platforms.Platform) bool {
	segments := common.PathSegments(u.Path)
	if len(segments) == 0 {
		return true
	}
	if len(segments) == 1 && blacklistedRoots[segments[0]] {
		return true
	}
	for _, s := range segments {
		if strings.HasPrefix(s, "search") && !hasSearchQuery(u) {
			return true
		}
	}
	if p.IsLoginURL(u.String()) || p.IsStaticPath(u.Path) {
		return true
	}
	return false
}

func hasSearchQuery(u *url.URL) bool {
	q := u.Query()
	for _, name := range searchQueryParams {
		if strings.TrimSpace(q.Get(name)) != "" {
			return true
		}
	}
	return false
}

func (c *Classifier) contentSignal(ctx context.Context, rawURL string, p *platforms.Platform, page interfaces.BrowserPage) (float64, bool) {
	if timeout := c.cfg.ContentTimeout.D(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	current, err := page.URL(ctx)
	if err != nil || !common.SameURL(current, rawURL) {
		return 0, false
	}
	html, err := page.HTML(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrDriverDisconnected) {
			c.logger.Debug().Err(err).Str("url", rawURL).Msg("Content signal unavailable")
		}
		return 0, false
	}
	score, ok := contentScore(html, p)
	return score, ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
