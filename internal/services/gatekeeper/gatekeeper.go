package gatekeeper

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

const window = time.Hour

// Request describes one candidate crawl
type Request struct {
	URL         string
	Platform    string
	SessionID   string
	InstanceID  string
	TriggerType models.TriggerType
	LoggedIn    bool
}

// Stats is a snapshot of gatekeeper bookkeeping
type Stats struct {
	TrackedURLs     int                         `json:"tracked_urls"`
	TrackedPatterns int                         `json:"tracked_patterns"`
	TrackedSessions int                         `json:"tracked_sessions"`
	Triggered       int64                       `json:"triggered"`
	Skipped         map[models.SkipReason]int64 `json:"skipped"`
}

// Gatekeeper applies login, abuse, rate, freshness, backoff and cooldown gates before a
// crawl is queued. Decisions and the bookkeeping they depend on happen under one lock.
type Gatekeeper struct {
	cfg      common.GatekeeperConfig
	queue    interfaces.CrawlQueue
	notifier interfaces.WorkerNotifier
	logger   arbor.ILogger

	mu       sync.Mutex
	history  map[string]*models.CrawlHistoryEntry
	patterns map[string][]time.Time
	sessions map[string][]time.Time
	skipped  map[models.SkipReason]int64

	triggered int64
	now       func() time.Time
	newJobID  func() string
}

// NewGatekeeper creates a gatekeeper feeding queue. notifier may be nil.
func NewGatekeeper(cfg common.GatekeeperConfig, queue interfaces.CrawlQueue, notifier interfaces.WorkerNotifier, logger arbor.ILogger) *Gatekeeper {
	return &Gatekeeper{
		cfg:      cfg,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		history:  make(map[string]*models.CrawlHistoryEntry),
		patterns: make(map[string][]time.Time),
		sessions: make(map[string][]time.Time),
		skipped:  make(map[models.SkipReason]int64),
		now:      time.Now,
		newJobID: common.NewJobID,
	}
}

func (g *Gatekeeper) limits(trigger models.TriggerType) common.TriggerLimits {
	if trigger == models.TriggerAuto {
		return g.cfg.Auto
	}
	return g.cfg.User
}

func historyKey(platform, url string) string {
	return platform + ":" + url
}

func patternKey(platform, url string) string {
	return platform + ":" + common.NormalizeURLPattern(url)
}

func sessionKey(sessionID, platform string) string {
	return sessionID + ":" + platform
}

// ShouldTrigger evaluates the gates without recording anything
func (g *Gatekeeper) ShouldTrigger(req Request) models.TriggerDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decide(req, g.now())
}

// Trigger evaluates the gates and, when they pass, records the attempt, queues the job
// and wakes a worker. A skip is reported in the decision with a nil error.
func (g *Gatekeeper) Trigger(ctx context.Context, req Request) (models.TriggerDecision, error) {
	now := g.now()

	g.mu.Lock()
	decision := g.decide(req, now)
	if !decision.Allowed {
		g.skipped[decision.Reason]++
		g.mu.Unlock()
		g.logger.Debug().
			Str("url", req.URL).
			Str("platform", req.Platform).
			Str("trigger", string(req.TriggerType)).
			Str("reason", string(decision.Reason)).
			Dur("retry_in", decision.RetryIn).
			Msg("Crawl trigger skipped")
		return decision, nil
	}
	undo := g.recordAttempt(req, now)
	g.mu.Unlock()

	job := &models.CrawlJob{
		ID:          g.newJobID(),
		URL:         req.URL,
		Platform:    req.Platform,
		SessionID:   req.SessionID,
		InstanceID:  req.InstanceID,
		TriggerType: req.TriggerType,
		Priority:    decision.Priority,
		EnqueuedAt:  now,
	}
	if err := g.queue.Enqueue(ctx, job); err != nil {
		// the job never reached the queue, so it must not count against any limit
		g.mu.Lock()
		undo()
		g.mu.Unlock()
		return decision, fmt.Errorf("failed to enqueue crawl job: %w", err)
	}
	atomic.AddInt64(&g.triggered, 1)

	if g.notifier != nil {
		g.notifier.Notify(ctx)
	}

	g.logger.Info().
		Str("job_id", job.ID).
		Str("url", req.URL).
		Str("platform", req.Platform).
		Str("session_id", req.SessionID).
		Str("trigger", string(req.TriggerType)).
		Int("priority", job.Priority).
		Msg("Crawl triggered")
	return decision, nil
}

// decide runs the gates in order. Caller holds mu.
func (g *Gatekeeper) decide(req Request, now time.Time) models.TriggerDecision {
	if req.URL == "" || req.Platform == "" {
		return models.TriggerDecision{Reason: models.SkipInvalid}
	}
	if g.cfg.RequireLogin && !req.LoggedIn {
		return models.TriggerDecision{Reason: models.SkipNotLoggedIn}
	}

	limits := g.limits(req.TriggerType)

	recent := within(g.patterns[patternKey(req.Platform, req.URL)], now, window)
	if len(recent) >= limits.MaxPatternPerHour {
		return models.TriggerDecision{Reason: models.SkipPatternAbuse, RetryIn: recent[0].Add(window).Sub(now)}
	}

	recent = within(g.sessions[sessionKey(req.SessionID, req.Platform)], now, window)
	if len(recent) >= limits.MaxSessionPerHour {
		return models.TriggerDecision{Reason: models.SkipSessionRate, RetryIn: recent[0].Add(window).Sub(now)}
	}

	entry := g.history[historyKey(req.Platform, req.URL)]
	if entry != nil {
		if fresh := g.cfg.FreshnessWindow.D(); fresh > 0 && !entry.LastSuccess.IsZero() &&
			now.Sub(entry.LastSuccess) < fresh && !g.timeSensitive(req.URL) {
			return models.TriggerDecision{Reason: models.SkipFresh, RetryIn: entry.LastSuccess.Add(fresh).Sub(now)}
		}
		if entry.ConsecutiveFailures > 0 {
			backoff := g.backoff(limits, entry.ConsecutiveFailures)
			if elapsed := now.Sub(entry.LastAttempt); elapsed < backoff {
				return models.TriggerDecision{Reason: models.SkipBackoff, RetryIn: backoff - elapsed}
			}
		} else if !entry.LastAttempt.IsZero() {
			cooldown := g.cooldown(limits, entry, now)
			if elapsed := now.Sub(entry.LastAttempt); elapsed < cooldown {
				return models.TriggerDecision{Reason: models.SkipCooldown, RetryIn: cooldown - elapsed}
			}
		}
	}

	priority := limits.Priority
	if entry != nil && entry.ConsecutiveFailures > g.cfg.LowPriorityAfter {
		priority = models.PriorityLow
	}
	return models.TriggerDecision{Allowed: true, Priority: priority}
}

// backoff is base × 2^failures, capped
func (g *Gatekeeper) backoff(limits common.TriggerLimits, failures int) time.Duration {
	maxBackoff := g.cfg.MaxBackoff.D()
	if failures > 30 {
		return maxBackoff
	}
	d := time.Duration(float64(limits.BaseCooldown.D()) * math.Pow(2, float64(failures)))
	if maxBackoff > 0 && d > maxBackoff {
		return maxBackoff
	}
	return d
}

// cooldown stretches the base cooldown for URLs that fail often or are hit often
func (g *Gatekeeper) cooldown(limits common.TriggerLimits, entry *models.CrawlHistoryEntry, now time.Time) time.Duration {
	successFactor := 1.0
	switch rate := entry.SuccessRate(); {
	case rate < 0.5:
		successFactor = 2.0
	case rate < 0.8:
		successFactor = 1.5
	}

	frequencyFactor := 1.0
	switch n := len(within(entry.AttemptTimestamps, now, window)); {
	case n > 10:
		frequencyFactor = 2.0
	case n > 5:
		frequencyFactor = 1.5
	}

	d := time.Duration(float64(limits.BaseCooldown.D()) * successFactor * frequencyFactor)
	if maxCooldown := g.cfg.MaxCooldown.D(); maxCooldown > 0 && d > maxCooldown {
		return maxCooldown
	}
	return d
}

// timeSensitive reports whether a URL path carries a marker of content that changes quickly
func (g *Gatekeeper) timeSensitive(rawURL string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(rawURL), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		for _, tag := range g.cfg.TimeSensitiveTags {
			if token == tag {
				return true
			}
		}
	}
	return false
}

// recordAttempt books the attempt against every counter. Caller holds mu.
// recordAttempt reserves the attempt in every counter and returns a func that releases
// it again. Both run under mu.
func (g *Gatekeeper) recordAttempt(req Request, now time.Time) func() {
	pk := patternKey(req.Platform, req.URL)
	g.patterns[pk] = append(g.patterns[pk], now)
	sk := sessionKey(req.SessionID, req.Platform)
	g.sessions[sk] = append(g.sessions[sk], now)

	hk := historyKey(req.Platform, req.URL)
	entry := g.history[hk]
	created := entry == nil
	if created {
		entry = &models.CrawlHistoryEntry{Key: hk, Pattern: pk}
		g.history[hk] = entry
	}
	previous := entry.LastAttempt
	entry.Attempts++
	entry.AttemptTimestamps = append(entry.AttemptTimestamps, now)
	entry.LastAttempt = now

	return func() {
		g.patterns[pk] = dropLast(g.patterns[pk], now)
		if len(g.patterns[pk]) == 0 {
			delete(g.patterns, pk)
		}
		g.sessions[sk] = dropLast(g.sessions[sk], now)
		if len(g.sessions[sk]) == 0 {
			delete(g.sessions, sk)
		}

		current, ok := g.history[hk]
		if !ok || current != entry {
			return
		}
		entry.Attempts--
		entry.AttemptTimestamps = dropLast(entry.AttemptTimestamps, now)
		if entry.LastAttempt.Equal(now) {
			entry.LastAttempt = previous
		}
		if created && entry.Attempts == 0 && entry.SuccessCount == 0 && entry.FailCount == 0 {
			delete(g.history, hk)
		}
	}
}

// dropLast removes the most recent occurrence of ts
func dropLast(times []time.Time, ts time.Time) []time.Time {
	for i := len(times) - 1; i >= 0; i-- {
		if times[i].Equal(ts) {
			return append(times[:i], times[i+1:]...)
		}
	}
	return times
}

// RecordResult feeds a crawl outcome back into the backoff and cooldown bookkeeping
func (g *Gatekeeper) RecordResult(platform, url string, success bool) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	hk := historyKey(platform, url)
	entry := g.history[hk]
	if entry == nil {
		entry = &models.CrawlHistoryEntry{Key: hk, Pattern: patternKey(platform, url), LastAttempt: now}
		g.history[hk] = entry
	}
	if success {
		entry.SuccessCount++
		entry.ConsecutiveFailures = 0
		entry.LastSuccess = now
		return
	}
	entry.FailCount++
	entry.ConsecutiveFailures++
}

// History returns a copy of the bookkeeping for one URL
func (g *Gatekeeper) History(platform, url string) (models.CrawlHistoryEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.history[historyKey(platform, url)]
	if !ok {
		return models.CrawlHistoryEntry{}, false
	}
	copied := *entry
	copied.AttemptTimestamps = append([]time.Time(nil), entry.AttemptTimestamps...)
	return copied, true
}

// Prune drops attempt timestamps older than the retention period and forgets idle keys.
// It returns the number of forgotten keys.
func (g *Gatekeeper) Prune() int {
	retention := g.cfg.HistoryRetention.D()
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for k, entry := range g.history {
		entry.AttemptTimestamps = within(entry.AttemptTimestamps, now, retention)
		if len(entry.AttemptTimestamps) == 0 && now.Sub(entry.LastAttempt) >= retention {
			delete(g.history, k)
			removed++
		}
	}
	removed += pruneSeries(g.patterns, now, window)
	removed += pruneSeries(g.sessions, now, window)

	if removed > 0 {
		g.logger.Debug().Int("removed", removed).Msg("Crawl history pruned")
	}
	return removed
}

func pruneSeries(series map[string][]time.Time, now time.Time, keep time.Duration) int {
	removed := 0
	for k, ts := range series {
		ts = within(ts, now, keep)
		if len(ts) == 0 {
			delete(series, k)
			removed++
			continue
		}
		series[k] = ts
	}
	return removed
}

// Stats returns a snapshot of the bookkeeping
func (g *Gatekeeper) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	skipped := make(map[models.SkipReason]int64, len(g.skipped))
	for k, v := range g.skipped {
		skipped[k] = v
	}
	return Stats{
		TrackedURLs:     len(g.history),
		TrackedPatterns: len(g.patterns),
		TrackedSessions: len(g.sessions),
		Triggered:       atomic.LoadInt64(&g.triggered),
		Skipped:         skipped,
	}
}

// within returns the suffix of ascending timestamps that fall inside the trailing period
func within(ts []time.Time, now time.Time, period time.Duration) []time.Time {
	cutoff := now.Add(-period)
	for i, t := range ts {
		if t.After(cutoff) {
			return ts[i:]
		}
	}
	return nil
}

// Compile-time check
var _ interfaces.CrawlResultRecorder = (*Gatekeeper)(nil)
