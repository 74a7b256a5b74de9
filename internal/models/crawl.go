package models

import "time"

// TriggerType records who initiated a crawl
type TriggerType string

const (
	TriggerUser TriggerType = "user"
	TriggerAuto TriggerType = "auto"
)

// Crawl job priorities, lower runs first
const (
	PriorityUser = 0
	PriorityAuto = 1
	PriorityLow  = 3
)

// URLClassification is the cached verdict of the page classifier
type URLClassification struct {
	URLHash    string             `json:"url_hash"`
	URL        string             `json:"url"`
	Platform   string             `json:"platform"`
	IsTarget   bool               `json:"is_target"`
	Confidence float64            `json:"confidence"`
	Signals    map[string]float64 `json:"signals,omitempty"`
	Positive   int                `json:"positive"`
	Blacklist  bool               `json:"blacklist"`
	ComputedAt time.Time          `json:"computed_at"`
}

// CrawlHistoryEntry is the per platform:url history driving cooldown and backoff
type CrawlHistoryEntry struct {
	Key                 string      `json:"key"`
	Pattern             string      `json:"pattern"`
	Attempts            int         `json:"attempts"`
	SuccessCount        int         `json:"success_count"`
	FailCount           int         `json:"fail_count"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	AttemptTimestamps   []time.Time `json:"attempt_timestamps"`
	LastAttempt         time.Time   `json:"last_attempt"`
	LastSuccess         time.Time   `json:"last_success"`
}

// SuccessRate returns successes over completed attempts, 1 when nothing has completed yet
func (h *CrawlHistoryEntry) SuccessRate() float64 {
	done := h.SuccessCount + h.FailCount
	if done == 0 {
		return 1
	}
	return float64(h.SuccessCount) / float64(done)
}

// CrawlJob is one unit of work handed to the extraction pipeline
type CrawlJob struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Platform    string      `json:"platform"`
	SessionID   string      `json:"session_id"`
	InstanceID  string      `json:"instance_id"`
	TriggerType TriggerType `json:"trigger_type"`
	Priority    int         `json:"priority"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

// ExtractionResult is what the extraction pipeline returns for one job
type ExtractionResult struct {
	Success bool   `json:"success"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
	Author  string `json:"author,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SkipReason explains why the gatekeeper declined a trigger
type SkipReason string

const (
	SkipNone         SkipReason = ""
	SkipNotLoggedIn  SkipReason = "not_logged_in"
	SkipPatternAbuse SkipReason = "pattern_abuse"
	SkipSessionRate  SkipReason = "session_rate"
	SkipFresh        SkipReason = "fresh"
	SkipBackoff      SkipReason = "backoff"
	SkipCooldown     SkipReason = "cooldown"
	SkipInvalid      SkipReason = "invalid"
)

// TriggerDecision is the gatekeeper verdict. A skip is a normal outcome, not an error.
type TriggerDecision struct {
	Allowed  bool          `json:"allowed"`
	Reason   SkipReason    `json:"reason,omitempty"`
	RetryIn  time.Duration `json:"retry_in,omitempty"`
	Priority int           `json:"priority"`
}
