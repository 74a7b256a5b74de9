package models

import "time"

// TaskStatus is the state of a continuous crawl task. Stopped and Error are terminal.
type TaskStatus string

const (
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPaused  TaskStatus = "paused"
	TaskStatusStopped TaskStatus = "stopped"
	TaskStatusError   TaskStatus = "error"
)

// Terminal reports whether the loop for a task in this state must exit
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusStopped || s == TaskStatusError
}

// Stop reasons recorded on a task
const (
	StopReasonExplicit      = "explicit"
	StopReasonNavigatedAway = "navigated_away"
	StopReasonMaxCrawls     = "max_crawls"
	StopReasonNoChanges     = "no_changes"
	StopReasonErrors        = "error_threshold"
	StopReasonInstanceGone  = "instance_closed"
	StopReasonShutdown      = "shutdown"
)

// TaskConfig holds the per-task polling configuration
type TaskConfig struct {
	Interval        time.Duration `json:"interval"`
	MaxCrawls       int           `json:"max_crawls"` // 0 = unlimited
	StopOnNoChanges bool          `json:"stop_on_no_changes"`
	MaxNoChanges    int           `json:"max_no_changes"`
}

// ContinuousCrawlTask re-crawls one URL on an interval while a user stays on it
type ContinuousCrawlTask struct {
	ID              string      `json:"id" badgerhold:"key"`
	SessionID       string      `json:"session_id"`
	UserID          string      `json:"user_id"`
	InstanceID      string      `json:"instance_id" badgerhold:"index"`
	URL             string      `json:"url"`
	Platform        string      `json:"platform"`
	Status          TaskStatus  `json:"status" badgerhold:"index"`
	Config          TaskConfig  `json:"config"`
	TriggerType     TriggerType `json:"trigger_type"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastCrawlAt     time.Time   `json:"last_crawl_at,omitempty"`
	NextCrawlAt     time.Time   `json:"next_crawl_at,omitempty"`
	CrawlCount      int         `json:"crawl_count"`
	LastContentHash string      `json:"last_content_hash,omitempty"`
	NoChangeCount   int         `json:"no_change_count"`
	ErrorCount      int         `json:"error_count"`
	LastError       string      `json:"last_error,omitempty"`
	StopReason      string      `json:"stop_reason,omitempty"`
}

// TaskFilter narrows a task listing; zero values match everything
type TaskFilter struct {
	SessionID  string
	InstanceID string
	Status     TaskStatus
	Limit      int
}

// TaskStats is a snapshot of the scheduler
type TaskStats struct {
	Running      int `json:"running"`
	Paused       int `json:"paused"`
	Stopped      int `json:"stopped"`
	Error        int `json:"error"`
	LiveLoops    int `json:"live_loops"`
	TotalCrawls  int `json:"total_crawls"`
	QueuedJobs   int `json:"queued_jobs"`
	TrackedPages int `json:"tracked_pages"`
}
