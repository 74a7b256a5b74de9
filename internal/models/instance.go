package models

import "time"

// InstanceState is the lifecycle state of a browser instance
type InstanceState string

const (
	InstanceStateCreating InstanceState = "creating"
	InstanceStateActive   InstanceState = "active"
	InstanceStateExpired  InstanceState = "expired"
	InstanceStateClosed   InstanceState = "closed"
)

// Counts reports whether an instance in this state occupies a pool slot
func (s InstanceState) Counts() bool {
	return s == InstanceStateCreating || s == InstanceStateActive
}

// Close reasons recorded on the instance row
const (
	CloseReasonExplicit     = "explicit"
	CloseReasonEvicted      = "evicted"
	CloseReasonExpired      = "expired"
	CloseReasonDisconnected = "disconnected"
	CloseReasonShutdown     = "shutdown"
)

// BrowserInstance is one live automated-browser session bound to a logical user session.
// The pool owns the in-memory copy; the stored row exists for durability across restarts.
type BrowserInstance struct {
	ID             string        `json:"id" badgerhold:"key"`
	SessionID      string        `json:"session_id" badgerhold:"index"`
	Platform       string        `json:"platform" badgerhold:"index"`
	State          InstanceState `json:"state"`
	WorkDir        string        `json:"work_dir"`
	ActivePageID   string        `json:"active_page_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	ClosedAt       time.Time     `json:"closed_at,omitempty"`
	CloseReason    string        `json:"close_reason,omitempty"`
}

// Expired reports whether the instance is past its expiry time
func (b *BrowserInstance) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// NavigationKind distinguishes page events delivered by the driver
type NavigationKind string

const (
	NavigationCreated   NavigationKind = "created"
	NavigationNavigated NavigationKind = "navigated"
	NavigationLoaded    NavigationKind = "loaded"
	NavigationClosed    NavigationKind = "closed"
)

// NavigationEvent is produced by the browser driver and consumed once
type NavigationEvent struct {
	InstanceID string         `json:"instance_id"`
	PageID     string         `json:"page_id"`
	URL        string         `json:"url"`
	Kind       NavigationKind `json:"kind"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PoolStats is a snapshot of pool occupancy
type PoolStats struct {
	Active         int            `json:"active"`
	Creating       int            `json:"creating"`
	ByPlatform     map[string]int `json:"by_platform"`
	MaxPerPlatform int            `json:"max_per_platform"`
	MaxTotal       int            `json:"max_total"`
	Created        int64          `json:"created"`
	Evicted        int64          `json:"evicted"`
	Expired        int64          `json:"expired"`
	LaunchFailures int64          `json:"launch_failures"`
	ForcedCleanups int64          `json:"forced_cleanups"`
}
