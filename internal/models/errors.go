package models

import (
	"errors"
)

// Lifecycle and driver errors. Callers match with errors.Is.
var (
	// ErrResourceExhausted is returned by pool creation when capacity is still exceeded after eviction
	ErrResourceExhausted = errors.New("browser pool at capacity")
	// ErrLaunchFailure is returned when the browser process failed to start after all retries
	ErrLaunchFailure = errors.New("browser launch failed")
	// ErrDriverDisconnected marks a context or page that no longer responds
	ErrDriverDisconnected = errors.New("browser driver disconnected")
	ErrNavigationTimeout  = errors.New("navigation timed out")
	ErrNavigationFailed   = errors.New("navigation failed")
	// ErrStaleRecord marks a live instance whose stored row is missing
	ErrStaleRecord = errors.New("stale instance record")
)

// Detection and gating outcomes
var (
	ErrDetectionInconclusive = errors.New("login detection inconclusive")
	ErrRateLimited           = errors.New("crawl rate limited")
	ErrPatternAbuse          = errors.New("url pattern crawled too often")
	ErrContinuousTask        = errors.New("continuous crawl task error")
)

// Lookup and input errors
var (
	ErrNotFound         = errors.New("record not found")
	ErrInstanceNotFound = errors.New("browser instance not found")
	ErrTaskNotFound     = errors.New("continuous crawl task not found")
	ErrInvalidInput     = errors.New("invalid input")
)
