package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewInstanceID generates a random browser instance ID
// Format: inst_<12 hex chars>
func NewInstanceID() string {
	return "inst_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// NewTaskID generates a continuous crawl task ID
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewJobID generates a crawl job ID
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewSavedSessionID generates a saved login session ID
func NewSavedSessionID() string {
	return "login_" + uuid.New().String()
}
