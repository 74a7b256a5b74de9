package models

import (
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue has no visible message
var ErrNoMessage = errors.New("no messages in queue")

// QueueMessage is the envelope stored in the crawl queue
type QueueMessage struct {
	ID           string    `json:"id"`
	Job          CrawlJob  `json:"job"`
	Priority     int       `json:"priority"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}
