package interfaces

import (
	"context"

	"github.com/ternarybob/fleetcrawl/internal/models"
)

// ExtractionPipeline runs the external extractors for one job
type ExtractionPipeline interface {
	Execute(ctx context.Context, job *models.CrawlJob) (*models.ExtractionResult, error)
}

// WorkerNotifier is a best-effort "check the queue now" signal. Failures are swallowed.
type WorkerNotifier interface {
	Notify(ctx context.Context)
}

// CrawlQueue accepts prioritised crawl jobs
type CrawlQueue interface {
	Enqueue(ctx context.Context, job *models.CrawlJob) error
	Len(ctx context.Context) (int, error)
}

// PageLookup exposes the URLs currently open in an instance
type PageLookup interface {
	CurrentURLs(ctx context.Context, instanceID string) ([]string, error)
}

// CrawlExecutor performs one crawl for a continuous task
type CrawlExecutor interface {
	ExecuteCrawl(ctx context.Context, task *models.ContinuousCrawlTask) (*models.ExtractionResult, error)
}

// CrawlResultRecorder receives crawl outcomes for rate-limit bookkeeping
type CrawlResultRecorder interface {
	RecordResult(platform, url string, success bool)
}
