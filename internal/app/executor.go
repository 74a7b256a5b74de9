package app

import (
	"context"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// taskExecutor runs one continuous-crawl pass directly through the extraction pipeline
// and feeds the outcome back into the gatekeeper history
type taskExecutor struct {
	pipeline interfaces.ExtractionPipeline
	recorder interfaces.CrawlResultRecorder
}

func (e *taskExecutor) ExecuteCrawl(ctx context.Context, task *models.ContinuousCrawlTask) (*models.ExtractionResult, error) {
	priority := models.PriorityAuto
	if task.TriggerType == models.TriggerUser {
		priority = models.PriorityUser
	}

	job := &models.CrawlJob{
		ID:          common.NewJobID(),
		URL:         task.URL,
		Platform:    task.Platform,
		SessionID:   task.SessionID,
		InstanceID:  task.InstanceID,
		TriggerType: task.TriggerType,
		Priority:    priority,
		EnqueuedAt:  time.Now(),
	}

	result, err := e.pipeline.Execute(ctx, job)
	if e.recorder != nil && ctx.Err() == nil {
		e.recorder.RecordResult(task.Platform, task.URL, err == nil && result != nil && result.Success)
	}
	return result, err
}

var _ interfaces.CrawlExecutor = (*taskExecutor)(nil)
