package continuous

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

const defaultTickSleep = 60 * time.Second

// run is the per-task loop. It exits when the task is terminal, deleted or ctx is cancelled.
func (s *Scheduler) run(ctx context.Context, id string) {
	logger := s.logger.WithCorrelationId(id)
	logger.Debug().Msg("Continuous crawl loop started")
	defer logger.Debug().Msg("Continuous crawl loop exited")

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrTaskNotFound) || ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Failed to reload continuous crawl task")
			if !s.sleep(ctx, s.tick(s.cfg.DefaultInterval.D())) {
				return
			}
			continue
		}

		switch {
		case task.Status.Terminal():
			return
		case task.Status == models.TaskStatusPaused:
			if !s.sleep(ctx, s.tick(task.Config.Interval)) {
				return
			}
			continue
		}

		if wait := task.NextCrawlAt.Sub(s.now()); wait > 0 {
			if !s.sleep(ctx, s.tick(wait)) {
				return
			}
			continue
		}

		if !s.step(ctx, task) {
			return
		}
	}
}

// step performs one crawl for a running task. It returns false when the loop must exit.
func (s *Scheduler) step(ctx context.Context, task *models.ContinuousCrawlTask) bool {
	urls, err := s.pages.CurrentURLs(ctx, task.InstanceID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		if instanceGone(err) {
			s.finish(ctx, task.ID, models.TaskStatusStopped, models.StopReasonInstanceGone)
			return false
		}
		return s.recordFailure(ctx, task.ID, err)
	}
	if !onURL(urls, task.URL) {
		s.finish(ctx, task.ID, models.TaskStatusStopped, models.StopReasonNavigatedAway)
		return false
	}

	result, err := s.executor.ExecuteCrawl(ctx, task)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		if instanceGone(err) {
			s.finish(ctx, task.ID, models.TaskStatusStopped, models.StopReasonInstanceGone)
			return false
		}
		return s.recordFailure(ctx, task.ID, err)
	}
	if result == nil || !result.Success {
		msg := "extraction reported failure"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		return s.recordFailure(ctx, task.ID, errors.New(msg))
	}
	return s.recordSuccess(ctx, task.ID, result)
}

func (s *Scheduler) recordSuccess(ctx context.Context, id string, result *models.ExtractionResult) bool {
	hash := contentHash(result)
	now := s.now()

	task, err := s.update(ctx, id, func(task *models.ContinuousCrawlTask) bool {
		if task.Status.Terminal() {
			return false
		}
		task.CrawlCount++
		task.LastCrawlAt = now
		task.NextCrawlAt = now.Add(task.Config.Interval)
		if hash == task.LastContentHash {
			task.NoChangeCount++
		} else {
			task.LastContentHash = hash
			task.NoChangeCount = 0
		}

		switch {
		case task.Config.MaxCrawls > 0 && task.CrawlCount >= task.Config.MaxCrawls:
			task.Status = models.TaskStatusStopped
			task.StopReason = models.StopReasonMaxCrawls
		case task.Config.StopOnNoChanges && task.Config.MaxNoChanges > 0 && task.NoChangeCount >= task.Config.MaxNoChanges:
			task.Status = models.TaskStatusStopped
			task.StopReason = models.StopReasonNoChanges
		}
		return true
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to record continuous crawl result")
		return ctx.Err() == nil
	}

	s.logger.Debug().
		Str("task_id", id).
		Int("crawl_count", task.CrawlCount).
		Int("no_change_count", task.NoChangeCount).
		Msg("Continuous crawl completed")

	if task.Status.Terminal() {
		s.logger.Info().
			Str("task_id", id).
			Str("reason", task.StopReason).
			Int("crawl_count", task.CrawlCount).
			Msg("Continuous crawl finished")
		return false
	}
	return true
}

func (s *Scheduler) recordFailure(ctx context.Context, id string, cause error) bool {
	threshold := s.cfg.ErrorThreshold
	if threshold <= 0 {
		threshold = 5
	}
	now := s.now()

	task, err := s.update(ctx, id, func(task *models.ContinuousCrawlTask) bool {
		if task.Status.Terminal() {
			return false
		}
		task.ErrorCount++
		task.LastError = cause.Error()
		task.NextCrawlAt = now.Add(task.Config.Interval)
		if task.ErrorCount >= threshold {
			task.Status = models.TaskStatusError
			task.StopReason = models.StopReasonErrors
		}
		return true
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to record continuous crawl error")
		return ctx.Err() == nil
	}

	s.logger.Warn().
		Err(cause).
		Str("task_id", id).
		Int("error_count", task.ErrorCount).
		Msg("Continuous crawl failed")

	if task.Status == models.TaskStatusError {
		s.logger.Error().
			Str("task_id", id).
			Int("error_count", task.ErrorCount).
			Msg("Continuous crawl stopped after repeated errors")
		return false
	}
	return !task.Status.Terminal()
}

// finish moves a task to a terminal state from inside its own loop
func (s *Scheduler) finish(ctx context.Context, id string, status models.TaskStatus, reason string) {
	_, err := s.update(ctx, id, func(task *models.ContinuousCrawlTask) bool {
		if task.Status.Terminal() {
			return false
		}
		task.Status = status
		task.StopReason = reason
		return true
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", id).Msg("Failed to finish continuous crawl task")
		return
	}
	s.logger.Info().Str("task_id", id).Str("reason", reason).Msg("Continuous crawl stopped")
}

// tick caps a sleep so stop and pause are noticed promptly
func (s *Scheduler) tick(d time.Duration) time.Duration {
	limit := s.cfg.MaxTickSleep.D()
	if limit <= 0 {
		limit = defaultTickSleep
	}
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// sleep waits d and reports false when ctx ended first
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func instanceGone(err error) bool {
	return errors.Is(err, models.ErrInstanceNotFound) || errors.Is(err, models.ErrDriverDisconnected)
}

func onURL(urls []string, target string) bool {
	for _, u := range urls {
		if common.SameURL(u, target) {
			return true
		}
	}
	return false
}

// contentHash fingerprints the primary extracted fields
func contentHash(result *models.ExtractionResult) string {
	h := sha256.New()
	h.Write([]byte(result.Title))
	h.Write([]byte{0})
	h.Write([]byte(result.Content))
	h.Write([]byte{0})
	h.Write([]byte(result.Author))
	return hex.EncodeToString(h.Sum(nil))
}
