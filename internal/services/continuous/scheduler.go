package continuous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// StartRequest describes a new continuous crawl. A nil Config takes the configured defaults.
type StartRequest struct {
	SessionID   string
	UserID      string
	InstanceID  string
	URL         string
	Platform    string
	TriggerType models.TriggerType
	Config      *models.TaskConfig
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the continuous crawl tasks and one supervised loop per live task.
// Task records are the source of truth; loops re-read them every tick.
type Scheduler struct {
	store    interfaces.CrawlTaskStorage
	pages    interfaces.PageLookup
	executor interfaces.CrawlExecutor
	cfg      common.ContinuousConfig
	logger   arbor.ILogger

	// updateMu serialises read-modify-write cycles on task records
	updateMu sync.Mutex

	mu     sync.Mutex
	loops  map[string]*loopHandle
	closed bool

	now func() time.Time
}

// NewScheduler creates a scheduler. It depends on the pool only through pages and executor.
func NewScheduler(store interfaces.CrawlTaskStorage, pages interfaces.PageLookup, executor interfaces.CrawlExecutor, cfg common.ContinuousConfig, logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		store:    store,
		pages:    pages,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		loops:    make(map[string]*loopHandle),
		now:      time.Now,
	}
}

func (s *Scheduler) defaultConfig() models.TaskConfig {
	return models.TaskConfig{
		Interval:        s.cfg.DefaultInterval.D(),
		MaxCrawls:       s.cfg.DefaultMaxCrawls,
		StopOnNoChanges: s.cfg.StopOnNoChanges,
		MaxNoChanges:    s.cfg.MaxNoChanges,
	}
}

// Start creates a running task and launches its loop. An active task for the same
// instance and URL is returned instead of creating a duplicate.
func (s *Scheduler) Start(ctx context.Context, req StartRequest) (*models.ContinuousCrawlTask, error) {
	if req.URL == "" || req.InstanceID == "" {
		return nil, fmt.Errorf("%w: url and instance id are required", models.ErrInvalidInput)
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("%w: scheduler is shut down", models.ErrContinuousTask)
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	existing, err := s.store.ListTasks(ctx, models.TaskFilter{InstanceID: req.InstanceID})
	if err != nil {
		return nil, err
	}
	for _, task := range existing {
		if !task.Status.Terminal() && common.SameURL(task.URL, req.URL) {
			s.logger.Debug().
				Str("task_id", task.ID).
				Str("url", req.URL).
				Msg("Continuous crawl already active for URL")
			return task, nil
		}
	}

	cfg := s.defaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if cfg.Interval <= 0 {
		cfg.Interval = s.cfg.DefaultInterval.D()
	}
	if cfg.StopOnNoChanges && cfg.MaxNoChanges <= 0 {
		cfg.MaxNoChanges = s.cfg.MaxNoChanges
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = models.TriggerUser
	}

	now := s.now()
	task := &models.ContinuousCrawlTask{
		ID:          common.NewTaskID(),
		SessionID:   req.SessionID,
		UserID:      req.UserID,
		InstanceID:  req.InstanceID,
		URL:         req.URL,
		Platform:    req.Platform,
		Status:      models.TaskStatusRunning,
		Config:      cfg,
		TriggerType: trigger,
		CreatedAt:   now,
		NextCrawlAt: now,
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}

	s.spawn(task.ID)

	s.logger.Info().
		Str("task_id", task.ID).
		Str("instance_id", task.InstanceID).
		Str("url", task.URL).
		Str("platform", task.Platform).
		Dur("interval", cfg.Interval).
		Int("max_crawls", cfg.MaxCrawls).
		Msg("Continuous crawl started")
	return task, nil
}

// Get returns one task
func (s *Scheduler) Get(ctx context.Context, id string) (*models.ContinuousCrawlTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrTaskNotFound, id)
	}
	return task, err
}

// List returns tasks matching filter, newest first
func (s *Scheduler) List(ctx context.Context, filter models.TaskFilter) ([]*models.ContinuousCrawlTask, error) {
	return s.store.ListTasks(ctx, filter)
}

// Stop moves a task to Stopped and joins its loop. Stopping a finished task is a no-op.
func (s *Scheduler) Stop(ctx context.Context, id string) error {
	return s.stop(ctx, id, models.StopReasonExplicit, true)
}

// stop marks the task stopped and cancels its loop, waiting for the loop to exit when join is set
func (s *Scheduler) stop(ctx context.Context, id, reason string, join bool) error {
	changed := false
	_, err := s.update(ctx, id, func(task *models.ContinuousCrawlTask) bool {
		if task.Status.Terminal() {
			return false
		}
		task.Status = models.TaskStatusStopped
		task.StopReason = reason
		changed = true
		return true
	})
	if err != nil {
		return err
	}

	if join {
		if err := s.join(ctx, id); err != nil {
			return err
		}
	} else {
		s.cancelLoop(id)
	}
	if changed {
		s.logger.Info().Str("task_id", id).Str("reason", reason).Msg("Continuous crawl stopped")
	}
	return nil
}

// Pause suspends crawling; the loop keeps polling the record until resumed or stopped
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	_, err := s.update(ctx, id, func(task *models.ContinuousCrawlTask) bool {
		if task.Status != models.TaskStatusRunning {
			return false
		}
		task.Status = models.TaskStatusPaused
		return true
	})
	if err == nil {
		s.logger.Debug().Str("task_id", id).Msg("Continuous crawl paused")
	}
	return err
}

// Resume returns a paused task to Running and crawls at the next tick.
// Tasks in a terminal state are not resumed.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	var terminal bool
	task, err := s.update(ctx, id, func(task *models.ContinuousCrawlTask) bool {
		if task.Status.Terminal() {
			terminal = true
			return false
		}
		if task.Status == models.TaskStatusRunning {
			return false
		}
		task.Status = models.TaskStatusRunning
		task.NextCrawlAt = s.now()
		return true
	})
	if err != nil {
		return err
	}
	if terminal {
		return fmt.Errorf("%w: task %s is %s", models.ErrContinuousTask, id, task.Status)
	}

	s.spawn(id)
	s.logger.Debug().Str("task_id", id).Msg("Continuous crawl resumed")
	return nil
}

// StopForInstance stops every active task bound to an instance and returns how many it stopped.
// Loops are cancelled but not joined, so it is safe to call from instance close hooks.
func (s *Scheduler) StopForInstance(ctx context.Context, instanceID, reason string) (int, error) {
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{InstanceID: instanceID})
	if err != nil {
		return 0, err
	}
	stopped := 0
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		if err := s.stop(ctx, task.ID, reason, false); err != nil {
			return stopped, err
		}
		stopped++
	}
	return stopped, nil
}

// CleanupFinished deletes stopped and errored tasks last updated before now - olderThan
func (s *Scheduler) CleanupFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-olderThan)
	removed := 0
	for _, task := range tasks {
		if !task.Status.Terminal() || task.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.store.DeleteTask(ctx, task.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("Finished continuous crawl tasks cleaned up")
	}
	return removed, nil
}

// RecoverOnStartup relaunches loops for tasks left running by a previous process.
// Tasks whose instance is gone are stopped.
func (s *Scheduler) RecoverOnStartup(ctx context.Context) (int, error) {
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{Status: models.TaskStatusRunning})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, task := range tasks {
		if _, err := s.pages.CurrentURLs(ctx, task.InstanceID); err != nil {
			if stopErr := s.stop(ctx, task.ID, models.StopReasonInstanceGone, true); stopErr != nil {
				return resumed, stopErr
			}
			continue
		}
		s.spawn(task.ID)
		resumed++
	}
	if len(tasks) > 0 {
		s.logger.Info().
			Int("running", len(tasks)).
			Int("resumed", resumed).
			Msg("Continuous crawl tasks recovered")
	}
	return resumed, nil
}

// Wait blocks until the loop for id has exited or ctx is done
func (s *Scheduler) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	h := s.loops[id]
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every live task and joins its loop. No new loops start afterwards.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.stop(ctx, id, models.StopReasonShutdown, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.logger.Info().Int("tasks", len(ids)).Msg("Continuous crawl scheduler shut down")
	return firstErr
}

// Stats counts tasks by status together with the live loop count
func (s *Scheduler) Stats(ctx context.Context) (models.TaskStats, error) {
	var stats models.TaskStats
	tasks, err := s.store.ListTasks(ctx, models.TaskFilter{})
	if err != nil {
		return stats, err
	}
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusRunning:
			stats.Running++
		case models.TaskStatusPaused:
			stats.Paused++
		case models.TaskStatusStopped:
			stats.Stopped++
		case models.TaskStatusError:
			stats.Error++
		}
		stats.TotalCrawls += task.CrawlCount
	}
	s.mu.Lock()
	stats.LiveLoops = len(s.loops)
	s.mu.Unlock()
	return stats, nil
}

// update applies fn to the stored task and saves it when fn reports a change
func (s *Scheduler) update(ctx context.Context, id string, fn func(task *models.ContinuousCrawlTask) bool) (*models.ContinuousCrawlTask, error) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !fn(task) {
		return task, nil
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// spawn starts the loop for id unless one is already live or the scheduler is closed
func (s *Scheduler) spawn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.loops[id]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.loops[id] = h

	common.SafeGo(s.logger, "continuousCrawl:"+id, func() {
		defer func() {
			s.mu.Lock()
			if s.loops[id] == h {
				delete(s.loops, id)
			}
			s.mu.Unlock()
			cancel()
			close(h.done)
		}()
		s.run(ctx, id)
	})
}

func (s *Scheduler) cancelLoop(id string) *loopHandle {
	s.mu.Lock()
	h := s.loops[id]
	s.mu.Unlock()
	if h != nil {
		h.cancel()
	}
	return h
}

// join cancels the loop for id and waits for it to exit
func (s *Scheduler) join(ctx context.Context, id string) error {
	h := s.cancelLoop(id)
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
