package continuous

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	badgerstore "github.com/ternarybob/fleetcrawl/internal/storage/badger"
)

const taskURL = "https://weibo.com/detail/4987654321"

type fakePages struct {
	mu   sync.Mutex
	urls map[string][]string
}

func (p *fakePages) CurrentURLs(_ context.Context, instanceID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls, ok := p.urls[instanceID]
	if !ok {
		return nil, models.ErrInstanceNotFound
	}
	return append([]string(nil), urls...), nil
}

func (p *fakePages) set(instanceID string, urls ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls[instanceID] = urls
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  int
	result func(call int) (*models.ExtractionResult, error)
}

func (e *fakeExecutor) ExecuteCrawl(_ context.Context, _ *models.ContinuousCrawlTask) (*models.ExtractionResult, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	if e.result == nil {
		return &models.ExtractionResult{Success: true, Title: "t", Content: "c", Author: "a"}, nil
	}
	return e.result(call)
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	scheduler *Scheduler
	store     interfaces.CrawlTaskStorage
	pages     *fakePages
	executor  *fakeExecutor
	cfg       common.ContinuousConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := arbor.NewLogger()
	manager, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)

	cfg := common.NewDefaultConfig().Continuous
	cfg.MaxTickSleep = common.Duration(10 * time.Millisecond)

	f := &fixture{
		store:    manager.CrawlTaskStorage(),
		pages:    &fakePages{urls: map[string][]string{"i1": {taskURL}}},
		executor: &fakeExecutor{},
		cfg:      cfg,
	}
	f.scheduler = NewScheduler(f.store, f.pages, f.executor, cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.scheduler.Shutdown(ctx)
		manager.Close()
	})
	return f
}

func (f *fixture) start(t *testing.T, cfg models.TaskConfig) *models.ContinuousCrawlTask {
	t.Helper()
	task, err := f.scheduler.Start(context.Background(), StartRequest{
		SessionID:  "s1",
		InstanceID: "i1",
		URL:        taskURL,
		Platform:   "weibo",
		Config:     &cfg,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) waitLoop(t *testing.T, id string) *models.ContinuousCrawlTask {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.scheduler.Wait(ctx, id))
	task, err := f.scheduler.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestStart_MaxCrawlsStopsTask(t *testing.T) {
	f := newFixture(t)
	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond, MaxCrawls: 3})
	assert.Equal(t, models.TaskStatusRunning, task.Status)

	task = f.waitLoop(t, task.ID)
	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.Equal(t, models.StopReasonMaxCrawls, task.StopReason)
	assert.Equal(t, 3, task.CrawlCount)
	assert.Equal(t, 3, f.executor.count())

	stats, err := f.scheduler.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.LiveLoops)
	assert.Equal(t, 1, stats.Stopped)
	assert.Equal(t, 3, stats.TotalCrawls)
}

func TestLoop_IdenticalContentKeepsHashAndCounts(t *testing.T) {
	f := newFixture(t)
	result := &models.ExtractionResult{Success: true, Title: "same", Content: "body", Author: "alice"}
	f.executor.result = func(int) (*models.ExtractionResult, error) { return result, nil }

	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond, MaxCrawls: 2})
	task = f.waitLoop(t, task.ID)

	assert.Equal(t, 2, task.CrawlCount)
	assert.Equal(t, 1, task.NoChangeCount)
	assert.Equal(t, contentHash(result), task.LastContentHash)
}

func TestLoop_ChangedContentResetsNoChangeCount(t *testing.T) {
	f := newFixture(t)
	f.executor.result = func(call int) (*models.ExtractionResult, error) {
		content := "first"
		if call == 3 {
			content = "second"
		}
		return &models.ExtractionResult{Success: true, Title: "t", Content: content}, nil
	}

	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond, MaxCrawls: 3})
	task = f.waitLoop(t, task.ID)

	assert.Equal(t, 0, task.NoChangeCount)
	assert.Equal(t, contentHash(&models.ExtractionResult{Title: "t", Content: "second"}), task.LastContentHash)
}

func TestLoop_StopsAfterRepeatedNoChanges(t *testing.T) {
	f := newFixture(t)
	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond, StopOnNoChanges: true, MaxNoChanges: 2})

	task = f.waitLoop(t, task.ID)
	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.Equal(t, models.StopReasonNoChanges, task.StopReason)
	assert.Equal(t, 3, task.CrawlCount)
}

func TestLoop_ErrorThreshold(t *testing.T) {
	f := newFixture(t)
	f.executor.result = func(int) (*models.ExtractionResult, error) {
		return nil, errors.New("extractor unavailable")
	}

	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond})
	task = f.waitLoop(t, task.ID)

	assert.Equal(t, models.TaskStatusError, task.Status)
	assert.Equal(t, models.StopReasonErrors, task.StopReason)
	assert.Equal(t, 5, task.ErrorCount)
	assert.Equal(t, "extractor unavailable", task.LastError)
	assert.Equal(t, 0, task.CrawlCount)

	err := f.scheduler.Resume(context.Background(), task.ID)
	assert.ErrorIs(t, err, models.ErrContinuousTask)
}

func TestLoop_UnsuccessfulResultCountsAsError(t *testing.T) {
	f := newFixture(t)
	f.executor.result = func(int) (*models.ExtractionResult, error) {
		return &models.ExtractionResult{Success: false, Error: "blocked"}, nil
	}
	f.cfg.ErrorThreshold = 2
	f.scheduler.cfg.ErrorThreshold = 2

	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond})
	task = f.waitLoop(t, task.ID)
	assert.Equal(t, models.TaskStatusError, task.Status)
	assert.Equal(t, "blocked", task.LastError)
}

func TestLoop_NavigatedAway(t *testing.T) {
	f := newFixture(t)
	f.pages.set("i1", "https://weibo.com/u/1234567")

	task := f.start(t, models.TaskConfig{Interval: 5 * time.Millisecond})
	task = f.waitLoop(t, task.ID)

	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.Equal(t, models.StopReasonNavigatedAway, task.StopReason)
	assert.Equal(t, 0, f.executor.count())
}

func TestLoop_InstanceGone(t *testing.T) {
	f := newFixture(t)
	task, err := f.scheduler.Start(context.Background(), StartRequest{
		InstanceID: "missing",
		URL:        taskURL,
		Config:     &models.TaskConfig{Interval: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	task = f.waitLoop(t, task.ID)
	assert.Equal(t, models.TaskStatusStopped, task.Status)
	assert.Equal(t, models.StopReasonInstanceGone, task.StopReason)
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.start(t, models.TaskConfig{Interval: time.Hour})

	require.Eventually(t, func() bool { return f.executor.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.scheduler.Stop(ctx, task.ID))
	got, err := f.scheduler.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonExplicit, got.StopReason)

	require.NoError(t, f.scheduler.Stop(ctx, task.ID))
	got, err = f.scheduler.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StopReasonExplicit, got.StopReason)

	assert.ErrorIs(t, f.scheduler.Stop(ctx, "task_unknown"), models.ErrTaskNotFound)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.start(t, models.TaskConfig{Interval: time.Hour})
	require.Eventually(t, func() bool { return f.executor.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.scheduler.Pause(ctx, task.ID))
	got, err := f.scheduler.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, got.Status)

	require.NoError(t, f.scheduler.Resume(ctx, task.ID))
	require.Eventually(t, func() bool { return f.executor.count() == 2 }, 5*time.Second, 5*time.Millisecond)

	got, err = f.scheduler.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 2, got.CrawlCount)
}

func TestStart_ReturnsActiveTaskForSameURL(t *testing.T) {
	f := newFixture(t)
	first := f.start(t, models.TaskConfig{Interval: time.Hour})
	second := f.start(t, models.TaskConfig{Interval: time.Hour})
	assert.Equal(t, first.ID, second.ID)
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.Start(context.Background(), StartRequest{InstanceID: "i1"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestStart_DefaultsFromConfig(t *testing.T) {
	f := newFixture(t)
	task, err := f.scheduler.Start(context.Background(), StartRequest{InstanceID: "i1", URL: taskURL})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, task.Config.Interval)
	assert.Equal(t, 100, task.Config.MaxCrawls)
	assert.Equal(t, models.TriggerUser, task.TriggerType)
}

func TestStopForInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pages.set("i1", taskURL, "https://weibo.com/detail/4987654322")
	f.pages.set("i2", taskURL)

	for _, req := range []StartRequest{
		{InstanceID: "i1", URL: taskURL},
		{InstanceID: "i1", URL: "https://weibo.com/detail/4987654322"},
		{InstanceID: "i2", URL: taskURL},
	} {
		req.Config = &models.TaskConfig{Interval: time.Hour}
		_, err := f.scheduler.Start(ctx, req)
		require.NoError(t, err)
	}

	stopped, err := f.scheduler.StopForInstance(ctx, "i1", models.StopReasonInstanceGone)
	require.NoError(t, err)
	assert.Equal(t, 2, stopped)

	running, err := f.scheduler.List(ctx, models.TaskFilter{Status: models.TaskStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "i2", running[0].InstanceID)
}

func TestCleanupFinished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clock := time.Now()
	f.scheduler.now = func() time.Time { return clock }

	stored := map[models.TaskStatus]string{}
	for _, status := range []models.TaskStatus{models.TaskStatusStopped, models.TaskStatusError, models.TaskStatusRunning, models.TaskStatusPaused} {
		task := &models.ContinuousCrawlTask{
			ID:         common.NewTaskID(),
			InstanceID: "i1",
			URL:        taskURL,
			Status:     status,
			Config:     models.TaskConfig{Interval: time.Hour},
		}
		require.NoError(t, f.store.SaveTask(ctx, task))
		stored[status] = task.ID
	}

	removed, err := f.scheduler.CleanupFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "finished tasks are kept for the retention period")

	clock = clock.Add(2 * time.Hour)
	removed, err = f.scheduler.CleanupFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for status, id := range stored {
		_, err := f.scheduler.Get(ctx, id)
		if status.Terminal() {
			assert.ErrorIs(t, err, models.ErrTaskNotFound, string(status))
		} else {
			assert.NoError(t, err, string(status))
		}
	}
}

func TestRecoverOnStartup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := &models.ContinuousCrawlTask{
		ID:         common.NewTaskID(),
		InstanceID: "i1",
		URL:        taskURL,
		Status:     models.TaskStatusRunning,
		Config:     models.TaskConfig{Interval: time.Hour},
	}
	orphan := &models.ContinuousCrawlTask{
		ID:         common.NewTaskID(),
		InstanceID: "gone",
		URL:        taskURL,
		Status:     models.TaskStatusRunning,
		Config:     models.TaskConfig{Interval: time.Hour},
	}
	require.NoError(t, f.store.SaveTask(ctx, live))
	require.NoError(t, f.store.SaveTask(ctx, orphan))

	resumed, err := f.scheduler.RecoverOnStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	require.Eventually(t, func() bool { return f.executor.count() == 1 }, 5*time.Second, 5*time.Millisecond)

	got, err := f.scheduler.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonInstanceGone, got.StopReason)

	require.NoError(t, f.scheduler.Shutdown(ctx))
	got, err = f.scheduler.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonShutdown, got.StopReason)

	_, err = f.scheduler.Start(ctx, StartRequest{InstanceID: "i1", URL: "https://weibo.com/detail/1111111"})
	assert.ErrorIs(t, err, models.ErrContinuousTask)
}

func TestTick(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.MaxTickSleep = common.Duration(time.Minute)
	assert.Equal(t, time.Minute, f.scheduler.tick(5*time.Minute))
	assert.Equal(t, 10*time.Second, f.scheduler.tick(10*time.Second))
	assert.Equal(t, time.Minute, f.scheduler.tick(0))
}
