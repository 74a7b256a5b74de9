package app

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/browser/browsertest"
	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

const (
	weiboStatusURL = "https://weibo.com/1234567890/AbCdEfGhI"
	genericVideo   = "https://platformX.com/video/1234567890123456789"
	loggedInAvatar = `[data-testid="user-avatar"]`
)

type fakePipeline struct {
	calls int32
}

func (p *fakePipeline) Execute(ctx context.Context, job *models.CrawlJob) (*models.ExtractionResult, error) {
	atomic.AddInt32(&p.calls, 1)
	return &models.ExtractionResult{Success: true, Title: "t", Content: "c", Author: "a"}, nil
}

type appFixture struct {
	app      *App
	driver   *browsertest.FakeDriver
	pipeline *fakePipeline
}

func newAppFixture(t *testing.T, setup browsertest.PageSetup, mutate func(cfg *common.Config)) *appFixture {
	t.Helper()

	cfg := common.NewDefaultConfig()
	dir := t.TempDir()
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Browser.WorkDir = filepath.Join(dir, "browsers")
	cfg.Pool.MinFreeMemoryMB = 0
	cfg.Classifier.UseContent = false
	cfg.Login.VerifyWaits = []common.Duration{common.Duration(time.Millisecond)}
	cfg.Queue.Workers = 0
	cfg.Continuous.DefaultInterval = common.Duration(time.Hour)
	cfg.Continuous.MaxTickSleep = common.Duration(20 * time.Millisecond)
	if mutate != nil {
		mutate(cfg)
	}

	f := &appFixture{
		driver:   browsertest.NewFakeDriver(setup),
		pipeline: &fakePipeline{},
	}
	a, err := New(cfg, arbor.NewLogger(), f.driver, f.pipeline)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	f.app = a
	return f
}

func loggedIn(p *browsertest.FakePage) {
	p.SetElement(loggedInAvatar, "")
}

func (f *appFixture) create(t *testing.T, sessionID, platform string) *models.BrowserInstance {
	t.Helper()
	result, err := f.app.CreateInstance(context.Background(), CreateRequest{SessionID: sessionID, Platform: platform})
	require.NoError(t, err)
	return result.Instance
}

func (f *appFixture) tasks(t *testing.T, instanceID string) []*models.ContinuousCrawlTask {
	t.Helper()
	tasks, err := f.app.ListContinuousTasks(context.Background(), models.TaskFilter{InstanceID: instanceID})
	require.NoError(t, err)
	return tasks
}

func TestNew_RequiresDriver(t *testing.T) {
	_, err := New(common.NewDefaultConfig(), arbor.NewLogger(), nil, nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestHandleNavigation_BlacklistedPathIsNotTarget(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	inst := f.create(t, "s1", "generic")

	outcome, err := f.app.HandleNavigation(context.Background(), models.NavigationEvent{
		InstanceID: inst.ID,
		URL:        "https://platformX.com/explore",
		Kind:       models.NavigationNavigated,
	})
	require.NoError(t, err)

	assert.False(t, outcome.Classification.IsTarget)
	assert.Equal(t, 0.0, outcome.Classification.Confidence)
	assert.Nil(t, outcome.Login, "login is not checked for non-target pages")
	assert.Nil(t, outcome.Decision)
	assert.False(t, outcome.Triggered())
}

func TestHandleNavigation_LoginGateBlocksCrawl(t *testing.T) {
	f := newAppFixture(t, nil, nil)
	inst := f.create(t, "s1", "generic")

	outcome, err := f.app.HandleNavigation(context.Background(), models.NavigationEvent{
		InstanceID: inst.ID,
		URL:        genericVideo,
		Kind:       models.NavigationNavigated,
	})
	require.NoError(t, err)

	assert.True(t, outcome.Classification.IsTarget)
	require.NotNil(t, outcome.Login)
	assert.False(t, outcome.Login.IsLoggedIn)
	require.NotNil(t, outcome.Decision)
	assert.False(t, outcome.Decision.Allowed)
	assert.Equal(t, models.SkipNotLoggedIn, outcome.Decision.Reason)
	assert.Nil(t, outcome.Task)

	assert.Empty(t, f.tasks(t, inst.ID))
	stats, err := f.app.TaskStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueuedJobs)
}

func TestHandleNavigation_TriggersCrawlAndContinuousTask(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	outcome, err := f.app.HandleNavigation(ctx, models.NavigationEvent{InstanceID: inst.ID, URL: weiboStatusURL, Kind: models.NavigationNavigated})
	require.NoError(t, err)

	require.True(t, outcome.Triggered())
	assert.Equal(t, "weibo", outcome.Platform)
	assert.True(t, outcome.Login.IsLoggedIn)
	assert.Equal(t, models.PriorityAuto, outcome.Decision.Priority)
	require.NotNil(t, outcome.Task)
	assert.Equal(t, weiboStatusURL, outcome.Task.URL)
	assert.Equal(t, models.TriggerAuto, outcome.Task.TriggerType)

	again, err := f.app.HandleNavigation(ctx, models.NavigationEvent{InstanceID: inst.ID, URL: weiboStatusURL, Kind: models.NavigationLoaded})
	require.NoError(t, err)
	assert.False(t, again.Triggered())
	assert.Equal(t, models.SkipCooldown, again.Decision.Reason)

	assert.Len(t, f.tasks(t, inst.ID), 1)
	stats, err := f.app.TaskStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueuedJobs)
}

func TestHandleNavigation_UnknownInstance(t *testing.T) {
	f := newAppFixture(t, nil, nil)
	_, err := f.app.HandleNavigation(context.Background(), models.NavigationEvent{InstanceID: "missing", URL: weiboStatusURL})
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)

	_, err = f.app.HandleNavigation(context.Background(), models.NavigationEvent{InstanceID: "missing", URL: "about:blank"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestHandleNavigation_DisconnectClosesInstance(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	page := f.driver.Session(inst.ID).Page(0)
	page.Disconnect()

	outcome, err := f.app.HandleNavigation(ctx, models.NavigationEvent{
		InstanceID: inst.ID,
		PageID:     page.ID(),
		URL:        weiboStatusURL,
		Kind:       models.NavigationNavigated,
	})
	assert.ErrorIs(t, err, models.ErrDriverDisconnected)
	assert.Nil(t, outcome)

	_, err = f.app.GetInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
	assert.Equal(t, int64(1), f.app.PoolStats().ForcedCleanups)
	assert.Empty(t, f.tasks(t, inst.ID))
}

func TestNavigate_EventsHandledInBackground(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	landed, err := f.app.Navigate(ctx, inst.ID, weiboStatusURL, interfaces.WaitLoad)
	require.NoError(t, err)
	assert.Equal(t, weiboStatusURL, landed)

	require.Eventually(t, func() bool {
		stats, err := f.app.TaskStats(ctx)
		return err == nil && stats.QueuedJobs == 1 && len(f.tasks(t, inst.ID)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&f.pipeline.calls) >= 1
	}, 5*time.Second, 10*time.Millisecond, "the continuous loop crawls immediately")
}

func TestCloseInstance_StopsBoundTasks(t *testing.T) {
	f := newAppFixture(t, nil, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	_, err := f.app.Navigate(ctx, inst.ID, weiboStatusURL, interfaces.WaitLoad)
	require.NoError(t, err)

	task, err := f.app.StartContinuousCrawl(ctx, ContinuousRequest{InstanceID: inst.ID, UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, weiboStatusURL, task.URL)
	assert.Equal(t, models.TriggerUser, task.TriggerType)
	assert.Equal(t, "weibo", task.Platform)

	assert.True(t, f.app.CloseInstance(ctx, inst.ID))
	assert.False(t, f.app.CloseInstance(ctx, inst.ID))

	got, err := f.app.GetContinuousTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonInstanceGone, got.StopReason)

	_, err = f.app.GetInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}

func TestContinuousCrawl_PauseResumeStop(t *testing.T) {
	f := newAppFixture(t, nil, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	_, err := f.app.Navigate(ctx, inst.ID, weiboStatusURL, interfaces.WaitLoad)
	require.NoError(t, err)
	task, err := f.app.StartContinuousCrawl(ctx, ContinuousRequest{InstanceID: inst.ID, URL: weiboStatusURL})
	require.NoError(t, err)

	require.NoError(t, f.app.PauseContinuousCrawl(ctx, task.ID))
	got, _ := f.app.GetContinuousTask(ctx, task.ID)
	assert.Equal(t, models.TaskStatusPaused, got.Status)

	require.NoError(t, f.app.ResumeContinuousCrawl(ctx, task.ID))
	got, _ = f.app.GetContinuousTask(ctx, task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)

	require.NoError(t, f.app.StopContinuousCrawl(ctx, task.ID))
	require.NoError(t, f.app.StopContinuousCrawl(ctx, task.ID), "stopping twice is a no-op")
	got, _ = f.app.GetContinuousTask(ctx, task.ID)
	assert.Equal(t, models.TaskStatusStopped, got.Status)
	assert.Equal(t, models.StopReasonExplicit, got.StopReason)
}

func TestCheckLoginStatus_BroadcastsAndSaves(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	status, err := f.app.CheckLoginStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, status.IsLoggedIn)
	assert.Equal(t, models.MethodDOMIndicator, status.Method)
	assert.Equal(t, inst.ID, status.InstanceID)

	page := f.driver.Session(inst.ID).Page(0)
	require.NotEmpty(t, page.Scripts())
	assert.Contains(t, page.Scripts()[len(page.Scripts())-1], "__fleetcrawlLogin")

	saved, err := f.app.StorageManager.LoginSessionStorage().GetLatestLoginSession(ctx, "s1", "weibo")
	require.NoError(t, err)
	assert.Equal(t, status.Confidence, saved.Confidence)
}

func TestCheckLoginStatus_NotLoggedInIsNotSaved(t *testing.T) {
	f := newAppFixture(t, nil, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	status, err := f.app.CheckLoginStatus(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, status.IsLoggedIn)

	_, err = f.app.StorageManager.LoginSessionStorage().GetLatestLoginSession(ctx, "s1", "weibo")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateInstance_RestoresSavedLoginAndAutoCrawls(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	ctx := context.Background()

	require.NoError(t, f.app.StorageManager.LoginSessionStorage().SaveLoginSession(ctx, &models.SavedLoginSession{
		ID:         common.NewSavedSessionID(),
		SessionID:  "s1",
		Platform:   "weibo",
		Cookies:    []models.Cookie{{Name: "SUB", Value: "_2A25Labcdef", Domain: ".weibo.com", Path: "/"}},
		LastURL:    weiboStatusURL,
		Confidence: 98,
		SavedAt:    time.Now(),
	}))

	result, err := f.app.CreateInstance(ctx, CreateRequest{SessionID: "s1", Platform: "weibo"})
	require.NoError(t, err)

	require.NotNil(t, result.Restore)
	assert.True(t, result.Restore.Restored)
	assert.Equal(t, 1, result.Restore.CookiesApplied)
	assert.Equal(t, weiboStatusURL, result.Restore.LandedURL)

	require.NotNil(t, result.AutoCrawl)
	assert.True(t, result.AutoCrawl.Triggered())
	require.NotNil(t, result.AutoCrawl.Task)

	// restorer navigation is not evaluated a second time
	f.app.nav.closeAndWait()
	assert.Len(t, f.tasks(t, result.Instance.ID), 1)
	stats, err := f.app.TaskStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.QueuedJobs)
}

func TestCreateInstance_WithoutSavedLogin(t *testing.T) {
	f := newAppFixture(t, nil, nil)

	result, err := f.app.CreateInstance(context.Background(), CreateRequest{SessionID: "s1", Platform: "weibo"})
	require.NoError(t, err)
	require.NotNil(t, result.Restore)
	assert.False(t, result.Restore.Restored)
	assert.Nil(t, result.AutoCrawl)

	_, err = f.app.CreateInstance(context.Background(), CreateRequest{Platform: "weibo"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestStats(t *testing.T) {
	f := newAppFixture(t, nil, nil)
	f.create(t, "s1", "weibo")
	f.create(t, "s2", "douyin")

	stats := f.app.PoolStats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.ByPlatform["weibo"])
	assert.Len(t, f.app.ListInstances(), 2)
}

func TestStartAndHousekeeping(t *testing.T) {
	f := newAppFixture(t, loggedIn, nil)
	inst := f.create(t, "s1", "weibo")
	ctx := context.Background()

	require.NoError(t, f.app.Start(ctx))
	assert.True(t, f.app.SchedulerService.IsRunning())

	for _, job := range []string{"instance_sweep", "login_poll", "history_prune", "task_cleanup", "pool_stats"} {
		assert.NoError(t, f.app.SchedulerService.RunJob(job), job)
	}

	// the login poll saved the confident verdict
	_, err := f.app.StorageManager.LoginSessionStorage().GetLatestLoginSession(ctx, "s1", "weibo")
	assert.NoError(t, err)
	_, err = f.app.GetInstance(ctx, inst.ID)
	assert.NoError(t, err)
}

func TestNavigationTracker_Dedup(t *testing.T) {
	tracker := newNavigationTracker(2 * time.Second)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tracker.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	event := models.NavigationEvent{InstanceID: "i1", PageID: "p1", URL: weiboStatusURL}
	require.True(t, tracker.admit(event))
	tracker.done()
	assert.False(t, tracker.admit(event), "same page and url within the window")

	other := event
	other.URL = genericVideo
	require.True(t, tracker.admit(other), "a different url on the same page is handled")
	tracker.done()

	advance(3 * time.Second)
	require.True(t, tracker.admit(other))
	tracker.done()

	release := tracker.suppress("i1")
	assert.False(t, tracker.admit(models.NavigationEvent{InstanceID: "i1", PageID: "p2", URL: weiboStatusURL}))
	release()

	advance(3 * time.Second)
	assert.Equal(t, 1, tracker.prune(now))
	tracker.forgetInstance("i1")
	assert.Equal(t, 0, tracker.tracked())

	tracker.closeAndWait()
	assert.False(t, tracker.admit(models.NavigationEvent{InstanceID: "i2", PageID: "p1", URL: weiboStatusURL}))
}
