package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/browser/browsertest"
	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	badgerstore "github.com/ternarybob/fleetcrawl/internal/storage/badger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	// every reading moves time forward so activity ordering is strict
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type poolFixture struct {
	pool   *Pool
	driver *browsertest.FakeDriver
	store  interfaces.InstanceStorage
	clock  *fakeClock
	sleeps []time.Duration
	mu     sync.Mutex
}

func newPoolFixture(t *testing.T, mutate func(cfg *common.PoolConfig)) *poolFixture {
	t.Helper()
	logger := arbor.NewLogger()

	manager, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	poolCfg := common.PoolConfig{
		MaxInstancesPerPlatform: 5,
		MaxTotalInstances:       20,
		InstanceTTL:             common.Duration(time.Hour),
		LaunchRetries:           3,
		LaunchBackoff:           common.Duration(time.Second),
		IDAttempts:              5,
	}
	if mutate != nil {
		mutate(&poolCfg)
	}
	browserCfg := common.BrowserConfig{WorkDir: filepath.Join(t.TempDir(), "browsers"), Headless: true}

	f := &poolFixture{
		driver: browsertest.NewFakeDriver(nil),
		store:  manager.InstanceStorage(),
		clock:  &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	f.pool = NewPool(poolCfg, browserCfg, f.driver, f.store, logger)
	f.pool.now = f.clock.Now
	f.pool.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func (f *poolFixture) create(t *testing.T, sessionID, platform string) *models.BrowserInstance {
	t.Helper()
	inst, err := f.pool.Create(context.Background(), sessionID, platform, CreateOptions{})
	require.NoError(t, err)
	return inst
}

func TestPool_CreatePersistsActiveInstance(t *testing.T) {
	f := newPoolFixture(t, nil)
	inst := f.create(t, "s1", "Weibo")

	assert.Equal(t, models.InstanceStateActive, inst.State)
	assert.Equal(t, "weibo", inst.Platform)
	assert.NotEmpty(t, inst.ActivePageID)
	assert.True(t, inst.ExpiresAt.After(inst.CreatedAt))

	row, err := f.store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateActive, row.State)

	require.Equal(t, 1, f.driver.LaunchCount())
	assert.Equal(t, inst.WorkDir, f.driver.Launches[0].WorkDir)
	assert.DirExists(t, inst.WorkDir)
}

func TestPool_CreateRejectsMissingInput(t *testing.T) {
	f := newPoolFixture(t, nil)
	_, err := f.pool.Create(context.Background(), "", "weibo", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestPool_EvictsLeastRecentlyActiveForPlatform(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.create(t, fmt.Sprintf("s%d", i), "weibo").ID)
	}
	// the oldest instance becomes the most recently used
	_, err := f.pool.Navigate(ctx, ids[0], "https://weibo.com/home", interfaces.WaitLoad)
	require.NoError(t, err)

	created := f.create(t, "s-new", "weibo")
	assert.Equal(t, models.InstanceStateActive, created.State)

	_, err = f.pool.Get(ctx, ids[1])
	assert.ErrorIs(t, err, models.ErrInstanceNotFound, "least recently active weibo instance is evicted")
	_, err = f.pool.Get(ctx, ids[0])
	assert.NoError(t, err)

	stats := f.pool.Stats()
	assert.Equal(t, 5, stats.ByPlatform["weibo"])
	assert.Equal(t, int64(1), stats.Evicted)
	assert.True(t, f.driver.Session(ids[1]).Closed())

	row, err := f.store.GetInstance(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateClosed, row.State)
	assert.Equal(t, models.CloseReasonEvicted, row.CloseReason)
}

func TestPool_EvictsGloballyAtTotalCap(t *testing.T) {
	f := newPoolFixture(t, func(cfg *common.PoolConfig) { cfg.MaxTotalInstances = 2 })
	ctx := context.Background()

	first := f.create(t, "s1", "weibo")
	f.create(t, "s2", "zhihu")
	f.create(t, "s3", "bilibili")

	_, err := f.pool.Get(ctx, first.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
	assert.Equal(t, 2, f.pool.Stats().Active)
}

func TestPool_ConcurrentCreatesRespectCaps(t *testing.T) {
	f := newPoolFixture(t, func(cfg *common.PoolConfig) {
		cfg.MaxInstancesPerPlatform = 3
		cfg.MaxTotalInstances = 4
	})

	var violations int32
	var vmu sync.Mutex
	f.driver.LaunchHook = func(opts interfaces.LaunchOptions) {
		perPlatform, total := f.pool.occupancy("weibo")
		if perPlatform > 3 || total > 4 {
			vmu.Lock()
			violations++
			vmu.Unlock()
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			platform := "weibo"
			if i%3 == 0 {
				platform = "zhihu"
			}
			_, err := f.pool.Create(context.Background(), fmt.Sprintf("s%d", i), platform, CreateOptions{})
			if err != nil {
				assert.ErrorIs(t, err, models.ErrResourceExhausted)
			}
		}(i)
	}
	wg.Wait()

	stats := f.pool.Stats()
	assert.LessOrEqual(t, stats.ByPlatform["weibo"], 3)
	assert.LessOrEqual(t, stats.Active, 4)
	assert.Equal(t, 0, stats.Creating)
	assert.Zero(t, violations)
}

func TestPool_LaunchRetriesWithBackoff(t *testing.T) {
	f := newPoolFixture(t, nil)
	boom := errors.New("chrome exited")
	f.driver.LaunchErrs = []error{boom, boom}

	var dirs []bool
	f.driver.LaunchHook = func(opts interfaces.LaunchOptions) {
		entries, _ := os.ReadDir(opts.WorkDir)
		dirs = append(dirs, len(entries) == 0)
		// leave debris behind; the next attempt must start from a clean directory
		os.WriteFile(filepath.Join(opts.WorkDir, "SingletonLock"), []byte("x"), 0644)
	}

	inst := f.create(t, "s1", "weibo")
	assert.Equal(t, models.InstanceStateActive, inst.State)
	assert.Equal(t, 3, f.driver.LaunchCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
	assert.Equal(t, []bool{true, true, true}, dirs)
}

func TestPool_LaunchFailureAfterRetries(t *testing.T) {
	f := newPoolFixture(t, nil)
	boom := errors.New("chrome exited")
	f.driver.LaunchErrs = []error{boom, boom, boom, boom}

	_, err := f.pool.Create(context.Background(), "s1", "weibo", CreateOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrLaunchFailure)
	assert.Equal(t, 4, f.driver.LaunchCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.sleeps)

	stats := f.pool.Stats()
	assert.Equal(t, 0, stats.Active+stats.Creating)
	assert.Equal(t, int64(1), stats.LaunchFailures)

	rows, err := f.store.ListInstances(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	f := newPoolFixture(t, nil)
	inst := f.create(t, "s1", "weibo")

	var reasons []string
	f.pool.OnClose(func(id, reason string) { reasons = append(reasons, id+":"+reason) })

	assert.True(t, f.pool.Close(context.Background(), inst.ID, ""))
	assert.False(t, f.pool.Close(context.Background(), inst.ID, ""))
	assert.Equal(t, []string{inst.ID + ":" + models.CloseReasonExplicit}, reasons)
	assert.NoDirExists(t, inst.WorkDir)

	_, err := f.pool.Navigate(context.Background(), inst.ID, "https://weibo.com", interfaces.WaitLoad)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}

func (k *keyedMutex) has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.locks[key]
	return ok
}

func TestPool_StaleCallersDoNotLeakLocks(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	live := f.create(t, "s1", "weibo")
	closed := f.create(t, "s2", "weibo")
	require.True(t, f.pool.Close(ctx, closed.ID, ""))
	before := f.pool.locks.Len()

	for i := 0; i < 50; i++ {
		_, err := f.pool.Navigate(ctx, closed.ID, "https://weibo.com", interfaces.WaitLoad)
		assert.ErrorIs(t, err, models.ErrInstanceNotFound)
		_, err = f.pool.GetCookies(ctx, fmt.Sprintf("inst_missing_%d", i))
		assert.ErrorIs(t, err, models.ErrInstanceNotFound)
	}
	assert.Equal(t, before, f.pool.locks.Len())
	assert.False(t, f.pool.locks.has(closed.ID))

	_, err := f.pool.Navigate(ctx, live.ID, "https://weibo.com/u/123456", interfaces.WaitLoad)
	require.NoError(t, err)
	assert.True(t, f.pool.locks.has(live.ID), "live instances keep their lock")
}

func TestPool_DisconnectForcesCleanup(t *testing.T) {
	f := newPoolFixture(t, nil)
	inst := f.create(t, "s1", "weibo")

	var reasons []string
	f.pool.OnClose(func(id, reason string) { reasons = append(reasons, reason) })

	f.driver.Session(inst.ID).Kill()
	_, err := f.pool.Navigate(context.Background(), inst.ID, "https://weibo.com", interfaces.WaitLoad)
	assert.ErrorIs(t, err, models.ErrDriverDisconnected)

	_, err = f.pool.Get(context.Background(), inst.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
	assert.Equal(t, []string{models.CloseReasonDisconnected}, reasons)
	assert.Equal(t, int64(1), f.pool.Stats().ForcedCleanups)
}

func TestPool_SweepExpiredAndDead(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()

	old := f.create(t, "s1", "weibo")
	f.clock.Advance(50 * time.Minute)
	fresh := f.create(t, "s2", "weibo")
	dead := f.create(t, "s3", "zhihu")
	f.driver.Session(dead.ID).Kill()

	f.clock.Advance(15 * time.Minute)
	closed := f.pool.SweepExpired(ctx)
	assert.Equal(t, 2, closed)

	_, err := f.pool.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	row, err := f.store.GetInstance(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateExpired, row.State)
	assert.Equal(t, int64(1), f.pool.Stats().Expired)
}

func TestPool_IDCollisionHandling(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.store.SaveInstance(ctx, &models.BrowserInstance{ID: "inst_busy", State: models.InstanceStateActive}))
	require.NoError(t, f.store.SaveInstance(ctx, &models.BrowserInstance{ID: "inst_stale", State: models.InstanceStateClosed}))

	ids := []string{"inst_busy", "inst_stale"}
	f.pool.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	inst := f.create(t, "s1", "weibo")
	assert.Equal(t, "inst_stale", inst.ID)

	row, err := f.store.GetInstance(ctx, "inst_stale")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateActive, row.State)
}

func TestPool_IDGenerationGivesUp(t *testing.T) {
	f := newPoolFixture(t, func(cfg *common.PoolConfig) { cfg.IDAttempts = 2 })
	ctx := context.Background()
	require.NoError(t, f.store.SaveInstance(ctx, &models.BrowserInstance{ID: "inst_busy", State: models.InstanceStateActive}))
	f.pool.newID = func() string { return "inst_busy" }

	_, err := f.pool.Create(ctx, "s1", "weibo", CreateOptions{})
	assert.Error(t, err)
	assert.Equal(t, 0, f.driver.LaunchCount())
}

func TestPool_RebuildsMissingRecord(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	inst := f.create(t, "s1", "weibo")

	require.NoError(t, f.store.DeleteInstance(ctx, inst.ID))
	_, err := f.pool.Navigate(ctx, inst.ID, "https://weibo.com/u/1", interfaces.WaitLoad)
	require.NoError(t, err)

	row, err := f.store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "s1", row.SessionID)
	assert.Equal(t, models.InstanceStateActive, row.State)
}

func TestPool_LowMemoryEvictsOrRefuses(t *testing.T) {
	f := newPoolFixture(t, func(cfg *common.PoolConfig) { cfg.MinFreeMemoryMB = 512 })
	f.pool.monitor.readMem = func() (uint64, error) { return 100, nil }

	_, err := f.pool.Create(context.Background(), "s1", "weibo", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrResourceExhausted)

	f.pool.monitor.readMem = func() (uint64, error) { return 4096, nil }
	first := f.create(t, "s1", "weibo")

	f.pool.monitor.readMem = func() (uint64, error) { return 100, nil }
	second := f.create(t, "s2", "zhihu")
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.pool.Get(context.Background(), first.ID)
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
}

func TestPool_OperationsAreSerializedPerInstance(t *testing.T) {
	f := newPoolFixture(t, nil)
	inst := f.create(t, "s1", "weibo")
	page := f.driver.Session(inst.ID).Page(0)
	page.Delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.pool.Navigate(context.Background(), inst.ID, fmt.Sprintf("https://weibo.com/%d", i), interfaces.WaitLoad)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), page.MaxConcurrent)
	assert.Len(t, page.Navigations(), 5)
}

func TestPool_ForwardsNavigationEvents(t *testing.T) {
	f := newPoolFixture(t, nil)
	var mu sync.Mutex
	var events []models.NavigationEvent
	f.pool.OnNavigation(func(ev models.NavigationEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	inst := f.create(t, "s1", "weibo")
	landed, err := f.pool.Navigate(context.Background(), inst.ID, "https://weibo.com/1234567890/AbCdEf", interfaces.WaitLoad)
	require.NoError(t, err)
	assert.Equal(t, "https://weibo.com/1234567890/AbCdEf", landed)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, inst.ID, last.InstanceID)
	assert.Equal(t, models.NavigationNavigated, last.Kind)
}

func TestPool_CurrentURLsAndCookies(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	inst := f.create(t, "s1", "weibo")

	session := f.driver.Session(inst.ID)
	session.Page(0).SetURL("https://weibo.com/a")
	extra, err := session.NewPage(ctx)
	require.NoError(t, err)
	extra.(*browsertest.FakePage).SetURL("https://weibo.com/b")

	urls, err := f.pool.CurrentURLs(ctx, inst.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://weibo.com/a", "https://weibo.com/b"}, urls)

	require.NoError(t, f.pool.SetCookies(ctx, inst.ID, []models.Cookie{{Name: "SUB", Value: "x", Domain: ".weibo.com"}}))
	cookies, err := f.pool.GetCookies(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "SUB", cookies[0].Name)

	shot, err := f.pool.Screenshot(ctx, inst.ID, false)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
}

func TestPool_ShutdownClosesEverything(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	a := f.create(t, "s1", "weibo")
	b := f.create(t, "s2", "zhihu")

	f.pool.Shutdown(ctx)
	assert.True(t, f.driver.Session(a.ID).Closed())
	assert.True(t, f.driver.Session(b.ID).Closed())

	_, err := f.pool.Create(ctx, "s3", "weibo", CreateOptions{})
	assert.ErrorIs(t, err, models.ErrResourceExhausted)
}

func TestPool_ReconcileStored(t *testing.T) {
	f := newPoolFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveInstance(ctx, &models.BrowserInstance{ID: "inst_left", State: models.InstanceStateActive}))
	live := f.create(t, "s1", "weibo")

	n, err := f.pool.ReconcileStored(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := f.store.GetInstance(ctx, "inst_left")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateClosed, row.State)

	row, err = f.store.GetInstance(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStateActive, row.State)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := NewRetryPolicy(3, time.Second)
	assert.Equal(t, time.Second, p.Backoff(0))
	assert.Equal(t, 2*time.Second, p.Backoff(1))
	assert.Equal(t, 4*time.Second, p.Backoff(2))
	assert.Equal(t, 30*time.Second, p.Backoff(10))
}
