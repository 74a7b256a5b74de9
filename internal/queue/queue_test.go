package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, visibility time.Duration, maxReceive int) (*BadgerQueue, *testClock) {
	t.Helper()
	q, err := NewBadgerQueue(openTestDB(t), "crawl", visibility, maxReceive, arbor.NewLogger())
	require.NoError(t, err)
	clock := &testClock{now: time.Now()}
	q.now = clock.Now
	return q, clock
}

func TestBadgerQueue_PriorityOrder(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/auto", Priority: models.PriorityAuto}))
	clock.Advance(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/low", Priority: models.PriorityLow}))
	clock.Advance(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/user", Priority: models.PriorityUser}))

	var order []string
	for i := 0; i < 3; i++ {
		msg, del, err := q.Receive(ctx)
		require.NoError(t, err)
		order = append(order, msg.Job.URL)
		require.NoError(t, del())
	}
	assert.Equal(t, []string{"https://a/user", "https://a/auto", "https://a/low"}, order)

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadgerQueue_AssignsIDs(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	job := &models.CrawlJob{URL: "https://a/1"}
	require.NoError(t, q.Enqueue(context.Background(), job))
	assert.NotEmpty(t, job.ID)
	assert.False(t, job.EnqueuedAt.IsZero())

	assert.ErrorIs(t, q.Enqueue(context.Background(), &models.CrawlJob{}), models.ErrInvalidInput)
}

func TestBadgerQueue_VisibilityTimeout(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/1"}))

	first, _, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ReceiveCount)

	_, _, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage, "in-flight message is invisible")

	clock.Advance(2 * time.Minute)
	second, del, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.ReceiveCount)
	require.NoError(t, del())
}

func TestBadgerQueue_InFlightDoesNotBlockLowerPriority(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/user", Priority: models.PriorityUser}))

	_, _, err := q.Receive(ctx)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/auto", Priority: models.PriorityAuto}))

	msg, _, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://a/auto", msg.Job.URL)
}

func TestBadgerQueue_MaxReceiveDropsPoisonMessage(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute, 2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/poison"}))

	for i := 0; i < 2; i++ {
		_, _, err := q.Receive(ctx)
		require.NoError(t, err)
		clock.Advance(2 * time.Minute)
	}

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type fakePipeline struct {
	mu   sync.Mutex
	jobs []models.CrawlJob
	fn   func(job *models.CrawlJob) (*models.ExtractionResult, error)
}

func (p *fakePipeline) Execute(ctx context.Context, job *models.CrawlJob) (*models.ExtractionResult, error) {
	p.mu.Lock()
	p.jobs = append(p.jobs, *job)
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(job)
	}
	return &models.ExtractionResult{Success: true, Title: "t"}, nil
}

func (p *fakePipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

type recordedResult struct {
	platform, url string
	success       bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	results []recordedResult
}

func (r *fakeRecorder) RecordResult(platform, url string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, recordedResult{platform, url, success})
}

func (r *fakeRecorder) snapshot() []recordedResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedResult(nil), r.results...)
}

func TestDispatcher_ProcessesAndReports(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	pipeline := &fakePipeline{}
	recorder := &fakeRecorder{}

	d := NewDispatcher(q, pipeline, arbor.NewLogger(), 2, time.Hour)
	d.SetRecorder(recorder)
	d.Start()
	defer d.Stop()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://weibo.com/1/Abc", Platform: "weibo"}))
	d.Notify(ctx)

	assert.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, recordedResult{"weibo", "https://weibo.com/1/Abc", true}, recorder.snapshot()[0])

	assert.Eventually(t, func() bool {
		n, _ := q.Len(ctx)
		return n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDispatcher_ReportsFailures(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	calls := 0
	pipeline := &fakePipeline{fn: func(job *models.CrawlJob) (*models.ExtractionResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("pipeline down")
		}
		return &models.ExtractionResult{Success: false, Error: "empty page"}, nil
	}}
	recorder := &fakeRecorder{}

	d := NewDispatcher(q, pipeline, arbor.NewLogger(), 0, time.Hour)
	d.SetRecorder(recorder)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/1", Platform: "zhihu"}))
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/2", Platform: "zhihu"}))

	assert.True(t, d.ProcessNext(ctx, 0))
	assert.True(t, d.ProcessNext(ctx, 0))
	assert.False(t, d.ProcessNext(ctx, 0))

	results := recorder.snapshot()
	require.Len(t, results, 2)
	assert.False(t, results[0].success)
	assert.False(t, results[1].success)
	assert.Equal(t, 2, pipeline.count())
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute, 3)
	d := NewDispatcher(q, &fakePipeline{}, arbor.NewLogger(), 1, time.Hour)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Notify(context.Background())
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked")
	}
}

func TestDispatcher_PanickingWorkerIsReplaced(t *testing.T) {
	previous := common.CrashLogDir
	common.CrashLogDir = t.TempDir()
	t.Cleanup(func() { common.CrashLogDir = previous })

	q, clock := newTestQueue(t, time.Minute, 3)
	var calls int32
	pipeline := &fakePipeline{fn: func(job *models.CrawlJob) (*models.ExtractionResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("renderer crashed")
		}
		return &models.ExtractionResult{Success: true}, nil
	}}
	recorder := &fakeRecorder{}
	before := common.GetGoroutineStats()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/1", Platform: "weibo"}))
	clock.Advance(time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, &models.CrawlJob{URL: "https://a/2", Platform: "weibo"}))

	d := NewDispatcher(q, pipeline, arbor.NewLogger(), 1, 20*time.Millisecond)
	d.SetRecorder(recorder)
	d.Start()

	// the single worker died on the first job, so only a replacement can take the second
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "https://a/2", recorder.snapshot()[0].url)
	assert.Greater(t, common.GetGoroutineStats().Recovered, before.Recovered)

	// the panicked job was never deleted and comes back after the visibility timeout
	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, recordedResult{"weibo", "https://a/1", true}, recorder.snapshot()[1])

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after a worker restart")
	}
}
