package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
	"github.com/ternarybob/fleetcrawl/internal/platforms"
	"github.com/ternarybob/fleetcrawl/internal/queue"
	"github.com/ternarybob/fleetcrawl/internal/services/classifier"
	"github.com/ternarybob/fleetcrawl/internal/services/continuous"
	"github.com/ternarybob/fleetcrawl/internal/services/extraction"
	"github.com/ternarybob/fleetcrawl/internal/services/gatekeeper"
	"github.com/ternarybob/fleetcrawl/internal/services/login"
	"github.com/ternarybob/fleetcrawl/internal/services/pool"
	"github.com/ternarybob/fleetcrawl/internal/services/scheduler"
	"github.com/ternarybob/fleetcrawl/internal/storage"
)

// App holds all application components and dependencies. It is constructed once at
// startup and passed by reference to every caller.
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager

	Catalog *platforms.Catalog

	// Browser fleet
	Pool       *pool.Pool
	Detector   *login.Detector
	Restorer   *login.Restorer
	Classifier *classifier.Classifier

	// Crawl triggering
	Queue      *queue.BadgerQueue
	Dispatcher *queue.Dispatcher
	Pipeline   interfaces.ExtractionPipeline
	Gatekeeper *gatekeeper.Gatekeeper
	Continuous *continuous.Scheduler

	// Housekeeping cron
	SchedulerService *scheduler.Service

	nav *navigationTracker
}

// New initializes the application with all dependencies. pipeline may be nil, in which
// case the HTTP extraction client configured under [extraction] is used.
func New(cfg *common.Config, logger arbor.ILogger, driver interfaces.BrowserDriver, pipeline interfaces.ExtractionPipeline) (*App, error) {
	if driver == nil {
		return nil, fmt.Errorf("%w: browser driver is required", models.ErrInvalidInput)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
		Pipeline:  pipeline,
		nav:       newNavigationTracker(navigationDedupWindow),
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(driver); err != nil {
		cancel()
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHousekeeping(); err != nil {
		cancel()
		app.StorageManager.Close()
		return nil, fmt.Errorf("failed to initialize housekeeping: %w", err)
	}

	app.Logger.Debug().
		Int("platforms", len(app.Catalog.Names())).
		Int("workers", cfg.Queue.Workers).
		Msg("Application initialized")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")
	return nil
}

// initServices wires the components in dependency order:
// catalog -> queue -> pipeline/dispatcher -> gatekeeper -> pool -> login/classifier -> continuous
func (a *App) initServices(driver interfaces.BrowserDriver) error {
	a.Catalog = platforms.DefaultCatalog()
	if path := a.Config.Platforms.CatalogFile; path != "" {
		n, err := a.Catalog.LoadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load platform catalog: %w", err)
		}
		a.Logger.Info().Str("path", path).Int("platforms", n).Msg("Platform catalog overrides loaded")
	}

	store, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok || store == nil {
		return fmt.Errorf("storage manager does not expose a badger store")
	}
	q, err := queue.NewBadgerQueue(
		store.Badger(),
		a.Config.Queue.Name,
		a.Config.Queue.VisibilityTimeout.D(),
		a.Config.Queue.MaxReceive,
		a.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create crawl queue: %w", err)
	}
	a.Queue = q

	if a.Pipeline == nil {
		client := extraction.NewClient(a.Config.Extraction, a.Logger)
		if !client.Enabled() {
			a.Logger.Warn().Msg("Extraction endpoint not configured, crawl jobs will fail")
		}
		a.Pipeline = client
	}

	a.Dispatcher = queue.NewDispatcher(q, a.Pipeline, a.Logger, a.Config.Queue.Workers, a.Config.Queue.PollInterval.D())

	notifier := extraction.MultiNotifier{a.Dispatcher}
	if a.Config.Extraction.NotifyURL != "" {
		notifier = append(notifier, extraction.NewHTTPNotifier(
			a.Config.Extraction.NotifyURL,
			a.Config.Gatekeeper.NotifyRatePerSec,
			a.Config.Extraction,
			a.Logger,
		))
	}
	a.Gatekeeper = gatekeeper.NewGatekeeper(a.Config.Gatekeeper, q, notifier, a.Logger)
	a.Dispatcher.SetRecorder(a.Gatekeeper)

	a.Pool = pool.NewPool(a.Config.Pool, a.Config.Browser, driver, a.StorageManager.InstanceStorage(), a.Logger)
	a.Detector = login.NewDetector(a.Catalog, a.Config.Login, a.Logger)
	a.Restorer = login.NewRestorer(a.Detector, a.StorageManager.LoginSessionStorage(), a.Catalog, a.Config.Login, a.Logger)
	a.Classifier = classifier.NewClassifier(a.Catalog, a.Config.Classifier, a.Logger)

	a.Continuous = continuous.NewScheduler(
		a.StorageManager.CrawlTaskStorage(),
		a.Pool,
		&taskExecutor{pipeline: a.Pipeline, recorder: a.Gatekeeper},
		a.Config.Continuous,
		a.Logger,
	)

	a.Pool.OnClose(a.onInstanceClosed)
	a.Pool.OnNavigation(a.onNavigation)

	a.Logger.Debug().Msg("Services initialized")
	return nil
}

// initHousekeeping registers the periodic jobs. Jobs with an empty schedule are registered
// disabled and can still be run on demand.
func (a *App) initHousekeeping() error {
	a.SchedulerService = scheduler.NewService(a.Logger)

	jobs := []struct {
		name        string
		schedule    string
		description string
		handler     scheduler.JobFunc
	}{
		{"instance_sweep", a.Config.Pool.SweepSchedule, "Close expired and unresponsive browser instances", a.sweepInstances},
		{"login_poll", a.Config.Login.PollSchedule, "Re-check login state of every active instance", a.pollLoginStates},
		{"history_prune", a.Config.Gatekeeper.PruneSchedule, "Prune crawl history and navigation dedup entries", a.pruneHistory},
		{"task_cleanup", a.Config.Continuous.CleanupSchedule, "Delete finished continuous crawl tasks past retention", a.cleanupTasks},
		{"pool_stats", a.Config.Pool.StatsSchedule, "Log pool and task statistics", a.logStats},
	}
	for _, job := range jobs {
		if err := a.SchedulerService.RegisterJob(job.name, job.schedule, job.description, job.handler); err != nil {
			return err
		}
	}
	return nil
}

// Start reconciles persisted state and launches the background workers
func (a *App) Start(ctx context.Context) error {
	reconciled, err := a.Pool.ReconcileStored(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to reconcile stored instances")
	}

	recovered, err := a.Continuous.RecoverOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover continuous tasks: %w", err)
	}

	a.Dispatcher.Start()
	a.SchedulerService.Start()

	a.Logger.Info().
		Int("reconciled_instances", reconciled).
		Int("recovered_tasks", recovered).
		Msg("Application started")
	return nil
}

// Close stops background work and releases every resource, in reverse dependency order
func (a *App) Close() error {
	if a.SchedulerService != nil {
		a.SchedulerService.Stop()
	}

	// Cancel in-flight navigation handling and wait for it
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}
	a.nav.closeAndWait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Continuous != nil {
		if err := a.Continuous.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop continuous crawl tasks")
		}
	}

	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}

	if a.Pool != nil {
		a.Pool.Shutdown(shutdownCtx)
		a.Logger.Info().Msg("Browser pool shut down")
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}

// onInstanceClosed stops the continuous tasks bound to a closed instance. The pool calls
// it while holding its creation lock, so task loops are cancelled here but not joined.
func (a *App) onInstanceClosed(instanceID, reason string) {
	a.nav.forgetInstance(instanceID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopped, err := a.Continuous.StopForInstance(ctx, instanceID, models.StopReasonInstanceGone)
	if err != nil {
		a.Logger.Warn().Err(err).Str("instance_id", instanceID).Msg("Failed to stop tasks for closed instance")
		return
	}
	if stopped > 0 {
		a.Logger.Info().
			Str("instance_id", instanceID).
			Str("reason", reason).
			Int("tasks", stopped).
			Msg("Stopped continuous tasks for closed instance")
	}
}

func (a *App) sweepInstances(ctx context.Context) error {
	closed := a.Pool.SweepExpired(ctx)
	if closed > 0 {
		a.Logger.Info().Int("closed", closed).Msg("Instance sweep closed instances")
	}
	return nil
}

func (a *App) pollLoginStates(ctx context.Context) error {
	for _, inst := range a.Pool.List() {
		if inst.State != models.InstanceStateActive {
			continue
		}
		if _, err := a.CheckLoginStatus(ctx, inst.ID); err != nil {
			a.Logger.Debug().Err(err).Str("instance_id", inst.ID).Msg("Login poll failed")
		}
	}
	return nil
}

func (a *App) pruneHistory(ctx context.Context) error {
	removed := a.Gatekeeper.Prune()
	dropped := a.nav.prune(time.Now())
	a.Logger.Debug().Int("history_removed", removed).Int("nav_entries_removed", dropped).Msg("History pruned")
	return nil
}

func (a *App) cleanupTasks(ctx context.Context) error {
	removed, err := a.Continuous.CleanupFinished(ctx, a.Config.Continuous.Retention.D())
	if err != nil {
		return err
	}
	if removed > 0 {
		a.Logger.Info().Int("removed", removed).Msg("Finished continuous tasks cleaned up")
	}
	return nil
}

func (a *App) logStats(ctx context.Context) error {
	poolStats := a.PoolStats()
	taskStats, err := a.TaskStats(ctx)
	if err != nil {
		return err
	}
	cache := a.Classifier.Stats()
	workers := common.GetGoroutineStats()
	lsm, vlog := a.StorageManager.DiskUsage()
	a.Logger.Info().
		Int("active", poolStats.Active).
		Int("creating", poolStats.Creating).
		Int64("evicted", poolStats.Evicted).
		Int64("expired", poolStats.Expired).
		Int("tasks_running", taskStats.Running).
		Int("tasks_paused", taskStats.Paused).
		Int("queued_jobs", taskStats.QueuedJobs).
		Int("classifier_cache", cache.Entries).
		Int64("goroutines_live", workers.Live).
		Int64("goroutines_recovered", workers.Recovered).
		Int64("store_lsm_bytes", lsm).
		Int64("store_vlog_bytes", vlog).
		Msg("Fleet statistics")
	return nil
}

// navigationDedupWindow suppresses repeated events for the same page and URL
const navigationDedupWindow = 2 * time.Second

// navigationTracker de-duplicates page events and tracks in-flight handlers
type navigationTracker struct {
	window time.Duration

	mu         sync.Mutex
	seen       map[string]navSeen
	suppressed map[string]int
	closed     bool
	wg         sync.WaitGroup
	now        func() time.Time
}

type navSeen struct {
	url string
	at  time.Time
}

func newNavigationTracker(window time.Duration) *navigationTracker {
	return &navigationTracker{
		window:     window,
		seen:       make(map[string]navSeen),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

func pageKey(instanceID, pageID string) string {
	return instanceID + "/" + pageID
}

// admit reports whether the event should be handled and, if so, registers the handler
// with the wait group. The caller must call done when admit returns true.
func (t *navigationTracker) admit(event models.NavigationEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.suppressed[event.InstanceID] > 0 {
		return false
	}

	key := pageKey(event.InstanceID, event.PageID)
	now := t.now()
	if last, ok := t.seen[key]; ok && last.url == event.URL && now.Sub(last.at) < t.window {
		return false
	}
	t.seen[key] = navSeen{url: event.URL, at: now}
	t.wg.Add(1)
	return true
}

func (t *navigationTracker) done() {
	t.wg.Done()
}

func (t *navigationTracker) forgetPage(instanceID, pageID string) {
	t.mu.Lock()
	delete(t.seen, pageKey(instanceID, pageID))
	t.mu.Unlock()
}

func (t *navigationTracker) forgetInstance(instanceID string) {
	prefix := instanceID + "/"
	t.mu.Lock()
	for key := range t.seen {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(t.seen, key)
		}
	}
	t.mu.Unlock()
}

// suppress ignores events for an instance until the returned func is called
func (t *navigationTracker) suppress(instanceID string) func() {
	t.mu.Lock()
	t.suppressed[instanceID]++
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if t.suppressed[instanceID]--; t.suppressed[instanceID] <= 0 {
			delete(t.suppressed, instanceID)
		}
		t.mu.Unlock()
	}
}

// prune drops dedup entries older than the window
func (t *navigationTracker) prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for key, seen := range t.seen {
		if now.Sub(seen.at) >= t.window {
			delete(t.seen, key)
			removed++
		}
	}
	return removed
}

func (t *navigationTracker) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

func (t *navigationTracker) closeAndWait() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}
