package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
	"github.com/ternarybob/fleetcrawl/internal/interfaces"
	"github.com/ternarybob/fleetcrawl/internal/models"
)

// CloseHook runs after an instance has been closed and removed from the pool
type CloseHook func(instanceID, reason string)

// CreateOptions override the configured defaults for one instance
type CreateOptions struct {
	TTL       time.Duration
	Headless  *bool
	UserAgent string
}

type entry struct {
	instance models.BrowserInstance
	session  interfaces.BrowserSession
}

// Pool owns every live browser instance. Lock order is createMu, then the per-instance
// lock, then mu; mu is never held across driver calls.
type Pool struct {
	poolCfg    common.PoolConfig
	browserCfg common.BrowserConfig
	driver     interfaces.BrowserDriver
	store      interfaces.InstanceStorage
	logger     arbor.ILogger
	monitor    *ResourceMonitor
	retry      *RetryPolicy

	mu        sync.RWMutex
	instances map[string]*entry
	createMu  sync.Mutex
	locks     *keyedMutex
	shutdown  bool

	hooksMu    sync.RWMutex
	closeHooks []CloseHook
	navHandler interfaces.PageEventHandler

	created        int64
	evicted        int64
	expired        int64
	launchFailures int64
	forcedCleanups int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// NewPool creates an empty pool
func NewPool(poolCfg common.PoolConfig, browserCfg common.BrowserConfig, driver interfaces.BrowserDriver, store interfaces.InstanceStorage, logger arbor.ILogger) *Pool {
	return &Pool{
		poolCfg:    poolCfg,
		browserCfg: browserCfg,
		driver:     driver,
		store:      store,
		logger:     logger,
		monitor:    NewResourceMonitor(poolCfg.MinFreeMemoryMB, logger),
		retry:      NewRetryPolicy(poolCfg.LaunchRetries, poolCfg.LaunchBackoff.D()),
		instances:  make(map[string]*entry),
		locks:      newKeyedMutex(),
		now:        time.Now,
		sleep:      sleepContext,
		newID:      common.NewInstanceID,
	}
}

// OnClose registers a hook run after every close, whatever the reason
func (p *Pool) OnClose(hook CloseHook) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.closeHooks = append(p.closeHooks, hook)
}

// OnNavigation registers the receiver of page events from every instance.
// The handler runs on the driver's event goroutine and must not block.
func (p *Pool) OnNavigation(handler interfaces.PageEventHandler) {
	p.hooksMu.Lock()
	defer p.hooksMu.Unlock()
	p.navHandler = handler
}

// Create launches a new instance for sessionID on platform, evicting the least recently
// active instances when the pool is full.
func (p *Pool) Create(ctx context.Context, sessionID, platform string, opts CreateOptions) (*models.BrowserInstance, error) {
	sessionID = strings.TrimSpace(sessionID)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if sessionID == "" || platform == "" {
		return nil, fmt.Errorf("%w: session ID and platform are required", models.ErrInvalidInput)
	}

	id, err := p.reserve(ctx, sessionID, platform)
	if err != nil {
		return nil, err
	}

	logger := p.logger.WithCorrelationId(id)
	workDir := filepath.Join(p.browserCfg.WorkDir, id)

	session, attempts, err := p.launch(ctx, id, workDir, opts)
	if err != nil {
		p.release(ctx, id)
		atomic.AddInt64(&p.launchFailures, 1)
		logger.Error().Err(err).Str("platform", platform).Int("attempts", attempts).Msg("Browser launch failed after retries")
		return nil, fmt.Errorf("%w: %d attempts: %v", models.ErrLaunchFailure, attempts, err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = p.poolCfg.InstanceTTL.D()
	}
	now := p.now()

	p.mu.Lock()
	e, ok := p.instances[id]
	if !ok || p.shutdown {
		p.mu.Unlock()
		session.Close()
		p.release(ctx, id)
		return nil, fmt.Errorf("%w: pool closed during launch", models.ErrLaunchFailure)
	}
	e.session = session
	e.instance.State = models.InstanceStateActive
	e.instance.WorkDir = workDir
	e.instance.CreatedAt = now
	e.instance.LastActivityAt = now
	if ttl > 0 {
		e.instance.ExpiresAt = now.Add(ttl)
	}
	snapshot := e.instance
	p.mu.Unlock()

	session.OnPageEvent(p.pageEventHandler(id))
	if pages, err := session.Pages(ctx); err == nil && len(pages) > 0 {
		p.setActivePage(id, pages[0].ID())
		snapshot.ActivePageID = pages[0].ID()
	}

	if err := p.store.SaveInstance(ctx, &snapshot); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist instance record")
	}

	atomic.AddInt64(&p.created, 1)
	logger.Info().
		Str("session_id", sessionID).
		Str("platform", platform).
		Int("attempts", attempts).
		Str("expires_at", snapshot.ExpiresAt.Format(time.RFC3339)).
		Msg("Browser instance created")

	return &snapshot, nil
}

// reserve claims a slot under the creation lock so concurrent creates can never exceed capacity
func (p *Pool) reserve(ctx context.Context, sessionID, platform string) (string, error) {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	p.mu.RLock()
	closed := p.shutdown
	p.mu.RUnlock()
	if closed {
		return "", fmt.Errorf("%w: pool is shut down", models.ErrResourceExhausted)
	}

	if err := p.ensureCapacity(ctx, platform); err != nil {
		return "", err
	}

	id, err := p.generateID(ctx)
	if err != nil {
		return "", err
	}

	now := p.now()
	e := &entry{instance: models.BrowserInstance{
		ID:             id,
		SessionID:      sessionID,
		Platform:       platform,
		State:          models.InstanceStateCreating,
		CreatedAt:      now,
		LastActivityAt: now,
	}}

	p.mu.Lock()
	p.instances[id] = e
	p.mu.Unlock()

	row := e.instance
	if err := p.store.SaveInstance(ctx, &row); err != nil {
		p.logger.Warn().Err(err).Str("instance_id", id).Msg("Failed to persist creating instance")
	}
	return id, nil
}

// release drops a reservation whose launch failed
func (p *Pool) release(ctx context.Context, id string) {
	p.createMu.Lock()
	defer p.createMu.Unlock()

	p.mu.Lock()
	delete(p.instances, id)
	p.mu.Unlock()
	p.locks.Forget(id)

	if err := p.store.DeleteInstance(ctx, id); err != nil {
		p.logger.Warn().Err(err).Str("instance_id", id).Msg("Failed to delete instance record")
	}
}

// generateID picks a random ID unused by live instances and stored rows.
// A stored row for an inactive instance is stale and is deleted.
func (p *Pool) generateID(ctx context.Context) (string, error) {
	attempts := p.poolCfg.IDAttempts
	if attempts <= 0 {
		attempts = 5
	}

	for i := 0; i < attempts; i++ {
		id := p.newID()

		p.mu.RLock()
		_, live := p.instances[id]
		p.mu.RUnlock()
		if live {
			continue
		}

		row, err := p.store.GetInstance(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			return id, nil
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("instance_id", id).Msg("Instance ID collision check failed")
			continue
		}
		if row.State.Counts() {
			continue
		}

		if err := p.store.DeleteInstance(ctx, id); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", id).Msg("Failed to delete stale instance record")
			continue
		}
		p.logger.Debug().Str("instance_id", id).Str("state", string(row.State)).Msg("Reused ID of stale instance record")
		return id, nil
	}
	return "", fmt.Errorf("failed to generate unique instance ID after %d attempts", attempts)
}

func (p *Pool) launch(ctx context.Context, id, workDir string, opts CreateOptions) (interfaces.BrowserSession, int, error) {
	headless := p.browserCfg.Headless
	if opts.Headless != nil {
		headless = *opts.Headless
	}
	userAgent := p.browserCfg.UserAgent
	if opts.UserAgent != "" {
		userAgent = opts.UserAgent
	}

	launchOpts := interfaces.LaunchOptions{
		InstanceID:   id,
		WorkDir:      workDir,
		Headless:     headless,
		NoSandbox:    p.browserCfg.NoSandbox,
		DisableGPU:   p.browserCfg.DisableGPU,
		UserAgent:    userAgent,
		ExecPath:     p.browserCfg.ExecPath,
		WindowWidth:  p.browserCfg.WindowWidth,
		WindowHeight: p.browserCfg.WindowHeight,
		Timeout:      p.browserCfg.LaunchTimeout.D(),
	}

	var lastErr error
	attempts := 0
	for retry := 0; retry <= p.retry.MaxRetries; retry++ {
		if retry > 0 {
			backoff := p.retry.Backoff(retry - 1)
			p.logger.Warn().
				Err(lastErr).
				Str("instance_id", id).
				Int("retry", retry).
				Dur("backoff", backoff).
				Msg("Retrying browser launch")
			if err := p.sleep(ctx, backoff); err != nil {
				return nil, attempts, err
			}
		}

		// a half-written profile from a failed attempt can wedge the next launch
		if err := os.RemoveAll(workDir); err != nil {
			lastErr = fmt.Errorf("failed to clear work dir: %w", err)
			attempts++
			continue
		}
		if err := os.MkdirAll(workDir, 0755); err != nil {
			lastErr = fmt.Errorf("failed to create work dir: %w", err)
			attempts++
			continue
		}

		launchCtx := ctx
		var cancel context.CancelFunc = func() {}
		if timeout := p.browserCfg.LaunchTimeout.D(); timeout > 0 {
			launchCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		session, err := p.driver.Launch(launchCtx, launchOpts)
		cancel()
		attempts++
		if err == nil {
			return session, attempts, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}
	}

	os.RemoveAll(workDir)
	return nil, attempts, lastErr
}

// ensureCapacity evicts until the platform and global caps leave room. Caller holds createMu.
func (p *Pool) ensureCapacity(ctx context.Context, platform string) error {
	memoryChecked := false

	for {
		platformCount, total := p.occupancy(platform)
		overPlatform := platformCount >= p.poolCfg.MaxInstancesPerPlatform
		overTotal := total >= p.poolCfg.MaxTotalInstances

		if !overPlatform && !overTotal {
			if memoryChecked || p.monitor.Sufficient() {
				return nil
			}
			memoryChecked = true
			victim := p.lruVictim("")
			if victim == "" {
				return fmt.Errorf("%w: host memory low and nothing to evict", models.ErrResourceExhausted)
			}
			p.evict(ctx, victim, "low memory")
			continue
		}

		scope := ""
		if overPlatform {
			scope = platform
		}
		victim := p.lruVictim(scope)
		if victim == "" && overPlatform && !overTotal {
			// every platform slot is still launching
			return fmt.Errorf("%w: %d/%d %s instances, none evictable", models.ErrResourceExhausted, platformCount, p.poolCfg.MaxInstancesPerPlatform, platform)
		}
		if victim == "" {
			return fmt.Errorf("%w: %d/%d instances, none evictable", models.ErrResourceExhausted, total, p.poolCfg.MaxTotalInstances)
		}
		p.evict(ctx, victim, scopeLabel(scope))
	}
}

func scopeLabel(scope string) string {
	if scope == "" {
		return "global cap"
	}
	return "platform cap"
}

func (p *Pool) evict(ctx context.Context, id, why string) {
	p.logger.Info().Str("instance_id", id).Str("cause", why).Msg("Evicting least recently active instance")
	if p.closeLocked(ctx, id, models.CloseReasonEvicted) {
		atomic.AddInt64(&p.evicted, 1)
	}
}

// occupancy counts creating and active instances
func (p *Pool) occupancy(platform string) (int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	platformCount, total := 0, 0
	for _, e := range p.instances {
		if !e.instance.State.Counts() {
			continue
		}
		total++
		if e.instance.Platform == platform {
			platformCount++
		}
	}
	return platformCount, total
}

// lruVictim returns the active instance with the oldest activity, limited to platform unless empty
func (p *Pool) lruVictim(platform string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var candidates []models.BrowserInstance
	for _, e := range p.instances {
		if e.instance.State != models.InstanceStateActive {
			continue
		}
		if platform != "" && e.instance.Platform != platform {
			continue
		}
		candidates = append(candidates, e.instance)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastActivityAt.Equal(candidates[j].LastActivityAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt)
	})
	return candidates[0].ID
}

// Get returns a snapshot of a live instance
func (p *Pool) Get(ctx context.Context, id string) (*models.BrowserInstance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrInstanceNotFound, id)
	}
	snapshot := e.instance
	return &snapshot, nil
}

// List returns snapshots of every live instance, oldest first
func (p *Pool) List() []models.BrowserInstance {
	p.mu.RLock()
	result := make([]models.BrowserInstance, 0, len(p.instances))
	for _, e := range p.instances {
		result = append(result, e.instance)
	}
	p.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Close shuts an instance down. It returns false when the instance is unknown or already closed.
func (p *Pool) Close(ctx context.Context, id, reason string) bool {
	if reason == "" {
		reason = models.CloseReasonExplicit
	}
	p.createMu.Lock()
	defer p.createMu.Unlock()
	return p.closeLocked(ctx, id, reason)
}

// closeLocked removes the instance first so no new operation can start, then waits for
// the in-flight one before closing the browser. Caller holds createMu.
func (p *Pool) closeLocked(ctx context.Context, id, reason string) bool {
	p.mu.Lock()
	e, ok := p.instances[id]
	if !ok || e.instance.State == models.InstanceStateCreating {
		p.mu.Unlock()
		return false
	}
	delete(p.instances, id)
	p.mu.Unlock()

	unlock := p.locks.Lock(id)
	if e.session != nil {
		if err := e.session.Close(); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", id).Msg("Browser close reported an error")
		}
	}
	unlock()
	p.locks.Forget(id)

	if e.instance.WorkDir != "" {
		if err := os.RemoveAll(e.instance.WorkDir); err != nil {
			p.logger.Debug().Err(err).Str("work_dir", e.instance.WorkDir).Msg("Failed to remove work dir")
		}
	}

	row := e.instance
	row.State = models.InstanceStateClosed
	if reason == models.CloseReasonExpired {
		row.State = models.InstanceStateExpired
	}
	row.ClosedAt = p.now()
	row.CloseReason = reason
	if err := p.store.SaveInstance(ctx, &row); err != nil {
		p.logger.Warn().Err(err).Str("instance_id", id).Msg("Failed to persist closed instance")
	}

	p.logger.Info().
		Str("instance_id", id).
		Str("session_id", row.SessionID).
		Str("platform", row.Platform).
		Str("reason", reason).
		Msg("Browser instance closed")

	p.hooksMu.RLock()
	hooks := append([]CloseHook(nil), p.closeHooks...)
	p.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(id, reason)
	}
	return true
}

// forceCleanup closes an instance whose driver went away. Never call it under the instance lock.
func (p *Pool) forceCleanup(id string, cause error) {
	p.logger.Warn().Err(cause).Str("instance_id", id).Msg("Browser disconnected, forcing cleanup")
	if p.Close(context.Background(), id, models.CloseReasonDisconnected) {
		atomic.AddInt64(&p.forcedCleanups, 1)
	}
}

// SweepExpired closes instances past their expiry and instances failing a liveness check
func (p *Pool) SweepExpired(ctx context.Context) int {
	now := p.now()

	p.mu.RLock()
	var expired, check []string
	sessions := make(map[string]interfaces.BrowserSession)
	for id, e := range p.instances {
		if e.instance.State != models.InstanceStateActive {
			continue
		}
		if e.instance.Expired(now) {
			expired = append(expired, id)
			continue
		}
		check = append(check, id)
		sessions[id] = e.session
	}
	p.mu.RUnlock()

	closed := 0
	for _, id := range expired {
		if p.Close(ctx, id, models.CloseReasonExpired) {
			atomic.AddInt64(&p.expired, 1)
			closed++
		}
	}
	for _, id := range check {
		if ctx.Err() != nil {
			break
		}
		if sessions[id] != nil && !sessions[id].Alive(ctx) {
			if p.Close(ctx, id, models.CloseReasonDisconnected) {
				atomic.AddInt64(&p.forcedCleanups, 1)
				closed++
			}
		}
	}

	if closed > 0 {
		p.logger.Info().Int("closed", closed).Int("expired", len(expired)).Msg("Instance sweep completed")
	}
	return closed
}

// Stats returns a snapshot of pool occupancy and lifetime counters
func (p *Pool) Stats() models.PoolStats {
	stats := models.PoolStats{
		ByPlatform:     make(map[string]int),
		MaxPerPlatform: p.poolCfg.MaxInstancesPerPlatform,
		MaxTotal:       p.poolCfg.MaxTotalInstances,
		Created:        atomic.LoadInt64(&p.created),
		Evicted:        atomic.LoadInt64(&p.evicted),
		Expired:        atomic.LoadInt64(&p.expired),
		LaunchFailures: atomic.LoadInt64(&p.launchFailures),
		ForcedCleanups: atomic.LoadInt64(&p.forcedCleanups),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, e := range p.instances {
		switch e.instance.State {
		case models.InstanceStateActive:
			stats.Active++
			stats.ByPlatform[e.instance.Platform]++
		case models.InstanceStateCreating:
			stats.Creating++
		}
	}
	return stats
}

// Shutdown closes every instance and refuses new ones
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.shutdown = true
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Close(ctx, id, models.CloseReasonShutdown)
	}
	p.logger.Info().Int("closed", len(ids)).Msg("Browser pool shut down")
}

// ReconcileStored marks rows left creating or active by a previous process as closed.
// No browser survives a restart, so those rows can never be live.
func (p *Pool) ReconcileStored(ctx context.Context) (int, error) {
	rows, err := p.store.ListInstances(ctx, "")
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, row := range rows {
		if !row.State.Counts() {
			continue
		}
		p.mu.RLock()
		_, live := p.instances[row.ID]
		p.mu.RUnlock()
		if live {
			continue
		}

		row.State = models.InstanceStateClosed
		row.ClosedAt = p.now()
		row.CloseReason = models.CloseReasonShutdown
		if err := p.store.SaveInstance(ctx, row); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", row.ID).Msg("Failed to reconcile instance record")
			continue
		}
		reconciled++
	}

	if reconciled > 0 {
		p.logger.Info().Int("reconciled", reconciled).Msg("Closed instance records left over from previous run")
	}
	return reconciled, nil
}
