package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/fleetcrawl/internal/common"
)

// JobFunc is one housekeeping job
type JobFunc func(ctx context.Context) error

// JobStatus is a snapshot of a registered job
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	IsRunning   bool       `json:"is_running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Runs        int64      `json:"runs"`
}

// jobEntry represents a registered job with metadata
type jobEntry struct {
	name        string
	schedule    string
	description string
	handler     JobFunc
	enabled     bool
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
	runs        int64
}

// Service runs named housekeeping jobs on cron schedules. A job never overlaps itself;
// a tick that fires while the previous run is still going is skipped.
type Service struct {
	cron   *cron.Cron
	logger arbor.ILogger

	jobMu   sync.Mutex
	jobs    map[string]*jobEntry
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new scheduler service
func NewService(logger arbor.ILogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterJob adds a job. An empty schedule registers the job disabled; it can still be triggered.
func (s *Service) RegisterJob(name, schedule, description string, handler JobFunc) error {
	if schedule != "" {
		if err := common.ValidateSchedule(schedule); err != nil {
			return fmt.Errorf("invalid schedule for job %s: %w", name, err)
		}
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
		enabled:     schedule != "",
	}

	if entry.enabled {
		cronID, err := s.cron.AddFunc(schedule, func() {
			s.executeJob(name)
		})
		if err != nil {
			return fmt.Errorf("failed to add job to cron: %w", err)
		}
		entry.cronID = cronID
	}
	s.jobs[name] = entry

	s.logger.Debug().
		Str("job_name", name).
		Str("schedule", schedule).
		Bool("enabled", entry.enabled).
		Msg("Job registered")

	return nil
}

// Start begins firing scheduled jobs
func (s *Service) Start() {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
}

// Stop halts the scheduler, cancels running jobs and waits for them to return
func (s *Service) Stop() {
	s.jobMu.Lock()
	wasRunning := s.running
	s.running = false
	s.jobMu.Unlock()

	if wasRunning {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	if wasRunning {
		s.logger.Info().Msg("Scheduler stopped")
	}
}

// IsRunning reports whether Start has been called without a matching Stop
func (s *Service) IsRunning() bool {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	return s.running
}

// TriggerJob runs a job immediately in the background
func (s *Service) TriggerJob(name string) error {
	s.jobMu.Lock()
	_, exists := s.jobs[name]
	s.jobMu.Unlock()
	if !exists {
		return fmt.Errorf("job %s not found", name)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(name)
	}()
	return nil
}

// RunJob runs a job synchronously and returns its error
func (s *Service) RunJob(name string) error {
	s.jobMu.Lock()
	_, exists := s.jobs[name]
	s.jobMu.Unlock()
	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	return s.executeJob(name)
}

// GetJobStatus returns the status of one job
func (s *Service) GetJobStatus(name string) (*JobStatus, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	entry, exists := s.jobs[name]
	if !exists {
		return nil, fmt.Errorf("job %s not found", name)
	}
	return s.statusLocked(entry), nil
}

// GetAllJobStatuses returns every job ordered by name
func (s *Service) GetAllJobStatuses() []*JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	statuses := make([]*JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		statuses = append(statuses, s.statusLocked(entry))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (s *Service) statusLocked(entry *jobEntry) *JobStatus {
	status := &JobStatus{
		Name:        entry.name,
		Schedule:    entry.schedule,
		Description: entry.description,
		Enabled:     entry.enabled,
		IsRunning:   entry.isRunning,
		LastRun:     entry.lastRun,
		LastError:   entry.lastError,
		Runs:        entry.runs,
	}
	if entry.enabled && s.running {
		if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
			status.NextRun = &next
		}
	}
	return status
}

func (s *Service) executeJob(name string) (err error) {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return fmt.Errorf("job %s not found", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job_name", name).Msg("Job still running, skipping tick")
		return nil
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Panic recovered in job execution")
		}

		completed := time.Now()
		s.jobMu.Lock()
		entry.isRunning = false
		entry.lastRun = &completed
		entry.runs++
		entry.lastError = ""
		if err != nil {
			entry.lastError = err.Error()
		}
		s.jobMu.Unlock()

		if err != nil {
			s.logger.Warn().
				Str("job_name", name).
				Err(err).
				Dur("duration", completed.Sub(start)).
				Msg("Job execution failed")
		} else {
			s.logger.Debug().
				Str("job_name", name).
				Dur("duration", completed.Sub(start)).
				Msg("Job execution completed")
		}
	}()

	return handler(s.ctx)
}
