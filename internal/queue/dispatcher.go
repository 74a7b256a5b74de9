package queue

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

// Dispatcher drains the crawl queue with a fixed set of workers, hands each job to the
// extraction pipeline and reports the outcome to the recorder.
type Dispatcher struct {
	queue        *BadgerQueue
	pipeline     interfaces.ExtractionPipeline
	logger       arbor.ILogger
	numWorkers   int
	pollInterval time.Duration

	mu       sync.RWMutex
	recorder interfaces.CrawlResultRecorder

	wake    chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewDispatcher creates a dispatcher; call Start to launch the workers
func NewDispatcher(queue *BadgerQueue, pipeline interfaces.ExtractionPipeline, logger arbor.ILogger, numWorkers int, pollInterval time.Duration) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if numWorkers < 0 {
		numWorkers = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		queue:        queue,
		pipeline:     pipeline,
		logger:       logger,
		numWorkers:   numWorkers,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, numWorkers+1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetRecorder registers the receiver of crawl outcomes
func (d *Dispatcher) SetRecorder(recorder interfaces.CrawlResultRecorder) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recorder = recorder
}

// Start launches the workers
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info().
		Int("num_workers", d.numWorkers).
		Dur("poll_interval", d.pollInterval).
		Msg("Starting crawl dispatcher")

	for i := 0; i < d.numWorkers; i++ {
		d.spawn(i)
	}
}

// spawn runs a worker under SafeGo. A worker that panics is replaced until Stop.
func (d *Dispatcher) spawn(workerID int) {
	d.wg.Add(1)
	common.SafeGo(d.logger, fmt.Sprintf("crawlWorker:%d", workerID), func() {
		clean := false
		defer func() {
			if !clean && d.ctx.Err() == nil {
				d.logger.Warn().Int("worker_id", workerID).Msg("Crawl worker panicked, restarting")
				d.spawn(workerID)
			}
			d.wg.Done()
		}()
		d.worker(workerID)
		clean = true
	})
}

// Stop cancels in-flight jobs and waits for the workers to exit.
// Cancelled jobs stay in the queue and are redelivered after the visibility timeout.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Msg("Crawl dispatcher stopped")
}

// Notify wakes an idle worker. It never blocks.
func (d *Dispatcher) Notify(ctx context.Context) {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) worker(workerID int) {
	d.logger.Debug().Int("worker_id", workerID).Msg("Crawl worker started")

	for {
		if d.ctx.Err() != nil {
			return
		}
		if d.ProcessNext(d.ctx, workerID) {
			continue
		}

		select {
		case <-d.ctx.Done():
			d.logger.Debug().Int("worker_id", workerID).Msg("Crawl worker stopping")
			return
		case <-d.wake:
		case <-time.After(d.pollInterval):
		}
	}
}

// ProcessNext handles one queued job. It reports whether a job was taken.
func (d *Dispatcher) ProcessNext(ctx context.Context, workerID int) bool {
	msg, deleteFn, err := d.queue.Receive(ctx)
	if err != nil {
		if !errors.Is(err, models.ErrNoMessage) && ctx.Err() == nil {
			d.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Failed to receive crawl job")
		}
		return false
	}

	job := msg.Job
	logger := d.logger.WithCorrelationId(job.ID)
	logger.Debug().
		Int("worker_id", workerID).
		Str("url", job.URL).
		Str("platform", job.Platform).
		Int("priority", job.Priority).
		Int("receive_count", msg.ReceiveCount).
		Msg("Processing crawl job")

	startTime := time.Now()
	result, err := d.pipeline.Execute(ctx, &job)
	if err != nil && ctx.Err() != nil {
		// shutting down: leave the message for redelivery
		logger.Debug().Str("url", job.URL).Msg("Crawl job interrupted by shutdown")
		return true
	}

	success := err == nil && result != nil && result.Success
	switch {
	case err != nil:
		logger.Warn().Err(err).Str("url", job.URL).Msg("Extraction pipeline failed")
	case !success:
		reason := ""
		if result != nil {
			reason = result.Error
		}
		logger.Warn().Str("url", job.URL).Str("reason", reason).Msg("Extraction reported failure")
	default:
		logger.Info().Str("url", job.URL).Dur("elapsed", time.Since(startTime)).Msg("Crawl job completed")
	}

	d.mu.RLock()
	recorder := d.recorder
	d.mu.RUnlock()
	if recorder != nil {
		recorder.RecordResult(job.Platform, job.URL, success)
	}

	if err := deleteFn(); err != nil {
		logger.Error().Err(err).Msg("Failed to delete crawl job from queue")
	}
	return true
}

// Compile-time checks
var (
	_ interfaces.WorkerNotifier = (*Dispatcher)(nil)
	_ interfaces.CrawlQueue     = (*BadgerQueue)(nil)
)

