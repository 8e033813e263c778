// Package dispatch owns the job lifecycle: it pulls due waiting jobs in
// FIFO order, enforces the concurrency bound and the start-rate throttle,
// hands jobs to workers, and applies the retry policy to their outcomes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"mediaflow/internal/domain"
	"mediaflow/internal/metrics"
	"mediaflow/internal/worker"
)

// Options tunes the dispatch loop.
type Options struct {
	// MaxConcurrent bounds simultaneously active jobs.
	MaxConcurrent int
	// StartsPerSecond throttles job starts independently of the
	// concurrency bound, so freed slots cannot burst-spawn the tool.
	StartsPerSecond int
	// MaxAttempts is the total executions before a job fails permanently.
	MaxAttempts int
	// RetryBaseDelay is the first backoff delay; each retry doubles it.
	RetryBaseDelay time.Duration
	// CircuitRetryDelay gates re-enqueues after a circuit-open rejection.
	CircuitRetryDelay time.Duration
	// CacheTTL applies to the result cache write on completion.
	CacheTTL time.Duration
}

// DefaultOptions matches the service defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:     5,
		StartsPerSecond:   5,
		MaxAttempts:       3,
		RetryBaseDelay:    5 * time.Second,
		CircuitRetryDelay: 30 * time.Second,
		CacheTTL:          24 * time.Hour,
	}
}

// Dispatcher runs the dispatch loop.
type Dispatcher struct {
	repo   domain.JobRepository
	worker *worker.Worker
	cache  domain.ResultCache
	stats  *metrics.Metrics
	opts   Options

	wake  chan struct{}
	slots chan struct{}

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	windowStart time.Time
	startCount  int
}

// New creates a dispatcher. It does nothing until Run is called.
func New(repo domain.JobRepository, w *worker.Worker, cache domain.ResultCache, stats *metrics.Metrics, opts Options) *Dispatcher {
	return &Dispatcher{
		repo:    repo,
		worker:  w,
		cache:   cache,
		stats:   stats,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		slots:   make(chan struct{}, opts.MaxConcurrent),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Wake nudges the loop after new work arrives or a slot frees.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// CancelJob terminates the worker executing the job, if any. The worker
// emits no further messages for the job afterwards.
func (d *Dispatcher) CancelJob(id string) {
	d.mu.Lock()
	cancel := d.cancels[id]
	delete(d.cancels, id)
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes the dispatch loop until ctx is cancelled. The loop is
// event-driven: it wakes on submissions and slot releases, with a coarse
// tick for retry backoff gates coming due.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("dispatcher started (max %d active, %d starts/s)",
		d.opts.MaxConcurrent, d.opts.StartsPerSecond)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("dispatcher shutting down")
			return
		case <-d.wake:
		case <-ticker.C:
		}
		d.fill(ctx)
		d.updateQueueGauge(ctx)
	}
}

// updateQueueGauge refreshes the waiting-job gauge after each fill pass.
func (d *Dispatcher) updateQueueGauge(ctx context.Context) {
	n, err := d.repo.CountByState(ctx, domain.StateWaiting)
	if err != nil {
		return
	}
	d.stats.SetQueueSize(n)
}

// fill starts due jobs until either slots or waiting jobs run out.
func (d *Dispatcher) fill(ctx context.Context) {
	for {
		select {
		case d.slots <- struct{}{}:
		default:
			return
		}

		job, err := d.repo.NextWaiting(ctx, time.Now())
		if err != nil {
			if !errors.Is(err, domain.ErrJobNotFound) {
				log.Printf("dispatch: next waiting: %v", err)
			}
			<-d.slots
			return
		}

		if err := d.throttleStart(ctx); err != nil {
			<-d.slots
			return
		}

		if err := d.repo.Claim(ctx, job.ID); err != nil {
			// Lost the job to a cancel; give the slot back and move on.
			<-d.slots
			if !errors.Is(err, domain.ErrJobNotFound) {
				log.Printf("job %s: claim failed: %v", job.ID, err)
			}
			continue
		}
		job.Attempts++
		job.State = domain.StateActive
		log.Printf("job %s: active (attempt %d)", job.ID, job.Attempts)

		jobCtx, cancel := context.WithCancel(ctx)
		d.mu.Lock()
		d.cancels[job.ID] = cancel
		d.mu.Unlock()

		go d.runJob(ctx, jobCtx, job)
	}
}

// throttleStart blocks until the current one-second start window has
// capacity for one more job start.
func (d *Dispatcher) throttleStart(ctx context.Context) error {
	for {
		d.mu.Lock()
		now := time.Now()
		if now.Sub(d.windowStart) >= time.Second {
			d.windowStart = now
			d.startCount = 0
		}
		if d.startCount < d.opts.StartsPerSecond {
			d.startCount++
			d.mu.Unlock()
			return nil
		}
		wait := time.Second - now.Sub(d.windowStart)
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runJob consumes the worker's message stream for one execution attempt.
func (d *Dispatcher) runJob(ctx, jobCtx context.Context, job *domain.Job) {
	started := time.Now()
	d.stats.WorkerStarted()
	defer func() {
		d.stats.WorkerDone()
		d.stats.ObserveDuration(time.Since(started).Seconds())
		d.mu.Lock()
		if cancel, ok := d.cancels[job.ID]; ok {
			delete(d.cancels, job.ID)
			cancel()
		}
		d.mu.Unlock()
		<-d.slots
		d.Wake()
	}()

	terminal := false
	for msg := range d.worker.Execute(jobCtx, job) {
		switch msg.Type {
		case worker.MessageProgress:
			if err := d.repo.SetProgress(ctx, job.ID, msg.Progress); err != nil {
				log.Printf("job %s: progress update: %v", job.ID, err)
			}
		case worker.MessageResult:
			terminal = true
			d.handleSuccess(ctx, job, msg.Result)
		case worker.MessageError:
			terminal = true
			d.handleFailure(ctx, job, msg.Err)
		}
	}
	if !terminal && jobCtx.Err() != nil {
		// Cancelled: the job record is already gone.
		log.Printf("job %s: execution cancelled", job.ID)
	}
}

func (d *Dispatcher) handleSuccess(ctx context.Context, job *domain.Job, result *domain.Result) {
	if err := d.repo.Complete(ctx, job.ID, *result); err != nil {
		log.Printf("job %s: complete: %v", job.ID, err)
		return
	}
	log.Printf("job %s: completed (%d bytes)", job.ID, result.FileSize)
	d.stats.IncDownload("completed")
	d.stats.ObserveFileSize(result.FileSize)

	cached := domain.SubmitResult{
		JobID:      job.ID,
		DownloadID: job.DownloadID,
		Filename:   job.Filename,
		Message:    "Download completed",
	}
	if raw, err := json.Marshal(cached); err == nil {
		d.cache.Set(ctx, domain.DownloadCacheKey(job.URL, job.Format), raw, d.opts.CacheTTL)
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, job *domain.Job, cause error) {
	if errors.Is(cause, domain.ErrCircuitOpen) {
		// The tool was never spawned; retry once the breaker can admit
		// a probe, without consuming an attempt.
		notBefore := time.Now().Add(d.opts.CircuitRetryDelay)
		if err := d.repo.Release(ctx, job.ID, cause.Error(), notBefore); err != nil {
			log.Printf("job %s: release: %v", job.ID, err)
		}
		log.Printf("job %s: circuit open, re-enqueued for %s", job.ID, notBefore.Format(time.RFC3339))
		d.stats.IncDownload("circuit_open")
		return
	}

	// Refresh for the authoritative attempts count.
	current, err := d.repo.Get(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			log.Printf("job %s: refresh: %v", job.ID, err)
		}
		return
	}

	if current.CanRetry(d.opts.MaxAttempts) {
		delay := d.opts.RetryBaseDelay << (current.Attempts - 1)
		notBefore := time.Now().Add(delay)
		if err := d.repo.Retry(ctx, job.ID, cause.Error(), notBefore); err != nil {
			log.Printf("job %s: retry: %v", job.ID, err)
			return
		}
		log.Printf("job %s: attempt %d failed, retrying in %s: %v",
			job.ID, current.Attempts, delay, cause)
		d.stats.IncDownload("retried")
		return
	}

	if err := d.repo.Fail(ctx, job.ID, cause.Error()); err != nil {
		log.Printf("job %s: fail: %v", job.ID, err)
		return
	}
	log.Printf("job %s: failed permanently after %d attempts: %v",
		job.ID, current.Attempts, cause)
	d.stats.IncDownload("failed")
}
