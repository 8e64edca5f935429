// Package director exposes the orchestration facade: run submission, status,
// cancellation, and shutdown over the shared session pool.
package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/metrics"
	"github.com/insightops/fleetharvest/internal/pool"
	"github.com/insightops/fleetharvest/internal/progress"
	"github.com/insightops/fleetharvest/internal/queue"
	"github.com/insightops/fleetharvest/internal/scheduler"
)

// ErrRunNotFound is returned for status or cancel calls on unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// ErrShuttingDown rejects new runs once shutdown began.
var ErrShuttingDown = errors.New("director is shutting down")

// Config controls run execution.
type Config struct {
	// Workers is the number of job loops per run.
	Workers int
	// MaxAttempts bounds retries per job (default fleet.DefaultMaxAttempts).
	MaxAttempts int
	// JobTimeout bounds one job attempt.
	JobTimeout time.Duration
	// StatusInterval paces the periodic run status log (default 10s).
	StatusInterval time.Duration
	Logger         *zap.Logger
}

const defaultStatusInterval = 10 * time.Second

// Director owns the shared session pool and a registry of active runs. Each
// run gets its own queue, tracker, and scheduler; the pool bounds total
// browser concurrency across all of them.
type Director struct {
	pool      *pool.Pool
	extractor fleet.Extractor
	persister scheduler.Persister
	emitter   progress.Emitter
	clock     fleet.Clock
	ids       fleet.IDGenerator
	cfg       Config
	logger    *zap.Logger

	mu       sync.Mutex
	runs     map[string]*run
	shutdown bool
}

type run struct {
	id      string
	queue   *queue.Queue
	tracker *metrics.Tracker
	sched   *scheduler.Scheduler
	cancel  context.CancelFunc
	done    chan struct{}
}

// New constructs a Director over the shared collaborators.
func New(
	p *pool.Pool,
	extractor fleet.Extractor,
	persister scheduler.Persister,
	emitter progress.Emitter,
	clock fleet.Clock,
	ids fleet.IDGenerator,
	cfg Config,
) *Director {
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = defaultStatusInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = fleet.DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Director{
		pool:      p,
		extractor: extractor,
		persister: persister,
		emitter:   emitter,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    cfg.Logger,
		runs:      make(map[string]*run),
	}
}

// StartRun validates the specs, enqueues one job per spec, and starts the
// run's workers. It returns the new run ID immediately.
func (d *Director) StartRun(ctx context.Context, specs []fleet.JobSpec) (string, error) {
	if len(specs) == 0 {
		return "", errors.New("run needs at least one job")
	}
	for i, spec := range specs {
		if spec.ClientKey == "" {
			return "", fmt.Errorf("job %d: client key is required", i)
		}
		if !spec.Priority.Valid() {
			return "", fmt.Errorf("job %d: invalid priority %d", i, spec.Priority)
		}
	}

	runID, err := d.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}

	q := queue.New()
	tracker := metrics.NewTracker(runID, d.clock)
	sched := scheduler.New(q, d.pool, d.extractor, d.persister, tracker, d.emitter, d.clock, scheduler.Config{
		Workers:    d.cfg.Workers,
		JobTimeout: d.cfg.JobTimeout,
		Logger:     d.logger.With(zap.String("run_id", runID)),
	})

	tracker.AddSubmitted(len(specs))
	now := d.clock.Now()
	for _, spec := range specs {
		jobID, err := d.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("generate job id: %w", err)
		}
		if err := q.Enqueue(fleet.NewJob(jobID, runID, spec, d.cfg.MaxAttempts, now)); err != nil {
			return "", fmt.Errorf("enqueue job: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{
		id:      runID,
		queue:   q,
		tracker: tracker,
		sched:   sched,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		cancel()
		return "", ErrShuttingDown
	}
	d.runs[runID] = r
	d.mu.Unlock()

	sched.Start(runCtx)
	go d.supervise(runCtx, r)

	d.logger.Info("run started",
		zap.String("run_id", runID),
		zap.Int("jobs", len(specs)),
		zap.Int("workers", d.cfg.Workers),
	)
	return runID, nil
}

// supervise waits for the run to drain, finalizes its counters, and logs a
// periodic status line while it is live.
func (d *Director) supervise(ctx context.Context, r *run) {
	defer close(r.done)

	ticker := time.NewTicker(d.cfg.StatusInterval)
	defer ticker.Stop()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		// Drain completes even on cancellation: cancelled jobs are still
		// marked done by the scheduler or by Cancel.
		_ = r.queue.DrainWait(context.Background())
	}()

	ctxDone := ctx.Done()
	for {
		select {
		case <-ticker.C:
			d.logStatus(r)
		case <-drained:
			r.queue.Close()
			r.sched.Wait()
			r.tracker.Finalize()
			snap := r.tracker.Snapshot()
			d.logger.Info("run finished",
				zap.String("run_id", r.id),
				zap.Int("total", snap.Total),
				zap.Int("succeeded", snap.Succeeded),
				zap.Int("failed", snap.Failed),
				zap.Float64("throughput_per_hour", snap.ThroughputPerHour),
			)
			return
		case <-ctxDone:
			// Cancelled: close the queue first so a worker racing in with a
			// retry requeue gets rejected and settles the job itself, then
			// fail whatever never reached a worker. In-flight jobs keep
			// draining.
			r.queue.Close()
			d.failPending(r)
			ctxDone = nil
		}
	}
}

// failPending drains the run's queue and marks the removed jobs failed.
func (d *Director) failPending(r *run) {
	now := d.clock.Now()
	for _, job := range r.queue.TakePending() {
		if err := job.Fail("", now, context.Canceled); err != nil {
			d.logger.Error("cannot fail pending job",
				zap.String("run_id", r.id),
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		r.tracker.JobCompleted(false, 0)
		metrics.ObserveJobOutcome("cancelled")
		r.queue.Done(job)
	}
}

func (d *Director) logStatus(r *run) {
	snap := r.tracker.Snapshot()
	fields := []zap.Field{
		zap.String("run_id", r.id),
		zap.Int("total", snap.Total),
		zap.Int("processed", snap.Processed),
		zap.Int("in_flight", snap.InFlight),
		zap.Int("succeeded", snap.Succeeded),
		zap.Int("failed", snap.Failed),
		zap.Float64("throughput_per_hour", snap.RollingPerHour),
	}
	if snap.ETA != nil {
		fields = append(fields, zap.Duration("eta", *snap.ETA))
	}
	d.logger.Info("run status", fields...)
}

// Status returns a point-in-time snapshot for a run.
func (d *Director) Status(runID string) (metrics.Snapshot, error) {
	d.mu.Lock()
	r, ok := d.runs[runID]
	d.mu.Unlock()
	if !ok {
		return metrics.Snapshot{}, ErrRunNotFound
	}
	return r.tracker.Snapshot(), nil
}

// Cancel stops a run: pending jobs fail immediately, in-flight jobs are
// interrupted through their context and settle as cancelled.
func (d *Director) Cancel(runID string) error {
	d.mu.Lock()
	r, ok := d.runs[runID]
	d.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	d.logger.Info("run cancel requested", zap.String("run_id", runID))
	r.cancel()
	return nil
}

// WaitRun blocks until the run settles or ctx ends.
func (d *Director) WaitRun(ctx context.Context, runID string) error {
	d.mu.Lock()
	r, ok := d.runs[runID]
	d.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait run %s: %w", runID, ctx.Err())
	}
}

// Shutdown cancels every run, waits for them to settle within ctx, and tears
// down the session pool. Safe to call more than once.
func (d *Director) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	runs := make([]*run, 0, len(d.runs))
	for _, r := range d.runs {
		runs = append(runs, r)
	}
	d.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	var errs []error
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("run %s did not settle: %w", r.id, ctx.Err()))
		}
	}
	if err := d.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
	}
	d.logger.Info("director stopped")
	return errors.Join(errs...)
}
