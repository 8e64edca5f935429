// Package scheduler implements the worker pool that drives jobs through the
// extraction pipeline.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/metrics"
	"github.com/insightops/fleetharvest/internal/pool"
	"github.com/insightops/fleetharvest/internal/progress"
	"github.com/insightops/fleetharvest/internal/queue"
)

// Persister receives jobs that completed extraction. Implementations must not
// fail the job: persistence errors are surfaced through metrics and logs.
type Persister interface {
	Persist(ctx context.Context, job *fleet.Job) error
}

// Config controls Scheduler behavior.
type Config struct {
	// Workers is the number of concurrent job loops (default 4).
	Workers int
	// JobTimeout bounds one attempt end to end (default 5m).
	JobTimeout time.Duration
	// HealthTimeout bounds post-attempt session health probes (default 5s).
	HealthTimeout time.Duration
	Logger        *zap.Logger
}

const (
	defaultWorkers       = 4
	defaultJobTimeout    = 5 * time.Minute
	defaultHealthTimeout = 5 * time.Second
)

// attemptPhases run against a leased session, in order. Persistence happens
// afterwards, off the session, so a slow sink never holds a browser slot.
var attemptPhases = []fleet.Phase{
	fleet.PhaseNavigate,
	fleet.PhaseExtract,
	fleet.PhaseProcess,
	fleet.PhaseValidate,
}

// Scheduler fans queue work out to a fixed set of workers, each of which
// leases a session from the pool for the duration of one attempt.
type Scheduler struct {
	queue     *queue.Queue
	pool      *pool.Pool
	extractor fleet.Extractor
	persister Persister
	tracker   *metrics.Tracker
	emitter   progress.Emitter
	clock     fleet.Clock
	cfg       Config
	logger    *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Scheduler. The persister and emitter may be nil.
func New(
	q *queue.Queue,
	p *pool.Pool,
	extractor fleet.Extractor,
	persister Persister,
	tracker *metrics.Tracker,
	emitter progress.Emitter,
	clock fleet.Clock,
	cfg Config,
) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		queue:     q,
		pool:      p,
		extractor: extractor,
		persister: persister,
		tracker:   tracker,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

// Start launches the worker goroutines. They exit when the queue closes or
// ctx finishes; Wait joins them.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.run(ctx, id)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, workerID int) {
	logger := s.logger.With(zap.Int("worker", workerID))
	for {
		job, err := s.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				logger.Error("queue dequeue failed", zap.Error(err))
			}
			return
		}
		logger.Debug("dequeued job",
			zap.String("job_id", job.ID),
			zap.String("client_key", job.ClientKey),
			zap.Int("attempt", job.Attempt),
		)
		s.processJob(ctx, job, logger)
	}
}

func (s *Scheduler) processJob(ctx context.Context, job *fleet.Job, logger *zap.Logger) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	s.tracker.JobStarted()

	if err := job.Transition(fleet.StateStarting, s.clock.Now()); err != nil {
		logger.Error("cannot start job", zap.String("job_id", job.ID), zap.Error(err))
		s.finishFailed(ctx, job, "failed")
		return
	}
	s.emit(job, progress.StageJobStart, "", 0, "")

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	lease, err := s.pool.Acquire(attemptCtx)
	if err != nil {
		// Only cancellation and shutdown reach here.
		s.failJob(job, "", err)
		s.finishFailed(ctx, job, "cancelled")
		return
	}
	metrics.SetSessionsLeased(s.pool.InUse())

	phase, attemptErr := s.runAttempt(attemptCtx, job, lease.Session())

	broken := attemptErr != nil && s.sessionBroken(lease.Session(), attemptErr)
	if broken {
		metrics.ObserveSessionReplacement()
	}
	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), s.cfg.HealthTimeout)
	if err := s.pool.Release(releaseCtx, lease, broken); err != nil {
		logger.Warn("session release failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	releaseCancel()
	metrics.SetSessionsLeased(s.pool.InUse())

	if attemptErr == nil {
		s.finishCompleted(ctx, job, logger)
		return
	}

	s.handleAttemptError(ctx, job, phase, attemptErr, logger)
}

// runAttempt drives the session-bound phases. It returns the failing phase
// alongside the error so the failure record names where the attempt died.
func (s *Scheduler) runAttempt(ctx context.Context, job *fleet.Job, sess fleet.Session) (fleet.Phase, error) {
	for _, phase := range attemptPhases {
		if err := job.Transition(fleet.StateForPhase(phase), s.clock.Now()); err != nil {
			return phase, err
		}
		start := s.clock.Now()
		err := s.extractor.Run(ctx, sess, job, phase)
		dur := s.clock.Now().Sub(start)
		job.RecordPhase(phase, dur)
		metrics.ObservePhase(string(phase), dur)
		if err != nil {
			return phase, err
		}
		s.emit(job, progress.StagePhaseDone, phase, dur, "")
	}
	return "", nil
}

// finishCompleted runs persistence off-lease and settles the job. Sink
// failures are logged and counted, never propagated into the job outcome.
func (s *Scheduler) finishCompleted(ctx context.Context, job *fleet.Job, logger *zap.Logger) {
	if err := job.Transition(fleet.StatePersisting, s.clock.Now()); err != nil {
		logger.Error("cannot enter persisting", zap.String("job_id", job.ID), zap.Error(err))
		s.failJob(job, fleet.PhasePersist, err)
		s.finishFailed(ctx, job, "failed")
		return
	}
	if s.persister != nil {
		start := s.clock.Now()
		if err := s.persister.Persist(ctx, job); err != nil {
			s.tracker.PersistError()
			logger.Warn("result persistence degraded",
				zap.String("job_id", job.ID),
				zap.String("client_key", job.ClientKey),
				zap.Error(err),
			)
		}
		job.RecordPhase(fleet.PhasePersist, s.clock.Now().Sub(start))
	}

	now := s.clock.Now()
	if err := job.Transition(fleet.StateCompleted, now); err != nil {
		logger.Error("cannot complete job", zap.String("job_id", job.ID), zap.Error(err))
		s.failJob(job, fleet.PhasePersist, err)
		s.finishFailed(ctx, job, "failed")
		return
	}
	dur := job.Timing.FinishedAt.Sub(job.Timing.StartedAt)
	s.tracker.JobCompleted(true, dur)
	metrics.ObserveJobOutcome("completed")
	s.emit(job, progress.StageJobDone, "", dur, "")
	s.queue.Done(job)

	logger.Info("job completed",
		zap.String("job_id", job.ID),
		zap.String("client_key", job.ClientKey),
		zap.Int("attempt", job.Attempt),
		zap.Duration("dur", dur),
	)
}

func (s *Scheduler) handleAttemptError(ctx context.Context, job *fleet.Job, phase fleet.Phase, attemptErr error, logger *zap.Logger) {
	outcome := fleet.Classify(attemptErr)
	now := s.clock.Now()
	if err := job.Fail(phase, now, attemptErr); err != nil {
		logger.Error("cannot record failure", zap.String("job_id", job.ID), zap.Error(err))
	}

	// A requeue only makes sense while the run is live: after cancellation
	// the queue is stopped and nothing would dequeue the job again, so the
	// worker settles it here instead.
	if outcome == fleet.OutcomeRetry && job.AttemptsLeft() && ctx.Err() == nil {
		if err := job.PrepareRetry(now); err != nil {
			logger.Error("cannot prepare retry", zap.String("job_id", job.ID), zap.Error(err))
			s.finishFailed(ctx, job, "failed")
			return
		}
		if err := s.queue.Requeue(job); err != nil {
			// The queue closes mid-run only on cancellation.
			logger.Warn("requeue rejected, settling job as cancelled",
				zap.String("job_id", job.ID), zap.Error(err))
			s.failJob(job, phase, attemptErr)
			s.finishFailed(ctx, job, "cancelled")
			return
		}
		s.tracker.JobRequeued()
		metrics.ObserveRetry()
		s.emit(job, progress.StageJobRetry, phase, 0, attemptErr.Error())
		logger.Warn("job attempt failed, requeued",
			zap.String("job_id", job.ID),
			zap.String("client_key", job.ClientKey),
			zap.String("phase", string(phase)),
			zap.Int("next_attempt", job.Attempt),
			zap.Error(attemptErr),
		)
		return
	}

	label := "failed"
	if outcome == fleet.OutcomeCancelled || (outcome == fleet.OutcomeRetry && ctx.Err() != nil) {
		label = "cancelled"
	}
	logger.Error("job failed",
		zap.String("job_id", job.ID),
		zap.String("client_key", job.ClientKey),
		zap.String("phase", string(phase)),
		zap.Int("attempt", job.Attempt),
		zap.String("outcome", label),
		zap.Error(attemptErr),
	)
	s.finishFailed(ctx, job, label)
}

// finishFailed settles a job that is already in Failed state.
func (s *Scheduler) finishFailed(_ context.Context, job *fleet.Job, label string) {
	var dur time.Duration
	if !job.Timing.StartedAt.IsZero() && !job.Timing.FinishedAt.IsZero() {
		dur = job.Timing.FinishedAt.Sub(job.Timing.StartedAt)
	}
	s.tracker.JobCompleted(false, dur)
	metrics.ObserveJobOutcome(label)
	s.emit(job, progress.StageJobError, "", dur, job.LastError())
	s.queue.Done(job)
}

// failJob records err against a job without the usual phase bookkeeping.
func (s *Scheduler) failJob(job *fleet.Job, phase fleet.Phase, err error) {
	if ferr := job.Fail(phase, s.clock.Now(), err); ferr != nil {
		s.logger.Error("cannot record failure", zap.String("job_id", job.ID), zap.Error(ferr))
	}
}

// sessionBroken decides whether the session should be discarded after a
// failed attempt.
func (s *Scheduler) sessionBroken(sess fleet.Session, attemptErr error) bool {
	if errors.Is(attemptErr, fleet.ErrSessionBroken) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HealthTimeout)
	defer cancel()
	return sess.Healthy(ctx) != nil
}

func (s *Scheduler) emit(job *fleet.Job, stage progress.Stage, phase fleet.Phase, dur time.Duration, note string) {
	if s.emitter == nil {
		return
	}
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return
	}
	s.emitter.Emit(progress.Event{
		JobID:     progress.UUIDToBytes(id),
		RunID:     job.RunID,
		ClientKey: job.ClientKey,
		TS:        s.clock.Now(),
		Stage:     stage,
		Phase:     phase,
		Attempt:   job.Attempt,
		Dur:       dur,
		Note:      note,
	})
}
