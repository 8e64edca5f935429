// Package persist fans completed job results out to the configured sinks.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/metrics"
)

// Config tunes the coordinator.
type Config struct {
	// WriteTimeout bounds one sink write attempt (default 15s).
	WriteTimeout time.Duration
	// Logger reports per-sink failures.
	Logger *zap.Logger
	// OnSinkError is invoked once per sink that exhausts its retries; the
	// metrics tracker hooks in here.
	OnSinkError func(sink string)
}

const defaultWriteTimeout = 15 * time.Second

// Coordinator writes one job's result to every sink independently. A sink
// failure never changes the job's outcome: the job already completed, the
// write is replayed up to the retry budget and then surfaced through metrics
// and logs only.
type Coordinator struct {
	sinks       []fleet.ResultSink
	policy      retryPolicy
	timeout     time.Duration
	logger      *zap.Logger
	onSinkError func(sink string)
}

// NewCoordinator builds a coordinator over the provided sinks.
func NewCoordinator(cfg Config, sinks ...fleet.ResultSink) *Coordinator {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coordinator{
		sinks:       append([]fleet.ResultSink(nil), sinks...),
		policy:      defaultRetryPolicy(),
		timeout:     cfg.WriteTimeout,
		logger:      cfg.Logger,
		onSinkError: cfg.OnSinkError,
	}
}

// Persist writes the job's result to every sink. Each sink gets its own retry
// budget; failures are aggregated into the returned error for logging but
// must not be used to fail the job.
func (c *Coordinator) Persist(ctx context.Context, job *fleet.Job) error {
	var errs []error
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		if err := c.writeWithRetry(ctx, sink, job); err != nil {
			metrics.ObservePersistError(sink.Name())
			if c.onSinkError != nil {
				c.onSinkError(sink.Name())
			}
			c.logger.Error("result sink write failed after retries",
				zap.String("sink", sink.Name()),
				zap.String("job_id", job.ID),
				zap.String("client_key", job.ClientKey),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
			continue
		}
		metrics.ObservePersistWrite(sink.Name())
	}
	return errors.Join(errs...)
}

func (c *Coordinator) writeWithRetry(ctx context.Context, sink fleet.ResultSink, job *fleet.Job) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		lastErr = sink.Write(writeCtx, job)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Distinguish the caller giving up from the write-scoped
			// deadline firing: only the latter is worth another attempt.
			return lastErr
		}
		if !c.policy.shouldRetry(lastErr, attempt+1) {
			return lastErr
		}
		c.logger.Warn("result sink write failed, retrying",
			zap.String("sink", sink.Name()),
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
		select {
		case <-time.After(c.policy.backoff(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("persist wait: %w", ctx.Err())
		}
	}
}

// Healthcheck probes every sink; used during startup so a misconfigured
// sink fails fast instead of failing every job's persistence.
func (c *Coordinator) Healthcheck(ctx context.Context) error {
	var errs []error
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Healthcheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close releases all sinks.
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error
	for _, sink := range c.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}
