// Package memory contains an in-memory result sink for tests.
package memory

import (
	"context"
	"sync"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// Sink stores written jobs for inspection.
type Sink struct {
	mu       sync.RWMutex
	writes   []fleet.Job
	writeErr error
	closed   bool
}

// New returns a memory Sink.
func New() *Sink {
	return &Sink{}
}

// FailWith makes subsequent writes return err; pass nil to heal.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// Name implements fleet.ResultSink.
func (s *Sink) Name() string { return "memory" }

// Write records a copy of the job.
func (s *Sink) Write(_ context.Context, job *fleet.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.writes = append(s.writes, *job)
	return nil
}

// Healthcheck implements fleet.ResultSink; it always succeeds.
func (s *Sink) Healthcheck(context.Context) error { return nil }

// Close marks the sink closed.
func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns the recorded jobs.
func (s *Sink) Writes() []fleet.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]fleet.Job, len(s.writes))
	copy(out, s.writes)
	return out
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
