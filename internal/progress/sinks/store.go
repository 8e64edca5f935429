package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/progress"
	"github.com/insightops/fleetharvest/internal/store"
)

// StoreSink persists lifecycle milestones via a store.AuditRepository so run
// history survives the process.
type StoreSink struct {
	repo   store.AuditRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.AuditRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards job milestones to the repository. Phase-level events are
// skipped; the audit table records attempts and outcomes, not step timings.
// It respects ctx deadlines and returns repository errors verbatim.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.handleEvent(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) handleEvent(ctx context.Context, evt progress.Event) error {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobRetry:
		rec := store.JobRecord{
			JobID:     evt.JobUUID(),
			RunID:     evt.RunID,
			ClientKey: evt.ClientKey,
			StartedAt: evt.TS,
			Outcome:   store.OutcomeRunning,
			Attempts:  evt.Attempt,
		}
		if err := s.repo.UpsertJobStart(ctx, rec); err != nil {
			return fmt.Errorf("upsert job start: %w", err)
		}
	case progress.StageJobDone:
		if err := s.repo.CompleteJob(ctx, evt.JobUUID(), evt.TS, store.OutcomeSucceeded, evt.Attempt, nil); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	case progress.StageJobError:
		var note *string
		if evt.Note != "" {
			note = &evt.Note
		}
		if err := s.repo.CompleteJob(ctx, evt.JobUUID(), evt.TS, store.OutcomeFailed, evt.Attempt, note); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
