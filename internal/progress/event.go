// Package progress defines the lifecycle event stream emitted by workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageJobStart  Stage = "JOB_START"
	StagePhaseDone Stage = "PHASE_DONE"
	StageJobRetry  Stage = "JOB_RETRY"
	StageJobDone   Stage = "JOB_DONE"
	StageJobError  Stage = "JOB_ERROR"
)

// Event captures one milestone of a job's lifecycle.
type Event struct {
	// JobID is the 16-byte UUID form of the job identifier.
	JobID [16]byte
	// RunID scopes the event to one orchestration run.
	RunID string
	// ClientKey is the external key the job extracts for.
	ClientKey string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Phase is set for PHASE_DONE events.
	Phase fleet.Phase
	// Attempt is the attempt number in effect when the event fired.
	Attempt int
	// Dur carries phase latency for PHASE_DONE and total runtime for
	// JOB_DONE / JOB_ERROR.
	Dur time.Duration
	// Note attaches low-volume context, e.g. the failing error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobRetry, StageJobDone, StageJobError:
	case StagePhaseDone:
		if e.Phase == "" {
			return errors.New("phase done requires a phase")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// JobUUID converts the binary job ID to uuid.UUID for repositories.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
