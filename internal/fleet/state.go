package fleet

import (
	"fmt"
	"time"
)

// State is one node in the job lifecycle.
type State string

// Lifecycle states. Completed and Failed are terminal; Failed is only reached
// once attempts are exhausted or the error is fatal.
const (
	StatePending    State = "pending"
	StateStarting   State = "starting"
	StateNavigating State = "navigating"
	StateExtracting State = "extracting"
	StateProcessing State = "processing"
	StateValidating State = "validating"
	StatePersisting State = "persisting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateRetrying   State = "retrying"
)

// totalSteps is the fixed progress estimate: one step per forward transition
// out of Starting, ending in Completed.
const totalSteps = 6

var forwardEdges = map[State]State{
	StatePending:    StateStarting,
	StateStarting:   StateNavigating,
	StateNavigating: StateExtracting,
	StateExtracting: StateProcessing,
	StateProcessing: StateValidating,
	StateValidating: StatePersisting,
	StatePersisting: StateCompleted,
}

// progressStates are the states whose entry advances the progress counter.
var progressStates = map[State]struct{}{
	StateNavigating: {},
	StateExtracting: {},
	StateProcessing: {},
	StateValidating: {},
	StatePersisting: {},
	StateCompleted:  {},
}

// Terminal reports whether s ends the job lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether a worker currently owns the job in this state.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateNavigating, StateExtracting, StateProcessing,
		StateValidating, StatePersisting:
		return true
	}
	return false
}

// CanTransition reports whether the edge from s to next is allowed. Completed
// has no exits; Failed may only move to Retrying, which the caller gates on
// remaining attempts.
func (s State) CanTransition(next State) bool {
	if s == StateCompleted {
		return false
	}
	if s == StateFailed {
		return next == StateRetrying
	}
	if forwardEdges[s] == next {
		return true
	}
	switch next {
	case StateFailed:
		// Any non-terminal state may fail: active phases on error, Pending
		// and Retrying on cancellation.
		return true
	case StateStarting:
		return s == StateRetrying
	}
	return false
}

// Transition moves the job along an allowed edge, advancing progress and
// stamping start/finish times. Calls with a disallowed edge return an error
// and leave the job untouched.
func (j *Job) Transition(next State, at time.Time) error {
	if !j.State.CanTransition(next) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", j.State, next, j.ID)
	}
	if j.State == StatePending || j.State == StateRetrying {
		if next == StateStarting {
			j.Timing.StartedAt = at
		}
	}
	if _, ok := progressStates[next]; ok && forwardEdges[j.State] == next {
		if j.Progress.Completed < j.Progress.Total {
			j.Progress.Completed++
		}
	}
	if next.Terminal() {
		j.Timing.FinishedAt = at
	}
	j.State = next
	return nil
}

// Fail records err against the job and moves it to Failed. The caller decides
// whether a retry follows; this transition alone is not terminal bookkeeping
// unless attempts are already exhausted.
func (j *Job) Fail(phase Phase, at time.Time, err error) error {
	j.RecordError(phase, at, err)
	return j.Transition(StateFailed, at)
}

// PrepareRetry moves a Failed job to Retrying for re-enqueue: the attempt
// counter increments and per-attempt progress resets, while the error history
// is preserved.
func (j *Job) PrepareRetry(at time.Time) error {
	if !j.AttemptsLeft() {
		return fmt.Errorf("job %s has no attempts left (%d/%d)", j.ID, j.Attempt, j.MaxAttempts)
	}
	if err := j.Transition(StateRetrying, at); err != nil {
		return err
	}
	j.Attempt++
	j.Progress.Completed = 0
	j.Timing.FinishedAt = time.Time{}
	return nil
}

// StateForPhase maps an extraction phase to the lifecycle state a worker
// enters before running it.
func StateForPhase(p Phase) State {
	switch p {
	case PhaseNavigate:
		return StateNavigating
	case PhaseExtract:
		return StateExtracting
	case PhaseProcess:
		return StateProcessing
	case PhaseValidate:
		return StateValidating
	case PhasePersist:
		return StatePersisting
	default:
		return StateStarting
	}
}
