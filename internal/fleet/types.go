// Package fleet defines core types shared across subsystems.
package fleet

import (
	"fmt"
	"time"
)

// Priority orders jobs across queue bands. Higher values dequeue first.
type Priority int

// Priority bands from most to least urgent.
const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of queue bands.
const NumPriorities = 5

// String returns the lowercase band name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a band name to a Priority. The second return is false
// for unknown names.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	case "background":
		return PriorityBackground, true
	default:
		return PriorityMedium, false
	}
}

// Valid reports whether p names a known band.
func (p Priority) Valid() bool {
	return p >= PriorityBackground && p <= PriorityCritical
}

// Phase names a major unit of extraction work within a job attempt.
type Phase string

// Extraction phases in execution order.
const (
	PhaseNavigate Phase = "navigate"
	PhaseExtract  Phase = "extract"
	PhaseProcess  Phase = "process"
	PhaseValidate Phase = "validate"
	PhasePersist  Phase = "persist"
)

// JobSpec is the caller-supplied description of one unit of work.
type JobSpec struct {
	ClientKey string   `json:"client_key"`
	Priority  Priority `json:"priority"`
}

// ErrorRecord is one entry in a job's append-only error history.
type ErrorRecord struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Phase   Phase     `json:"phase,omitempty"`
	Message string    `json:"message"`
}

// Progress tracks completed steps against a fixed estimate for one attempt.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent returns completion as 0-100.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Timing captures wall-clock bookkeeping for a job, including the per-phase
// breakdown of its most recent attempt.
type Timing struct {
	StartedAt  time.Time               `json:"started_at,omitempty"`
	FinishedAt time.Time               `json:"finished_at,omitempty"`
	Phases     map[Phase]time.Duration `json:"phases,omitempty"`
}

// Result holds the extracted payload for a completed job. Fields carries the
// values the pipeline reasons about; Extra is reserved for genuinely
// unstructured portal data.
type Result struct {
	Fields    map[string]string `json:"fields,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Extra     map[string]any    `json:"extra,omitempty"`
}

// Job is the unit of work driven through the lifecycle by exactly one worker
// at a time. It is never shared mutable: ownership passes queue -> worker ->
// archive, so no field needs locking.
type Job struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	ClientKey   string        `json:"client_key"`
	Priority    Priority      `json:"priority"`
	State       State         `json:"state"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	Progress    Progress      `json:"progress"`
	Result      Result        `json:"result"`
	Errors      []ErrorRecord `json:"errors,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	Timing      Timing        `json:"timing"`
}

// NewJob builds a Pending job from a spec.
func NewJob(id, runID string, spec JobSpec, maxAttempts int, submitted time.Time) *Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Job{
		ID:          id,
		RunID:       runID,
		ClientKey:   spec.ClientKey,
		Priority:    spec.Priority,
		State:       StatePending,
		Attempt:     1,
		MaxAttempts: maxAttempts,
		Progress:    Progress{Total: totalSteps},
		SubmittedAt: submitted,
	}
}

// DefaultMaxAttempts bounds retries when the submitter does not say otherwise.
const DefaultMaxAttempts = 3

// RecordError appends to the job's error history. History survives retries.
func (j *Job) RecordError(phase Phase, at time.Time, err error) {
	if err == nil {
		return
	}
	j.Errors = append(j.Errors, ErrorRecord{
		Attempt: j.Attempt,
		At:      at,
		Phase:   phase,
		Message: err.Error(),
	})
}

// RecordPhase accumulates wall time spent in a phase.
func (j *Job) RecordPhase(phase Phase, d time.Duration) {
	if j.Timing.Phases == nil {
		j.Timing.Phases = make(map[Phase]time.Duration)
	}
	j.Timing.Phases[phase] += d
}

// LastError returns the most recent error message, or "".
func (j *Job) LastError() string {
	if len(j.Errors) == 0 {
		return ""
	}
	return j.Errors[len(j.Errors)-1].Message
}

// AttemptsLeft reports whether the job may be retried again.
func (j *Job) AttemptsLeft() bool {
	return j.Attempt < j.MaxAttempts
}
