package metrics

import (
	"sync"
	"time"

	"github.com/insightops/fleetharvest/internal/fleet"
)

// rollingWindow bounds how many recent completions feed the rolling
// throughput figure.
const rollingWindow = 20

// Snapshot is an immutable view of one run's statistics, safe to share.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	InFlight  int `json:"in_flight"`

	PersistErrors int `json:"persist_errors"`

	// ThroughputPerHour is processed jobs over elapsed run time.
	ThroughputPerHour float64 `json:"throughput_per_hour"`
	// RollingPerHour looks only at the most recent completions.
	RollingPerHour float64 `json:"rolling_per_hour"`
	// MeanJobDuration averages terminal jobs' wall time.
	MeanJobDuration time.Duration `json:"mean_job_duration"`
	// ETA is the projected time until the run drains. Nil until the first
	// completion, so it is never a division by zero.
	ETA *time.Duration `json:"eta,omitempty"`
}

// Tracker maintains live counters for one orchestration run. Workers mutate
// it on job completion; readers get copy-on-read snapshots.
type Tracker struct {
	clock fleet.Clock

	mu            sync.Mutex
	runID         string
	startedAt     time.Time
	finishedAt    time.Time
	total         int
	processed     int
	succeeded     int
	failed        int
	inFlight      int
	persistErrors int
	durationSum   time.Duration
	recent        []time.Time
}

// NewTracker starts tracking a run.
func NewTracker(runID string, clock fleet.Clock) *Tracker {
	return &Tracker{
		clock:     clock,
		runID:     runID,
		startedAt: clock.Now(),
	}
}

// AddSubmitted grows the run's job total.
func (t *Tracker) AddSubmitted(n int) {
	t.mu.Lock()
	t.total += n
	t.mu.Unlock()
}

// JobStarted marks a job in-flight.
func (t *Tracker) JobStarted() {
	t.mu.Lock()
	t.inFlight++
	t.mu.Unlock()
}

// JobRequeued returns a job to the queue without completing it.
func (t *Tracker) JobRequeued() {
	t.mu.Lock()
	if t.inFlight > 0 {
		t.inFlight--
	}
	t.mu.Unlock()
}

// JobCompleted records a terminal job. succeeded=false covers both terminal
// failures and cancellations.
func (t *Tracker) JobCompleted(succeeded bool, dur time.Duration) {
	now := t.clock.Now()
	t.mu.Lock()
	if t.inFlight > 0 {
		t.inFlight--
	}
	t.processed++
	if succeeded {
		t.succeeded++
	} else {
		t.failed++
	}
	if dur > 0 {
		t.durationSum += dur
	}
	t.recent = append(t.recent, now)
	if len(t.recent) > rollingWindow {
		t.recent = t.recent[len(t.recent)-rollingWindow:]
	}
	t.mu.Unlock()
}

// PersistError counts one sink write that exhausted its retries.
func (t *Tracker) PersistError() {
	t.mu.Lock()
	t.persistErrors++
	t.mu.Unlock()
}

// Finalize freezes the run's end time. Later completions still count, but
// throughput stops ticking down as wall time passes.
func (t *Tracker) Finalize() {
	t.mu.Lock()
	if t.finishedAt.IsZero() {
		t.finishedAt = t.clock.Now()
	}
	t.mu.Unlock()
}

// Snapshot returns a copy of the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		RunID:         t.runID,
		StartedAt:     t.startedAt,
		FinishedAt:    t.finishedAt,
		Total:         t.total,
		Processed:     t.processed,
		Succeeded:     t.succeeded,
		Failed:        t.failed,
		InFlight:      t.inFlight,
		PersistErrors: t.persistErrors,
	}

	end := now
	if !t.finishedAt.IsZero() {
		end = t.finishedAt
	}
	elapsed := end.Sub(t.startedAt)
	if t.processed > 0 && elapsed > 0 {
		s.ThroughputPerHour = float64(t.processed) / elapsed.Hours()
		mean := t.durationSum / time.Duration(t.processed)
		s.MeanJobDuration = mean

		s.RollingPerHour = s.ThroughputPerHour
		if len(t.recent) >= 2 {
			span := t.recent[len(t.recent)-1].Sub(t.recent[0])
			if span > 0 {
				s.RollingPerHour = float64(len(t.recent)-1) / span.Hours()
			}
		}

		remaining := t.total - t.processed
		rate := s.RollingPerHour
		if rate <= 0 {
			rate = s.ThroughputPerHour
		}
		if remaining > 0 && rate > 0 {
			eta := time.Duration(float64(remaining) / rate * float64(time.Hour))
			s.ETA = &eta
		} else if remaining == 0 {
			zero := time.Duration(0)
			s.ETA = &zero
		}
	}
	return s
}
