package fleet

import (
	"context"
	"errors"
	"fmt"
)

// FatalError marks a failure that must not be retried, such as an unknown
// client key. Wrapping an error in Fatal short-circuits the retry budget.
type FatalError struct {
	Err error
}

// Fatal wraps err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// ErrSessionBroken signals that the leased browser session is no longer
// usable. The worker reports it back to the pool on release so the slot is
// replaced before re-circulating.
var ErrSessionBroken = errors.New("browser session broken")

// Outcome classifies a phase failure.
type Outcome int

// Failure classes.
const (
	// OutcomeRetry means the attempt failed transiently and may re-enter the
	// queue if attempts remain.
	OutcomeRetry Outcome = iota
	// OutcomeFatal means retrying cannot help; the job fails terminally.
	OutcomeFatal
	// OutcomeCancelled means the run was cancelled or the job's deadline
	// passed; the job fails with a cancellation reason and is not retried.
	OutcomeCancelled
)

// Classify decides how a phase failure is handled. Cancellation and deadline
// expiry never consume the retry budget; explicit fatal errors end the job
// immediately; everything else is assumed transient. That includes hard
// network failures (refused connections, DNS): a portal restart produces
// exactly those, and they clear on a re-queue like any other navigation
// failure. Conditions that genuinely cannot recover are the extractor's to
// mark with Fatal.
func Classify(err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeCancelled
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return OutcomeFatal
	}
	return OutcomeRetry
}
