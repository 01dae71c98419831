package task

import (
	"time"

	"github.com/musegen/musegen-api/internal/provider"
)

// SubmitAction is the outcome of the submission retry policy for one
// failed attempt.
type SubmitAction int

// Possible submit actions.
const (
	// SubmitActionRetry means the attempt should be retried after Delay.
	SubmitActionRetry SubmitAction = iota

	// SubmitActionFail means the task should reach terminal Failed.
	SubmitActionFail
)

// SubmitDecision pairs an action with the delay to wait before retrying.
type SubmitDecision struct {
	Action SubmitAction
	Delay  time.Duration
}

// DecideSubmitRetry is the submission retry policy as a pure function of
// the attempt count and the error class, so it can be unit-tested without
// any scheduler. attempts is the number of attempts already made
// (including the one that just failed); maxAttempts bounds them. Fatal
// provider errors never retry regardless of the attempt count.
func DecideSubmitRetry(attempts, maxAttempts int, err error, backoff BackoffPolicy) SubmitDecision {
	if provider.IsFatal(err) {
		return SubmitDecision{Action: SubmitActionFail}
	}

	// Unclassified errors are treated like retryable ones; the provider
	// client classifies everything it understands, so anything else is
	// most likely environmental.
	if attempts >= maxAttempts {
		return SubmitDecision{Action: SubmitActionFail}
	}

	return SubmitDecision{
		Action: SubmitActionRetry,
		Delay:  backoff.Delay(attempts - 1),
	}
}
