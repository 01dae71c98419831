package provider

import "errors"

// Common errors returned by provider clients. Sentinels separate the
// three classes the submission retry policy distinguishes: retryable,
// fatal, and task-lost.
var (
	// ErrRetryable is returned for transient failures (network blips,
	// rate limiting, provider 5xx) that may resolve on retry.
	ErrRetryable = errors.New("transient provider error")

	// ErrCredentialInvalid is returned when the provider rejects the API
	// credentials. Fatal: no retry will succeed.
	ErrCredentialInvalid = errors.New("provider credentials rejected")

	// ErrCreditExhausted is returned when the provider reports insufficient
	// credit. Fatal: no retry will succeed.
	ErrCreditExhausted = errors.New("provider credit exhausted")

	// ErrTaskLost is returned when the provider no longer recognizes a
	// previously submitted task (expired or purged on their side).
	ErrTaskLost = errors.New("provider does not recognize task")

	// ErrUnmappedStatus is returned when the provider reports a status
	// string outside the enumerated mapping. Recoverable: the next poll
	// may observe a known status.
	ErrUnmappedStatus = errors.New("unmapped provider status")

	// ErrMalformedPayload is returned when a webhook or status payload
	// cannot be parsed.
	ErrMalformedPayload = errors.New("malformed provider payload")
)

// IsFatal reports whether the error is one of the non-retryable
// submission failures surfaced verbatim from the provider's classification.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCredentialInvalid) || errors.Is(err, ErrCreditExhausted)
}

// IsRetryable reports whether the error is transient and worth retrying
// with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
