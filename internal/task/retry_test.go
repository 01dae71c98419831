package task

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/musegen/musegen-api/internal/provider"
)

func TestDecideSubmitRetry(t *testing.T) {
	t.Parallel()

	backoff := BackoffPolicy{
		Initial: 3 * time.Second,
		Max:     60 * time.Second,
		Factor:  2,
		Jitter:  0,
	}

	testCases := []struct {
		name     string
		attempts int
		err      error
		want     SubmitDecision
	}{
		{
			name:     "first transient failure retries with initial delay",
			attempts: 1,
			err:      provider.ErrRetryable,
			want:     SubmitDecision{Action: SubmitActionRetry, Delay: 3 * time.Second},
		},
		{
			name:     "second transient failure doubles the delay",
			attempts: 2,
			err:      provider.ErrRetryable,
			want:     SubmitDecision{Action: SubmitActionRetry, Delay: 6 * time.Second},
		},
		{
			name:     "attempts exhausted fails",
			attempts: 3,
			err:      provider.ErrRetryable,
			want:     SubmitDecision{Action: SubmitActionFail},
		},
		{
			name:     "invalid credentials fail immediately",
			attempts: 1,
			err:      provider.ErrCredentialInvalid,
			want:     SubmitDecision{Action: SubmitActionFail},
		},
		{
			name:     "exhausted credit fails immediately",
			attempts: 1,
			err:      provider.ErrCreditExhausted,
			want:     SubmitDecision{Action: SubmitActionFail},
		},
		{
			name:     "unclassified error retries",
			attempts: 1,
			err:      errors.New("connection reset"),
			want:     SubmitDecision{Action: SubmitActionRetry, Delay: 3 * time.Second},
		},
		{
			name:     "wrapped fatal error fails immediately",
			attempts: 1,
			err:      errors.Join(errors.New("submit"), provider.ErrCredentialInvalid),
			want:     SubmitDecision{Action: SubmitActionFail},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := DecideSubmitRetry(tc.attempts, 3, tc.err, backoff)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecideSubmitRetry_FatalWinsOverRemainingAttempts(t *testing.T) {
	t.Parallel()

	// Even with plenty of budget left, a fatal classification never retries.
	got := DecideSubmitRetry(1, 100, provider.ErrCredentialInvalid, DefaultBackoffPolicy())
	assert.Equal(t, SubmitActionFail, got.Action)
	assert.Zero(t, got.Delay)
}
