// Package provider defines the boundary between the orchestrator core and
// the external generation service. The concrete HTTP client lives in
// internal/platform/suno; the core depends only on these types.
package provider

import (
	"context"
	"net/http"
)

// Status is the orchestrator's view of a provider-reported task status
// after normalization. Every provider status string must map onto exactly
// one of these values; an unmapped string is a recoverable error, never a
// silent default.
type Status string

// Normalized provider statuses.
const (
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StatusReport is the result of one observation of the provider's state
// for a task, from either the status endpoint or a webhook payload.
type StatusReport struct {
	// ExternalTaskID is the provider-assigned task identifier.
	ExternalTaskID string

	// Status is the normalized status.
	Status Status

	// ResultRef is the artifact reference, set only when Status is
	// StatusCompleted.
	ResultRef string

	// Detail carries the provider's human-readable failure message when
	// Status is StatusFailed.
	Detail string
}

// SubmitResult is the provider's answer to a successful submission.
type SubmitResult struct {
	ExternalTaskID string
}

// Client is the capability the orchestrator requires from the external
// generation service. All methods must honor the context deadline; a
// timed-out call surfaces as a retryable error, never a hang.
type Client interface {
	// Submit dispatches a generation job for the given prompt and returns
	// the provider-assigned task identifier. Errors are classified via
	// Classify.
	Submit(ctx context.Context, prompt string) (*SubmitResult, error)

	// FetchStatus queries the provider for the current status of a task.
	FetchStatus(ctx context.Context, externalTaskID string) (*StatusReport, error)

	// VerifyWebhook checks the authenticity of an inbound callback using
	// the raw payload and the request headers. It performs no I/O.
	VerifyWebhook(payload []byte, headers http.Header) bool

	// ParseWebhook extracts a StatusReport from an authenticated webhook
	// payload.
	ParseWebhook(payload []byte) (*StatusReport, error)
}
