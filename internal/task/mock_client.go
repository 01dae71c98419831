package task

import (
	"context"
	"net/http"
	"sync"

	"github.com/musegen/musegen-api/internal/provider"
)

// MockProviderClient is a configurable provider.Client used by tests in
// this package and by the service tests.
type MockProviderClient struct {
	mu sync.Mutex

	// SubmitFn, FetchStatusFn, VerifyWebhookFn, ParseWebhookFn override
	// the default behavior when set.
	SubmitFn        func(ctx context.Context, prompt string) (*provider.SubmitResult, error)
	FetchStatusFn   func(ctx context.Context, externalTaskID string) (*provider.StatusReport, error)
	VerifyWebhookFn func(payload []byte, headers http.Header) bool
	ParseWebhookFn  func(payload []byte) (*provider.StatusReport, error)

	submitCalls int
	fetchCalls  int
}

// Guard the interface contract at compile time.
var _ provider.Client = (*MockProviderClient)(nil)

// Submit invokes SubmitFn and counts the call.
func (m *MockProviderClient) Submit(ctx context.Context, prompt string) (*provider.SubmitResult, error) {
	m.mu.Lock()
	m.submitCalls++
	fn := m.SubmitFn
	m.mu.Unlock()

	if fn == nil {
		return &provider.SubmitResult{ExternalTaskID: "ext-default"}, nil
	}
	return fn(ctx, prompt)
}

// FetchStatus invokes FetchStatusFn and counts the call.
func (m *MockProviderClient) FetchStatus(ctx context.Context, externalTaskID string) (*provider.StatusReport, error) {
	m.mu.Lock()
	m.fetchCalls++
	fn := m.FetchStatusFn
	m.mu.Unlock()

	if fn == nil {
		return &provider.StatusReport{ExternalTaskID: externalTaskID, Status: provider.StatusWorking}, nil
	}
	return fn(ctx, externalTaskID)
}

// VerifyWebhook invokes VerifyWebhookFn, defaulting to accept.
func (m *MockProviderClient) VerifyWebhook(payload []byte, headers http.Header) bool {
	if m.VerifyWebhookFn == nil {
		return true
	}
	return m.VerifyWebhookFn(payload, headers)
}

// ParseWebhook invokes ParseWebhookFn.
func (m *MockProviderClient) ParseWebhook(payload []byte) (*provider.StatusReport, error) {
	if m.ParseWebhookFn == nil {
		return nil, provider.ErrMalformedPayload
	}
	return m.ParseWebhookFn(payload)
}

// SubmitCalls returns how many times Submit was invoked.
func (m *MockProviderClient) SubmitCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitCalls
}

// FetchCalls returns how many times FetchStatus was invoked.
func (m *MockProviderClient) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}
