// Package suno implements provider.Client against the Suno generation
// API. The API wraps every response and callback in a common envelope of
// {code, msg, data}; the numeric code carries the provider's own error
// taxonomy (429 insufficient credit, 401 bad credentials) independent of
// the HTTP status line.
package suno

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/musegen/musegen-api/internal/provider"
)

// Header carrying the webhook payload signature.
const SignatureHeader = "X-Callback-Signature"

// Provider-envelope codes with special classification.
const (
	codeOK                 = 200
	codeCredentialInvalid  = 401
	codeNotFound           = 404
	codeCreditInsufficient = 429
)

// Config holds the settings required to talk to the Suno API.
type Config struct {
	// APIKey is the bearer token for outbound requests.
	APIKey string

	// BaseURL is the API root, e.g. https://api.sunoapi.org.
	BaseURL string

	// Model is the generation model version, e.g. V4_5.
	Model string

	// CallbackURL is the publicly reachable URL the provider delivers
	// completion callbacks to.
	CallbackURL string

	// CallbackSecret keys the HMAC signature on inbound callbacks. When
	// empty, signature verification is skipped.
	CallbackSecret string
}

// Client is the HTTP implementation of provider.Client for the Suno API.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ provider.Client = (*Client)(nil)

// NewClient creates a Suno API client. It returns an error if the
// configuration is incomplete.
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("suno: API key is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("suno: base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("suno: invalid base URL: %w", err)
	}
	if config.Model == "" {
		config.Model = "V4_5"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger.With("component", "suno_client"),
	}, nil
}

// envelope is the common response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// submitRequest is the body of POST /api/v1/generate.
type submitRequest struct {
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackURL  string `json:"callBackUrl"`
	Prompt       string `json:"prompt"`
}

type submitData struct {
	TaskID string `json:"taskId"`
}

// trackData is one generated track in a status or callback payload. The
// provider is inconsistent about field casing, so both spellings are
// tried.
type trackData struct {
	AudioURL      string `json:"audio_url"`
	AudioURLCamel string `json:"audioUrl"`
}

func (t trackData) url() string {
	if t.AudioURL != "" {
		return t.AudioURL
	}
	return t.AudioURLCamel
}

type statusData struct {
	TaskID string      `json:"taskId"`
	Status string      `json:"status"`
	Msg    string      `json:"msg"`
	Data   []trackData `json:"data"`
}

// Submit implements provider.Client.
func (c *Client) Submit(ctx context.Context, prompt string) (*provider.SubmitResult, error) {
	body := submitRequest{
		CustomMode:   false,
		Instrumental: false,
		Model:        c.config.Model,
		CallBackURL:  c.config.CallbackURL,
		Prompt:       prompt,
	}

	env, err := c.post(ctx, "/api/v1/generate", body)
	if err != nil {
		return nil, err
	}

	if err := classifyCode(env.Code, env.Msg); err != nil {
		return nil, err
	}

	var data submitData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: submit response data: %v", provider.ErrMalformedPayload, err)
	}
	if data.TaskID == "" {
		return nil, fmt.Errorf("%w: submit response missing taskId", provider.ErrMalformedPayload)
	}

	c.logger.Debug("generation submitted", "external_task_id", data.TaskID)
	return &provider.SubmitResult{ExternalTaskID: data.TaskID}, nil
}

// FetchStatus implements provider.Client.
func (c *Client) FetchStatus(ctx context.Context, externalTaskID string) (*provider.StatusReport, error) {
	endpoint, err := c.resolve("/api/v1/generate/record-info")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("taskId", externalTaskID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	env, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if env.Code == codeNotFound {
		return nil, fmt.Errorf("%w: %s", provider.ErrTaskLost, env.Msg)
	}
	if err := classifyCode(env.Code, env.Msg); err != nil {
		return nil, err
	}

	var data statusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: status response data: %v", provider.ErrMalformedPayload, err)
	}

	status, err := provider.MapStatus(data.Status)
	if err != nil {
		return nil, err
	}

	report := &provider.StatusReport{
		ExternalTaskID: externalTaskID,
		Status:         status,
	}
	switch status {
	case provider.StatusCompleted:
		report.ResultRef = firstTrackURL(data.Data)
		if report.ResultRef == "" {
			// Completed with no artifact is a provider inconsistency;
			// keep polling rather than recording a broken result.
			return nil, fmt.Errorf("%w: completed status without audio url", provider.ErrMalformedPayload)
		}
	case provider.StatusFailed:
		report.Detail = data.Msg
		if report.Detail == "" {
			report.Detail = env.Msg
		}
	}
	return report, nil
}

// VerifyWebhook implements provider.Client. The signature is an
// HMAC-SHA256 of the raw payload keyed by the callback secret, hex
// encoded. An empty secret disables verification.
func (c *Client) VerifyWebhook(payload []byte, headers http.Header) bool {
	if c.config.CallbackSecret == "" {
		return true
	}

	signature := headers.Get(SignatureHeader)
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(c.config.CallbackSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// callbackData is the data object inside a webhook envelope. Completion
// progresses through callbackType text, first, and complete; only
// complete carries the final track set.
type callbackData struct {
	CallbackType string      `json:"callbackType"`
	TaskID       string      `json:"task_id"`
	TaskIDCamel  string      `json:"taskId"`
	Data         []trackData `json:"data"`
}

func (d callbackData) taskID() string {
	if d.TaskID != "" {
		return d.TaskID
	}
	return d.TaskIDCamel
}

// ParseWebhook implements provider.Client.
func (c *Client) ParseWebhook(payload []byte) (*provider.StatusReport, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}

	var data callbackData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: callback data: %v", provider.ErrMalformedPayload, err)
		}
	}

	taskID := data.taskID()
	if taskID == "" {
		return nil, fmt.Errorf("%w: callback missing task id", provider.ErrMalformedPayload)
	}

	report := &provider.StatusReport{ExternalTaskID: taskID}

	// A non-200 envelope code means the generation itself failed; the
	// delivery is still acknowledged.
	if env.Code != codeOK {
		report.Status = provider.StatusFailed
		report.Detail = env.Msg
		if report.Detail == "" {
			report.Detail = fmt.Sprintf("provider callback code %d", env.Code)
		}
		return report, nil
	}

	switch data.CallbackType {
	case "complete", "":
		resultRef := firstTrackURL(data.Data)
		if resultRef == "" {
			return nil, fmt.Errorf("%w: complete callback without audio url", provider.ErrMalformedPayload)
		}
		report.Status = provider.StatusCompleted
		report.ResultRef = resultRef
	case "error":
		report.Status = provider.StatusFailed
		report.Detail = env.Msg
	default:
		// text and first are progress notifications.
		status, err := provider.MapStatus(data.CallbackType)
		if err != nil {
			return nil, err
		}
		report.Status = status
	}
	return report, nil
}

func firstTrackURL(tracks []trackData) string {
	for _, track := range tracks {
		if u := track.url(); u != "" {
			return u
		}
	}
	return ""
}

// classifyCode maps provider envelope codes onto the sentinel taxonomy.
func classifyCode(code int, msg string) error {
	switch {
	case code == codeOK:
		return nil
	case code == codeCreditInsufficient:
		return fmt.Errorf("%w: %s", provider.ErrCreditExhausted, msg)
	case code == codeCredentialInvalid:
		return fmt.Errorf("%w: %s", provider.ErrCredentialInvalid, msg)
	case code >= 500:
		return fmt.Errorf("%w: provider code %d: %s", provider.ErrRetryable, code, msg)
	default:
		return fmt.Errorf("%w: provider code %d: %s", provider.ErrRetryable, code, msg)
	}
}

func (c *Client) post(ctx context.Context, path string, body any) (*envelope, error) {
	endpoint, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req)

	return c.do(req)
}

func (c *Client) do(req *http.Request) (*envelope, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrRetryable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", provider.ErrRetryable, err)
	}

	// Transport-level classification first; the envelope code refines it.
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: http 401", provider.ErrCredentialInvalid)
	case resp.StatusCode == http.StatusTooManyRequests:
		// HTTP 429 is rate limiting; the fatal credit case arrives as an
		// envelope code instead.
		return nil, fmt.Errorf("%w: http 429", provider.ErrRetryable)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: http %d", provider.ErrRetryable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: http %d: %v", provider.ErrMalformedPayload, resp.StatusCode, err)
	}
	return &env, nil
}

func (c *Client) resolve(path string) (string, error) {
	base, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
}
