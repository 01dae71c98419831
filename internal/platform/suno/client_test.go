package suno

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musegen/musegen-api/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIKey:         "test-key",
		BaseURL:        server.URL,
		Model:          "V4_5",
		CallbackURL:    "https://example.com/api/webhooks/suno",
		CallbackSecret: "hook-secret",
	}, server.Client(), testLogger())
	require.NoError(t, err)
	return client
}

func TestNewClient_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{BaseURL: "https://api.example.com"}, nil, nil)
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: "k"}, nil, nil)
	assert.Error(t, err)

	client, err := NewClient(Config{APIKey: "k", BaseURL: "https://api.example.com"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "V4_5", client.config.Model)
}

func TestClient_Submit(t *testing.T) {
	t.Parallel()

	t.Run("success returns external task id", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/generate", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var body submitRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "dreamy synthwave", body.Prompt)
			assert.Equal(t, "V4_5", body.Model)
			assert.Equal(t, "https://example.com/api/webhooks/suno", body.CallBackURL)

			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-abc123"}}`))
		}))

		result, err := client.Submit(context.Background(), "dreamy synthwave")
		require.NoError(t, err)
		assert.Equal(t, "ext-abc123", result.ExternalTaskID)
	})

	t.Run("envelope code 429 is fatal credit exhaustion", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":429,"msg":"insufficient credits"}`))
		}))

		_, err := client.Submit(context.Background(), "p")
		assert.ErrorIs(t, err, provider.ErrCreditExhausted)
		assert.True(t, provider.IsFatal(err))
	})

	t.Run("envelope code 401 is fatal credential failure", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":401,"msg":"invalid api key"}`))
		}))

		_, err := client.Submit(context.Background(), "p")
		assert.ErrorIs(t, err, provider.ErrCredentialInvalid)
	})

	t.Run("http 401 is fatal before envelope parsing", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))

		_, err := client.Submit(context.Background(), "p")
		assert.ErrorIs(t, err, provider.ErrCredentialInvalid)
	})

	t.Run("http 429 is transient rate limiting", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))

		_, err := client.Submit(context.Background(), "p")
		assert.ErrorIs(t, err, provider.ErrRetryable)
		assert.False(t, provider.IsFatal(err))
	})

	t.Run("http 5xx is retryable", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))

		_, err := client.Submit(context.Background(), "p")
		assert.ErrorIs(t, err, provider.ErrRetryable)
	})

	t.Run("missing task id is malformed", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{}}`))
		}))

		_, err := client.Submit(context.Background(), "p")
		assert.ErrorIs(t, err, provider.ErrMalformedPayload)
	})
}

func TestClient_FetchStatus(t *testing.T) {
	t.Parallel()

	t.Run("working status", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/api/v1/generate/record-info", r.URL.Path)
			assert.Equal(t, "ext-1", r.URL.Query().Get("taskId"))

			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1","status":"GENERATING"}}`))
		}))

		report, err := client.FetchStatus(context.Background(), "ext-1")
		require.NoError(t, err)
		assert.Equal(t, provider.StatusWorking, report.Status)
		assert.Equal(t, "ext-1", report.ExternalTaskID)
		assert.Empty(t, report.ResultRef)
	})

	t.Run("completed status carries audio url", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1","status":"complete","data":[{"audio_url":"https://cdn.example.com/a.mp3"}]}}`))
		}))

		report, err := client.FetchStatus(context.Background(), "ext-1")
		require.NoError(t, err)
		assert.Equal(t, provider.StatusCompleted, report.Status)
		assert.Equal(t, "https://cdn.example.com/a.mp3", report.ResultRef)
	})

	t.Run("completed without audio url is malformed", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1","status":"complete","data":[]}}`))
		}))

		_, err := client.FetchStatus(context.Background(), "ext-1")
		assert.ErrorIs(t, err, provider.ErrMalformedPayload)
	})

	t.Run("failed status carries detail", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"msg":"generation failed","data":{"taskId":"ext-1","status":"failed"}}`))
		}))

		report, err := client.FetchStatus(context.Background(), "ext-1")
		require.NoError(t, err)
		assert.Equal(t, provider.StatusFailed, report.Status)
		assert.Equal(t, "generation failed", report.Detail)
	})

	t.Run("envelope code 404 means task lost", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":404,"msg":"task not found"}`))
		}))

		_, err := client.FetchStatus(context.Background(), "ext-1")
		assert.ErrorIs(t, err, provider.ErrTaskLost)
	})

	t.Run("unmapped status string surfaces", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"code":200,"msg":"success","data":{"taskId":"ext-1","status":"hibernating"}}`))
		}))

		_, err := client.FetchStatus(context.Background(), "ext-1")
		assert.ErrorIs(t, err, provider.ErrUnmappedStatus)
	})
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestClient_VerifyWebhook(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.NotFoundHandler())
	payload := []byte(`{"code":200,"data":{"task_id":"ext-1"}}`)

	t.Run("valid signature accepted", func(t *testing.T) {
		t.Parallel()

		headers := http.Header{}
		headers.Set(SignatureHeader, signPayload("hook-secret", payload))
		assert.True(t, client.VerifyWebhook(payload, headers))
	})

	t.Run("wrong signature rejected", func(t *testing.T) {
		t.Parallel()

		headers := http.Header{}
		headers.Set(SignatureHeader, signPayload("other-secret", payload))
		assert.False(t, client.VerifyWebhook(payload, headers))
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		t.Parallel()

		assert.False(t, client.VerifyWebhook(payload, http.Header{}))
	})

	t.Run("tampered payload rejected", func(t *testing.T) {
		t.Parallel()

		headers := http.Header{}
		headers.Set(SignatureHeader, signPayload("hook-secret", payload))
		assert.False(t, client.VerifyWebhook([]byte(`{"code":200,"data":{"task_id":"ext-2"}}`), headers))
	})

	t.Run("empty secret disables verification", func(t *testing.T) {
		t.Parallel()

		open, err := NewClient(Config{APIKey: "k", BaseURL: "https://api.example.com"}, nil, testLogger())
		require.NoError(t, err)
		assert.True(t, open.VerifyWebhook(payload, http.Header{}))
	})
}

func TestClient_ParseWebhook(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.NotFoundHandler())

	testCases := []struct {
		name    string
		payload string
		want    *provider.StatusReport
		wantErr error
	}{
		{
			name:    "complete callback",
			payload: `{"code":200,"msg":"ok","data":{"callbackType":"complete","task_id":"ext-1","data":[{"audio_url":"https://cdn.example.com/a.mp3"}]}}`,
			want: &provider.StatusReport{
				ExternalTaskID: "ext-1",
				Status:         provider.StatusCompleted,
				ResultRef:      "https://cdn.example.com/a.mp3",
			},
		},
		{
			name:    "camel-cased fields",
			payload: `{"code":200,"msg":"ok","data":{"callbackType":"complete","taskId":"ext-1","data":[{"audioUrl":"https://cdn.example.com/b.mp3"}]}}`,
			want: &provider.StatusReport{
				ExternalTaskID: "ext-1",
				Status:         provider.StatusCompleted,
				ResultRef:      "https://cdn.example.com/b.mp3",
			},
		},
		{
			name:    "text callback is a progress notification",
			payload: `{"code":200,"msg":"ok","data":{"callbackType":"text","task_id":"ext-1"}}`,
			want: &provider.StatusReport{
				ExternalTaskID: "ext-1",
				Status:         provider.StatusWorking,
			},
		},
		{
			name:    "first callback is a progress notification",
			payload: `{"code":200,"msg":"ok","data":{"callbackType":"first","task_id":"ext-1","data":[{"audio_url":"https://cdn.example.com/partial.mp3"}]}}`,
			want: &provider.StatusReport{
				ExternalTaskID: "ext-1",
				Status:         provider.StatusWorking,
			},
		},
		{
			name:    "non-200 envelope code is a failure report",
			payload: `{"code":500,"msg":"generation error","data":{"task_id":"ext-1"}}`,
			want: &provider.StatusReport{
				ExternalTaskID: "ext-1",
				Status:         provider.StatusFailed,
				Detail:         "generation error",
			},
		},
		{
			name:    "missing task id is malformed",
			payload: `{"code":200,"msg":"ok","data":{"callbackType":"complete"}}`,
			wantErr: provider.ErrMalformedPayload,
		},
		{
			name:    "complete without audio url is malformed",
			payload: `{"code":200,"msg":"ok","data":{"callbackType":"complete","task_id":"ext-1","data":[]}}`,
			wantErr: provider.ErrMalformedPayload,
		},
		{
			name:    "non-json payload is malformed",
			payload: `not json`,
			wantErr: provider.ErrMalformedPayload,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			report, err := client.ParseWebhook([]byte(tc.payload))
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, report)
		})
	}
}
