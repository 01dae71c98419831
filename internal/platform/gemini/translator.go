// Package gemini implements translation.Translator using Google's Gemini
// API. It reframes a raw user prompt into the structured music-generation
// prompt the provider performs best with.
package gemini

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"strings"
	"text/template"
	"time"

	"google.golang.org/genai"

	"github.com/musegen/musegen-api/internal/config"
	"github.com/musegen/musegen-api/internal/translation"
)

// defaultPromptTemplate frames the user's request for the generation
// provider when no template file is configured.
const defaultPromptTemplate = `You are a music prompt engineer. Rewrite the user's request below into a
single concise English prompt for a music generation model. Describe
genre, mood, tempo, and instrumentation. Answer with the rewritten
prompt only, no commentary.

User request: {{.UserPrompt}}`

// promptData is the input to the prompt template.
type promptData struct {
	UserPrompt string
}

// Translator calls the Gemini API to rewrite user prompts.
type Translator struct {
	logger   *slog.Logger
	config   config.TranslatorConfig
	template *template.Template
	client   *genai.Client
}

var _ translation.Translator = (*Translator)(nil)

// NewTranslator creates a new Gemini-backed Translator.
func NewTranslator(ctx context.Context, logger *slog.Logger, cfg config.TranslatorConfig) (*Translator, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", translation.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", translation.ErrInvalidConfig)
	}

	templateContent := defaultPromptTemplate
	if cfg.PromptTemplatePath != "" {
		raw, err := os.ReadFile(cfg.PromptTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read prompt template from %s: %v",
				translation.ErrInvalidConfig, cfg.PromptTemplatePath, err)
		}
		templateContent = string(raw)
	}

	promptTemplate, err := template.New("translate").Parse(templateContent)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse prompt template: %v",
			translation.ErrInvalidConfig, err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			translation.ErrInvalidConfig, err)
	}

	return &Translator{
		logger:   logger.With("component", "gemini_translator"),
		config:   cfg,
		template: promptTemplate,
		client:   client,
	}, nil
}

// Translate implements translation.Translator.
func (t *Translator) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", translation.ErrEmptyPrompt
	}

	prompt, err := t.buildPrompt(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", translation.ErrTranslationFailed, err)
	}

	translated, err := t.callGeminiWithRetry(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", translation.ErrTranslationFailed, err)
	}
	return translated, nil
}

// buildPrompt executes the template with the user's text.
func (t *Translator) buildPrompt(text string) (string, error) {
	var buf bytes.Buffer
	if err := t.template.Execute(&buf, promptData{UserPrompt: text}); err != nil {
		return "", fmt.Errorf("failed to execute prompt template: %w", err)
	}
	return buf.String(), nil
}

// callGeminiWithRetry makes the API call with exponential backoff for
// transient failures. Empty or safety-blocked responses are permanent
// and not retried.
func (t *Translator) callGeminiWithRetry(ctx context.Context, prompt string) (string, error) {
	maxRetries := t.config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 3
	}
	baseDelaySeconds := t.config.RetryDelaySeconds
	if baseDelaySeconds < 1 {
		baseDelaySeconds = 2
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		t.logger.DebugContext(ctx, "calling gemini",
			"attempt", attempt+1,
			"max_attempts", maxRetries+1)

		resp, err := t.client.Models.GenerateContent(ctx, t.config.ModelName, genai.Text(prompt), nil)
		if err == nil {
			text, permErr := extractText(resp)
			if permErr != nil {
				// Response-shape problems do not resolve on retry.
				return "", permErr
			}
			return text, nil
		}

		lastErr = err
		t.logger.WarnContext(ctx, "gemini call failed",
			"attempt", attempt+1,
			"error", err)

		if attempt == maxRetries {
			break
		}

		// delay = baseDelay * 2^attempt, jittered down to half.
		backoffSeconds := float64(baseDelaySeconds) * math.Pow(2, float64(attempt))
		delay := time.Duration(backoffSeconds * (0.5 + rng.Float64()*0.5) * float64(time.Second))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("exceeded %d attempts: %w", maxRetries+1, lastErr)
}

// extractText pulls the generated text out of a response, rejecting
// empty and safety-blocked results.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("empty response from model")
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return "", errors.New("response blocked by safety filters")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("model returned no text")
	}
	return text, nil
}
