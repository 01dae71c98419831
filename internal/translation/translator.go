// Package translation defines the prompt-translation boundary. The
// orchestrator treats translation as an opaque capability: it either
// yields an optimized prompt for the provider or fails, and a failure is
// terminal for the owning task.
package translation

import (
	"context"
	"errors"
)

// Common errors returned by translators.
var (
	// ErrTranslationFailed is returned when the translator cannot produce
	// a usable prompt. The orchestrator does not retry translation.
	ErrTranslationFailed = errors.New("prompt translation failed")

	// ErrEmptyPrompt is returned when the input text is empty.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")

	// ErrInvalidConfig is returned when a translator is constructed with
	// an invalid configuration.
	ErrInvalidConfig = errors.New("invalid translator configuration")
)

// Translator converts a user-supplied prompt into the form the provider
// expects (language normalization, style hints). Implementations live
// under internal/platform.
type Translator interface {
	// Translate returns the provider-ready prompt for the given text, or
	// an error wrapping ErrTranslationFailed.
	Translate(ctx context.Context, text string) (string, error)
}

// Func adapts a plain function to the Translator interface.
type Func func(ctx context.Context, text string) (string, error)

// Translate implements Translator.
func (f Func) Translate(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}
