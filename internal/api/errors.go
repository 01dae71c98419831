package api

import (
	"errors"
	"net/http"

	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/service"
	"github.com/musegen/musegen-api/internal/service/auth"
	"github.com/musegen/musegen-api/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes without leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, service.ErrWebhookUnauthorized):
		return http.StatusUnauthorized

	// Authorization errors
	case errors.Is(err, service.ErrNotOwned):
		return http.StatusForbidden

	// Not found errors
	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		return http.StatusNotFound

	// State conflicts
	case errors.Is(err, domain.ErrTaskTerminal):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, service.ErrWebhookMalformed):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly message for the
// given error. Raw error strings never reach clients.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return "Invalid token"

	case errors.Is(err, service.ErrWebhookUnauthorized):
		return "Invalid webhook signature"

	case errors.Is(err, service.ErrNotOwned):
		return "You do not own this generation task"

	case errors.Is(err, service.ErrTaskNotFound),
		errors.Is(err, store.ErrTaskNotFound):
		return "Generation task not found"

	case errors.Is(err, domain.ErrTaskTerminal):
		return "Generation task already finished"

	case errors.Is(err, service.ErrWebhookMalformed):
		return "Malformed webhook payload"

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, store.ErrInvalidEntity):
		return "Invalid request data"

	default:
		return "An unexpected error occurred"
	}
}
