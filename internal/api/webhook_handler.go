package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/musegen/musegen-api/internal/api/shared"
	"github.com/musegen/musegen-api/internal/service"
)

// maxWebhookBodyBytes bounds provider callback payloads.
const maxWebhookBodyBytes = 1 << 20

// WebhookHandler receives provider callbacks for generation tasks.
// It is mounted outside the authenticated route group; the callback is
// authenticated by its signature instead of a bearer token.
type WebhookHandler struct {
	generationService service.GenerationService
}

// NewWebhookHandler creates a new WebhookHandler.
func NewWebhookHandler(generationService service.GenerationService) *WebhookHandler {
	return &WebhookHandler{
		generationService: generationService,
	}
}

// HandleCallback handles POST /api/webhooks/generation requests. A 2xx
// tells the provider to stop redelivering; signature failures get 401 so
// a misconfigured secret is visible, malformed payloads get 400.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Unable to read callback body")
		return
	}

	err = h.generationService.HandleCallback(r.Context(), payload, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWebhookUnauthorized):
			shared.RespondWithErrorAndLog(w, r,
				http.StatusUnauthorized, "Invalid webhook signature", err,
				shared.WithElevatedLogLevel())
		case errors.Is(err, service.ErrWebhookMalformed):
			shared.RespondWithErrorAndLog(w, r,
				http.StatusBadRequest, "Malformed webhook payload", err)
		default:
			// Internal failure: non-2xx so the provider retries delivery.
			shared.RespondWithErrorAndLog(w, r,
				http.StatusInternalServerError, "Failed to process callback", err)
		}
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
