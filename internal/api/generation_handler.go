package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/musegen/musegen-api/internal/api/shared"
	"github.com/musegen/musegen-api/internal/domain"
	"github.com/musegen/musegen-api/internal/service"
)

// CreateGenerationRequest represents the request body for submitting a
// new generation task.
type CreateGenerationRequest struct {
	Prompt string `json:"prompt" validate:"required,min=1,max=2000"`
	// Wait asks the server to hold the response until the task leaves
	// Pending or the synchronous budget elapses.
	Wait bool `json:"wait,omitempty"`
}

// GenerationResponse represents the response data for a generation task.
type GenerationResponse struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Prompt            string     `json:"prompt"`
	State             string     `json:"state"`
	ExternalTaskID    string     `json:"external_task_id,omitempty"`
	ResultRef         string     `json:"result_ref,omitempty"`
	ErrorKind         string     `json:"error_kind,omitempty"`
	ErrorDetail       string     `json:"error_detail,omitempty"`
	Attempts          int        `json:"attempts"`
	PollCount         int        `json:"poll_count"`
	WebhookReceivedAt *time.Time `json:"webhook_received_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeadlineAt        time.Time  `json:"deadline_at"`
}

// GenerationHandler handles generation task HTTP requests.
type GenerationHandler struct {
	generationService service.GenerationService
}

// NewGenerationHandler creates a new GenerationHandler.
func NewGenerationHandler(generationService service.GenerationService) *GenerationHandler {
	return &GenerationHandler{
		generationService: generationService,
	}
}

// CreateGeneration handles POST /api/generations requests. By default the
// task is dispatched asynchronously and a 202 is returned immediately;
// with "wait": true the handler blocks for the synchronous budget and
// returns 200 with the freshest snapshot.
func (h *GenerationHandler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value(shared.OwnerIDContextKey).(uuid.UUID)
	if !ok || ownerID == uuid.Nil {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Owner ID not found or invalid")
		return
	}

	var req CreateGenerationRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	var (
		genTask *domain.GenerationTask
		err     error
	)
	if req.Wait {
		genTask, err = h.generationService.SubmitAndWait(r.Context(), ownerID, req.Prompt)
	} else {
		genTask, err = h.generationService.Submit(r.Context(), ownerID, req.Prompt)
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	status := http.StatusAccepted
	if req.Wait {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, taskToResponse(genTask))
}

// GetGeneration handles GET /api/generations/{id} requests.
func (h *GenerationHandler) GetGeneration(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value(shared.OwnerIDContextKey).(uuid.UUID)
	if !ok || ownerID == uuid.Nil {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Owner ID not found or invalid")
		return
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	genTask, err := h.generationService.GetStatus(r.Context(), ownerID, taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(genTask))
}

// CancelGeneration handles POST /api/generations/{id}/cancel requests.
// Cancelling a task that already reached a terminal state returns 409.
func (h *GenerationHandler) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value(shared.OwnerIDContextKey).(uuid.UUID)
	if !ok || ownerID == uuid.Nil {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Owner ID not found or invalid")
		return
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return
	}

	if err := h.generationService.Cancel(r.Context(), ownerID, taskID); err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	genTask, err := h.generationService.GetStatus(r.Context(), ownerID, taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(genTask))
}

// taskToResponse converts a domain.GenerationTask to a GenerationResponse.
// The translated prompt stays internal.
func taskToResponse(t *domain.GenerationTask) GenerationResponse {
	return GenerationResponse{
		ID:                t.ID.String(),
		OwnerID:           t.OwnerID.String(),
		Prompt:            t.Prompt,
		State:             string(t.State),
		ExternalTaskID:    t.ExternalTaskID,
		ResultRef:         t.ResultRef,
		ErrorKind:         string(t.ErrorKind),
		ErrorDetail:       t.ErrorDetail,
		Attempts:          t.Attempts,
		PollCount:         t.PollCount,
		WebhookReceivedAt: t.WebhookReceivedAt,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		DeadlineAt:        t.DeadlineAt,
	}
}
