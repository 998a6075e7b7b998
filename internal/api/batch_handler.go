package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/Docflow/internal/domain"
)

// SubmitBatch запускает обработку документов одним batch.
// POST /api/v1/batches
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req SubmitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	b, err := h.coord.SubmitBatch(r.Context(), req.DocumentIDs, domain.Priority(req.Priority))
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	JSON(w, http.StatusAccepted, DataResponse{Data: SubmitBatchResponse{
		BatchID:   b.ID,
		Priority:  b.Priority,
		Submitted: b.SubmittedCount,
	}})
}

// GetBatchStatus возвращает прогресс batch.
// GET /api/v1/batches/{id}
func (h *Handler) GetBatchStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	progress, err := h.coord.GetBatchStatus(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "batch not found") {
		return
	}

	Success(w, progress)
}

// CancelBatch отменяет незавершённые документы batch.
// POST /api/v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid batch id")
		return
	}

	res, err := h.coord.CancelBatch(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "batch not found") {
		return
	}

	Success(w, res)
}
