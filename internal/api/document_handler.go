package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// RegisterDocument регистрирует документ.
// POST /api/v1/documents
func (h *Handler) RegisterDocument(w http.ResponseWriter, r *http.Request) {
	var req RegisterDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	doc, err := h.coord.RegisterDocument(r.Context(), req.ToInput())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	Created(w, doc)
}

// GetDocument возвращает документ со стадиями.
// GET /api/v1/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	view, err := h.coord.GetDocument(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "document not found") {
		return
	}

	Success(w, view)
}

// ListEntities возвращает сущности и связи документа.
// GET /api/v1/documents/{id}/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	graph, err := h.coord.ListEntities(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "document not found") {
		return
	}

	Success(w, graph)
}

// CancelDocument отменяет обработку документа.
// POST /api/v1/documents/{id}/cancel
func (h *Handler) CancelDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	doc, finalized, err := h.coord.CancelDocument(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "document not found") {
		return
	}

	status := http.StatusOK
	if !finalized {
		status = http.StatusAccepted
	}
	JSON(w, status, DataResponse{Data: CancelDocumentResponse{Document: doc, Finalized: finalized}})
}

// ResetDocument возвращает FAILED документ в обработку.
// POST /api/v1/documents/{id}/reset
func (h *Handler) ResetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	doc, err := h.coord.ResetDocument(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "document not found") {
		return
	}

	Success(w, doc)
}

// ReprocessDocument запускает документ заново под новой версией.
// POST /api/v1/documents/{id}/reprocess
func (h *Handler) ReprocessDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := documentID(w, r)
	if !ok {
		return
	}

	doc, err := h.coord.ReprocessDocument(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "document not found") {
		return
	}

	Success(w, doc)
}

func documentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}
